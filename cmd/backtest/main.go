package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"signaltrader/internal/backtest"
	"signaltrader/internal/config"
	"signaltrader/internal/db"
	"signaltrader/internal/logger"
	"signaltrader/internal/models"
	"signaltrader/internal/parser"
	"signaltrader/internal/repository"
	gormrepository "signaltrader/internal/repository/gorm"
	"signaltrader/internal/risk"
	"signaltrader/internal/service"
)

const (
	exitOK       = 0
	exitSetup    = 1
	exitDiverged = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	mode       string
	input      string
	limits     string
	report     string
	window     time.Duration
	equity     float64
	persist    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.StringVar(&o.configPath, "config", os.Getenv("ST_CONFIG"), "config file; defaults apply when empty")
	fs.StringVar(&o.mode, "mode", "", "sync|async|both")
	fs.StringVar(&o.input, "input", "", "channel log, one JSON object per line")
	fs.StringVar(&o.limits, "limits", "", "risk limit profile (yaml)")
	fs.StringVar(&o.report, "report", "", "write the report as yaml to this file")
	fs.DurationVar(&o.window, "window", 0, "async admission window")
	fs.Float64Var(&o.equity, "equity", 0, "initial equity")
	fs.BoolVar(&o.persist, "persist", false, "store records and the run in the database")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

// run returns the process exit code: 0 when the replay completed, 1 on setup
// failure, 2 when sync and async runs end in different account states.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return exitSetup
	}
	cfg := config.Default()
	if strings.TrimSpace(opts.configPath) != "" {
		if cfg, err = config.Load(opts.configPath, false); err != nil {
			fmt.Fprintf(stderr, "load config: %v\n", err)
			return exitSetup
		}
	}
	applyFlags(&cfg, opts)

	log, err := logger.New(cfg.Log, zap.String("service", "backtest"))
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return exitSetup
	}
	defer log.Sync()

	modes, err := modesFor(cfg.Backtest.Mode)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitSetup
	}
	if strings.TrimSpace(cfg.Backtest.Input) == "" {
		fmt.Fprintln(stderr, "-input required")
		return exitSetup
	}
	signals, err := backtest.LoadLogFile(cfg.Backtest.Input)
	if err != nil {
		fmt.Fprintf(stderr, "load log: %v\n", err)
		return exitSetup
	}
	limits := risk.LimitsFromConfig(cfg.Risk)
	if opts.limits != "" {
		if limits, err = backtest.LoadLimits(opts.limits, cfg.Risk); err != nil {
			fmt.Fprintln(stderr, err)
			return exitSetup
		}
	}

	var repo repository.Repository
	if cfg.Backtest.Persist {
		conn, err := db.Open(cfg.DB)
		if err != nil {
			fmt.Fprintf(stderr, "open db: %v\n", err)
			return exitSetup
		}
		defer db.Close(conn)
		if err := db.AutoMigrate(conn); err != nil {
			fmt.Fprintf(stderr, "migrate: %v\n", err)
			return exitSetup
		}
		repo = gormrepository.New(conn.Gorm)
	}

	var primary parser.Extractor
	if cfg.LLM.Enabled {
		primary = parser.NewLLMExtractor(cfg.LLM, log)
	}

	var results []backtest.Result
	for _, mode := range modes {
		driver, _ := backtest.DriverFor(string(mode), cfg.Backtest.Window)
		engine := &backtest.Engine{
			RunID:         uuid.NewString(),
			InitialEquity: decimal.NewFromFloat(cfg.Backtest.InitialEquity),
			FeeRate:       decimal.NewFromFloat(cfg.Exchange.PaperFeeRate),
			Limits:        limits,
			Orchestrator:  cfg.Orchestrator,
			Gateway:       cfg.Gateway,
			Parser:        parser.New(cfg.Parser, primary, cfg.LLM.Timeout, log),
			Logger:        log,
		}
		if repo != nil {
			engine.Recorder = &service.AuditRecorder{Repo: repo, RunID: engine.RunID, Logger: log}
		}
		res, err := engine.Run(ctx, driver, signals)
		if err != nil {
			fmt.Fprintf(stderr, "%s run: %v\n", mode, err)
			return exitSetup
		}
		if err := res.Report.WriteTable(stdout); err != nil {
			fmt.Fprintf(stderr, "write report: %v\n", err)
			return exitSetup
		}
		if repo != nil {
			if err := saveRun(ctx, repo, cfg.Backtest.Input, limits, res); err != nil {
				log.Warn("persist backtest run failed", zap.Error(err))
			}
		}
		results = append(results, res)
	}

	if cfg.Backtest.Report != "" {
		if err := writeReports(cfg.Backtest.Report, results); err != nil {
			fmt.Fprintf(stderr, "write report: %v\n", err)
			return exitSetup
		}
	}

	if len(results) == 2 {
		diffs := backtest.Converge(results[0].Final, results[1].Final, decimal.Zero)
		if len(diffs) > 0 {
			fmt.Fprintln(stdout, "sync and async runs diverge:")
			for _, d := range diffs {
				fmt.Fprintln(stdout, "  "+d.String())
			}
			return exitDiverged
		}
		fmt.Fprintln(stdout, "sync and async runs converge")
	}
	return exitOK
}

func applyFlags(cfg *config.Config, o options) {
	if o.mode != "" {
		cfg.Backtest.Mode = o.mode
	}
	if o.input != "" {
		cfg.Backtest.Input = o.input
	}
	if o.report != "" {
		cfg.Backtest.Report = o.report
	}
	if o.window > 0 {
		cfg.Backtest.Window = o.window
	}
	if o.equity > 0 {
		cfg.Backtest.InitialEquity = o.equity
	}
	if o.persist {
		cfg.Backtest.Persist = true
	}
}

func modesFor(mode string) ([]backtest.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", string(backtest.ModeSync):
		return []backtest.Mode{backtest.ModeSync}, nil
	case string(backtest.ModeAsync):
		return []backtest.Mode{backtest.ModeAsync}, nil
	case "both":
		return []backtest.Mode{backtest.ModeSync, backtest.ModeAsync}, nil
	default:
		return nil, errors.New("-mode must be sync, async or both")
	}
}

func writeReports(path string, results []backtest.Result) error {
	var out []byte
	for i, res := range results {
		raw, err := res.Report.YAML()
		if err != nil {
			return err
		}
		if i > 0 {
			out = append(out, []byte("---\n")...)
		}
		out = append(out, raw...)
	}
	return os.WriteFile(path, out, 0o644)
}

func saveRun(ctx context.Context, repo repository.Repository, input string, limits risk.Limits, res backtest.Result) error {
	report, err := json.Marshal(res.Report)
	if err != nil {
		return err
	}
	lim, err := json.Marshal(limits)
	if err != nil {
		return err
	}
	return repo.InsertBacktestRun(ctx, &models.BacktestRun{
		RunID:         res.RunID,
		Mode:          string(res.Mode),
		Input:         input,
		InitialEquity: res.Initial,
		FinalEquity:   res.Final.Equity,
		Signals:       len(res.Records),
		Trades:        len(res.Trades),
		Report:        datatypes.JSON(report),
		Limits:        datatypes.JSON(lim),
		StartedAt:     res.Started,
		FinishedAt:    res.Finished,
	})
}
