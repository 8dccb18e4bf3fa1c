package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange/paper"
	"signaltrader/internal/execution"
	"signaltrader/internal/ledger"
	"signaltrader/internal/orchestrator"
	"signaltrader/internal/risk"
)

// Engine replays a signal log against a paper exchange and a fresh ledger.
type Engine struct {
	// RunID names the run; a fresh id is used when empty.
	RunID         string
	InitialEquity decimal.Decimal
	FeeRate       decimal.Decimal
	Limits        risk.Limits
	Orchestrator  config.OrchestratorConfig
	Gateway       config.GatewayConfig
	Parser        orchestrator.SignalParser
	// Recorder, when set, also receives every record, e.g. for persistence.
	Recorder orchestrator.Recorder
	Logger   *zap.Logger
}

type Result struct {
	RunID    string                `json:"run_id"`
	Mode     Mode                  `json:"mode"`
	Initial  decimal.Decimal       `json:"initial"`
	Final    domain.AccountState   `json:"final"`
	Records  []domain.ReplayRecord `json:"records"`
	Trades   []ledger.ClosedTrade  `json:"trades"`
	Report   Report                `json:"report"`
	Started  time.Time             `json:"started"`
	Finished time.Time             `json:"finished"`
}

func (e *Engine) Run(ctx context.Context, d Driver, signals []domain.RawSignal) (Result, error) {
	if e == nil || e.Parser == nil {
		return Result{}, fmt.Errorf("backtest engine has no parser")
	}
	if !e.InitialEquity.IsPositive() {
		return Result{}, fmt.Errorf("initial equity must be positive, got %s", e.InitialEquity)
	}
	runID := e.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	started := time.Now().UTC()
	logger := e.Logger
	if logger != nil {
		logger = logger.With(zap.String("run_id", runID), zap.String("mode", string(d.Mode())))
	}

	ex := paper.New(e.InitialEquity)
	ex.FeeRate = e.FeeRate
	ex.Logger = logger
	gw := execution.NewGateway(ex, execution.NewMemoryStore(), e.Gateway, "backtest:"+runID+":", logger)
	l := ledger.New(e.InitialEquity)
	l.Logger = logger

	opts := orchestrator.OptionsFromConfig(e.Orchestrator)
	// Replays decide on historical signals; wall-clock freshness does not apply.
	opts.Freshness = nil
	limits := e.Limits
	o := orchestrator.New(e.Parser, l, gw, func(context.Context) risk.Limits { return limits }, opts, logger)
	rec := orchestrator.NewMemoryRecorder(e.Recorder)
	o.Recorder = rec
	defer o.Close()

	if logger != nil {
		logger.Info("backtest started", zap.Int("signals", len(signals)), zap.String("equity", e.InitialEquity.String()))
	}
	if err := d.Replay(ctx, o, signals); err != nil {
		return Result{}, fmt.Errorf("replay %s: %w", d.Mode(), err)
	}

	final := l.Snapshot()
	if err := final.CheckInvariant(); err != nil {
		return Result{}, fmt.Errorf("final account state: %w", err)
	}
	records := rec.Records()
	trades := l.ClosedTrades()
	res := Result{
		RunID:    runID,
		Mode:     d.Mode(),
		Initial:  e.InitialEquity,
		Final:    final,
		Records:  records,
		Trades:   trades,
		Report:   BuildReport(d.Mode(), e.InitialEquity, final, records, trades),
		Started:  started,
		Finished: time.Now().UTC(),
	}
	if logger != nil {
		logger.Info("backtest finished",
			zap.String("final_equity", final.Equity.String()),
			zap.Int("open_positions", len(final.Positions)),
			zap.Int("closed_trades", len(trades)),
			zap.Duration("elapsed", res.Finished.Sub(started)),
		)
	}
	return res, nil
}
