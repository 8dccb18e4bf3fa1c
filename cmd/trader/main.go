package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signaltrader/internal/config"
	cronrunner "signaltrader/internal/cron"
	"signaltrader/internal/db"
	"signaltrader/internal/exchange"
	"signaltrader/internal/exchange/bybit"
	"signaltrader/internal/exchange/paper"
	"signaltrader/internal/execution"
	"signaltrader/internal/handler"
	"signaltrader/internal/ledger"
	"signaltrader/internal/logger"
	"signaltrader/internal/notify"
	"signaltrader/internal/orchestrator"
	"signaltrader/internal/parser"
	gormrepository "signaltrader/internal/repository/gorm"
	"signaltrader/internal/risk"
	"signaltrader/internal/service"
	"signaltrader/internal/source"
)

func main() {
	cfgPath := os.Getenv("ST_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("ST_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log, zap.String("service", "trader"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := gormrepository.New(dbConn.Gorm)
	settingsSvc := &service.SystemSettingsService{Repo: store, Logger: logger}
	if err := settingsSvc.EnsureDefaults(ctx); err != nil {
		logger.Warn("init default system settings failed", zap.Error(err))
	}

	led := ledger.New(decimal.NewFromFloat(cfg.Ledger.InitialEquity))
	led.Logger = logger
	ledgerStore := &service.LedgerStore{Repo: store, Ledger: led, Logger: logger, Keep: 500}
	recovered, err := ledgerStore.Recover(ctx)
	if err != nil {
		logger.Fatal("ledger recovery failed", zap.Error(err))
	}
	if !recovered {
		logger.Info("ledger starting fresh", zap.Float64("equity", cfg.Ledger.InitialEquity))
	}

	venue := newExchange(cfg, logger)
	idem, closeIdem := newIdempotencyStore(ctx, cfg.Cache, logger)
	defer closeIdem()
	gateway := execution.NewGateway(venue, idem, cfg.Gateway, cfg.Cache.Prefix, logger)

	var primary parser.Extractor
	if cfg.LLM.Enabled {
		primary = parser.NewLLMExtractor(cfg.LLM, logger)
	}
	signalParser := parser.New(cfg.Parser, primary, cfg.LLM.Timeout, logger)

	opts := orchestrator.OptionsFromConfig(cfg.Orchestrator)
	freshness := risk.FreshnessFromConfig(cfg.Risk)
	opts.Freshness = &freshness
	limits := settingsSvc.LimitsFunc(risk.LimitsFromConfig(cfg.Risk))
	orch := orchestrator.New(signalParser, led, gateway, limits, opts, logger)

	var bot *telego.Bot
	if cfg.Telegram.Enabled {
		bot, err = telego.NewBot(cfg.Telegram.BotToken)
		if err != nil {
			logger.Fatal("telegram bot init failed", zap.Error(err))
		}
	}
	notifier := notify.Multi{notify.Log{Logger: logger}}
	if bot != nil && cfg.Telegram.NotifyChatID != 0 {
		notifier = append(notifier, &notify.Telegram{Bot: bot, ChatID: cfg.Telegram.NotifyChatID})
	}
	orch.Recorder = &service.AuditRecorder{Repo: store, Store: ledgerStore, Logger: logger}
	orch.Notifier = notifier

	balanceSync := &service.BalanceSync{
		Exchange:  venue,
		Ledger:    led,
		Notifier:  notifier,
		Logger:    logger,
		Tolerance: decimal.NewFromFloat(cfg.Ledger.DriftTolerance),
		Adopt:     cfg.Ledger.AdoptExchange,
		Watch: func() []string {
			var symbols []string
			for _, st := range orch.States() {
				symbols = append(symbols, st.Symbol)
			}
			return symbols
		},
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	var auth *handler.JWT
	if cfg.Auth.Enabled {
		if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
			logger.Fatal("auth enabled without jwt secret")
		}
		auth = &handler.JWT{Secret: []byte(cfg.Auth.JWTSecret)}
	}
	engine := handler.NewRouter(logger, auth,
		&handler.HealthHandler{DB: dbConn.Gorm, Ledger: led, Parser: signalParser},
		&handler.TradingHandler{Trader: orch, Ledger: led, Sync: balanceSync},
		&handler.AuditHandler{Repo: store},
		&handler.SystemSettingsHandler{Repo: store, Settings: settingsSvc},
	)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		if _, err := cronRunner.Add("balance_sync", cfg.Cron.BalanceSync, balanceSync.Run); err != nil {
			logger.Warn("cron register balance sync failed", zap.Error(err))
		}
		if _, err := cronRunner.Add("ledger_checkpoint", cfg.Cron.Checkpoint, func(ctx context.Context) error {
			return ledgerStore.Checkpoint(ctx, "cron")
		}); err != nil {
			logger.Warn("cron register checkpoint failed", zap.Error(err))
		}
	}
	cronRunner.Start()

	if bot != nil {
		src := source.NewTelegram(bot, cfg.Telegram, orch, logger)
		go func() {
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("telegram source stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	cronRunner.Stop()

	// Signals already admitted finish unless the deadline passes first.
	if err := orch.Drain(shutdownCtx); err != nil {
		logger.Warn("drain incomplete", zap.Error(err))
	}
	orch.Close()
	if err := ledgerStore.Checkpoint(context.Background(), "shutdown"); err != nil {
		logger.Warn("final checkpoint failed", zap.Error(err))
	}
}

func newExchange(cfg config.Config, logger *zap.Logger) exchange.Client {
	if err := cfg.Exchange.Validate(); err != nil {
		logger.Fatal("invalid exchange config", zap.Error(err))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Exchange.Mode)) {
	case "bybit":
		return bybit.NewClient(nil, cfg.Exchange)
	default:
		ex := paper.New(decimal.NewFromFloat(cfg.Ledger.InitialEquity))
		ex.FeeRate = decimal.NewFromFloat(cfg.Exchange.PaperFeeRate)
		ex.Logger = logger
		logger.Info("paper exchange in use")
		return ex
	}
}

func newIdempotencyStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (execution.Store, func()) {
	if !strings.EqualFold(cfg.Driver, "redis") {
		return execution.NewMemoryStore(), func() {}
	}
	rs := execution.NewRedisStore(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rs.Client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return rs, func() { _ = rs.Client.Close() }
}
