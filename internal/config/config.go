package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"db"`
	Cron         CronConfig         `mapstructure:"cron"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Parser       ParserConfig       `mapstructure:"parser"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Backtest     BacktestConfig     `mapstructure:"backtest"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BalanceSync string `mapstructure:"balance_sync"`
	Checkpoint  string `mapstructure:"checkpoint"`
}

type TelegramConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BotToken     string        `mapstructure:"bot_token"`
	ChannelIDs   []int64       `mapstructure:"channel_ids"`
	NotifyChatID int64         `mapstructure:"notify_chat_id"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

type LLMConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ParserConfig struct {
	MinConfidence   float64       `mapstructure:"min_confidence"`
	QuoteAsset      string        `mapstructure:"quote_asset"`
	Symbols         []string      `mapstructure:"symbols"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type ExchangeConfig struct {
	// Mode is "paper" or "bybit".
	Mode         string        `mapstructure:"mode"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	RecvWindow   int           `mapstructure:"recv_window"`
	Category     string        `mapstructure:"category"`
	AccountType  string        `mapstructure:"account_type"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
	PaperFeeRate float64       `mapstructure:"paper_fee_rate"`
}

// Validate checks that a live venue has credentials.
func (c ExchangeConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "", "paper":
		return nil
	case "bybit":
		if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
			return errors.New("exchange.api_key and exchange.api_secret are required in bybit mode")
		}
		return nil
	default:
		return errors.New("unknown exchange mode " + c.Mode)
	}
}

type LedgerConfig struct {
	InitialEquity  float64 `mapstructure:"initial_equity"`
	DriftTolerance float64 `mapstructure:"drift_tolerance"`
	AdoptExchange  bool    `mapstructure:"adopt_exchange"`
}

type RiskConfig struct {
	MaxRiskFractionPerTrade float64       `mapstructure:"max_risk_fraction_per_trade" yaml:"max_risk_fraction_per_trade"`
	MaxConcurrentPositions  int           `mapstructure:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MaxSymbolExposure       float64       `mapstructure:"max_symbol_exposure" yaml:"max_symbol_exposure"`
	MinConfidence           float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	Leverage                float64       `mapstructure:"leverage" yaml:"leverage"`
	CapitalBase             float64       `mapstructure:"capital_base" yaml:"capital_base"`
	MaxEntryPrice           float64       `mapstructure:"max_entry_price" yaml:"max_entry_price"`
	QtyStep                 float64       `mapstructure:"qty_step" yaml:"qty_step"`
	MinQty                  float64       `mapstructure:"min_qty" yaml:"min_qty"`
	TradingDisabled         bool          `mapstructure:"trading_disabled" yaml:"trading_disabled"`
	OpenSignalTTL           time.Duration `mapstructure:"open_signal_ttl" yaml:"open_signal_ttl"`
	CloseSignalTTL          time.Duration `mapstructure:"close_signal_ttl" yaml:"close_signal_ttl"`
}

type OrchestratorConfig struct {
	ParseWorkers      int           `mapstructure:"parse_workers"`
	QueuePolicy       string        `mapstructure:"queue_policy"`
	MaxResubmitRounds int           `mapstructure:"max_resubmit_rounds"`
	DecisionTimeout   time.Duration `mapstructure:"decision_timeout"`
	ExecuteTimeout    time.Duration `mapstructure:"execute_timeout"`
	StaleRetries      int           `mapstructure:"stale_retries"`
	MaxViolations     int           `mapstructure:"max_violations"`
}

type GatewayConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseBackoff     time.Duration `mapstructure:"base_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
}

type CacheConfig struct {
	// Driver is "memory" or "redis".
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string `mapstructure:"prefix"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BacktestConfig struct {
	Mode          string        `mapstructure:"mode"`
	Input         string        `mapstructure:"input"`
	Window        time.Duration `mapstructure:"window"`
	InitialEquity float64       `mapstructure:"initial_equity"`
	Report        string        `mapstructure:"report"`
	Persist       bool          `mapstructure:"persist"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the configuration with every default applied and no file read.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.balance_sync", "@every 1m")
	v.SetDefault("cron.checkpoint", "@every 30s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.poll_timeout", "30s")

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "15s")

	v.SetDefault("parser.min_confidence", 0.6)
	v.SetDefault("parser.quote_asset", "USDT")
	v.SetDefault("parser.breaker_failures", 3)
	v.SetDefault("parser.breaker_cooldown", "1m")

	v.SetDefault("exchange.mode", "paper")
	v.SetDefault("exchange.base_url", "https://api.bybit.com")
	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.category", "linear")
	v.SetDefault("exchange.account_type", "UNIFIED")
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.poll_interval", "500ms")
	v.SetDefault("exchange.poll_attempts", 6)
	v.SetDefault("exchange.paper_fee_rate", 0)

	v.SetDefault("ledger.initial_equity", 1000)
	v.SetDefault("ledger.drift_tolerance", 1)
	v.SetDefault("ledger.adopt_exchange", false)

	// Signal validity windows follow the channel's cadence: entries go stale
	// quickly, exits stay actionable for a day.
	v.SetDefault("risk.max_risk_fraction_per_trade", 0.1)
	v.SetDefault("risk.max_concurrent_positions", 10)
	v.SetDefault("risk.max_symbol_exposure", 0)
	v.SetDefault("risk.min_confidence", 0.6)
	v.SetDefault("risk.leverage", 1)
	v.SetDefault("risk.capital_base", 0)
	v.SetDefault("risk.max_entry_price", 0)
	v.SetDefault("risk.qty_step", 0)
	v.SetDefault("risk.min_qty", 0)
	v.SetDefault("risk.trading_disabled", false)
	v.SetDefault("risk.open_signal_ttl", "30m")
	v.SetDefault("risk.close_signal_ttl", "24h")

	v.SetDefault("orchestrator.parse_workers", 4)
	v.SetDefault("orchestrator.queue_policy", "append")
	v.SetDefault("orchestrator.max_resubmit_rounds", 3)
	v.SetDefault("orchestrator.decision_timeout", "20s")
	v.SetDefault("orchestrator.execute_timeout", "60s")
	v.SetDefault("orchestrator.stale_retries", 3)
	v.SetDefault("orchestrator.max_violations", 2)

	v.SetDefault("gateway.max_attempts", 4)
	v.SetDefault("gateway.base_backoff", "500ms")
	v.SetDefault("gateway.max_backoff", "10s")
	v.SetDefault("gateway.call_timeout", "10s")
	v.SetDefault("gateway.breaker_failures", 5)
	v.SetDefault("gateway.breaker_cooldown", "30s")
	v.SetDefault("gateway.idempotency_ttl", "72h")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.prefix", "signaltrader:")

	v.SetDefault("auth.enabled", false)

	v.SetDefault("backtest.mode", "sync")
	v.SetDefault("backtest.window", "1m")
	v.SetDefault("backtest.initial_equity", 1000)
	v.SetDefault("backtest.persist", false)
}
