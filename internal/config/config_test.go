package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "paper", cfg.Exchange.Mode)
	assert.Equal(t, "append", cfg.Orchestrator.QueuePolicy)
	assert.Equal(t, 3, cfg.Orchestrator.MaxResubmitRounds)
	assert.Equal(t, 30*time.Minute, cfg.Risk.OpenSignalTTL)
	assert.Equal(t, 72*time.Hour, cfg.Gateway.IdempotencyTTL)
	assert.InDelta(t, 0.1, cfg.Risk.MaxRiskFractionPerTrade, 1e-9)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk:
  max_concurrent_positions: 3
telegram:
  channel_ids: [-1001, -1002]
orchestrator:
  queue_policy: supersede
`), 0o644))
	t.Setenv("ST_LEDGER_INITIAL_EQUITY", "2500")

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Risk.MaxConcurrentPositions)
	assert.Equal(t, []int64{-1001, -1002}, cfg.Telegram.ChannelIDs)
	assert.Equal(t, "supersede", cfg.Orchestrator.QueuePolicy)
	assert.InDelta(t, 2500, cfg.Ledger.InitialEquity, 1e-9)
	assert.Equal(t, "USDT", cfg.Parser.QuoteAsset)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
	assert.Error(t, err)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), true)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DB.Driver)
}

func TestExchangeConfig_Validate(t *testing.T) {
	assert.NoError(t, ExchangeConfig{Mode: "paper"}.Validate())
	assert.NoError(t, ExchangeConfig{}.Validate())
	assert.NoError(t, ExchangeConfig{Mode: "Bybit", APIKey: "k", APISecret: "s"}.Validate())

	err := ExchangeConfig{Mode: "bybit", APIKey: "k"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_secret")
	assert.Error(t, ExchangeConfig{Mode: "bybit", APISecret: "s"}.Validate())
	assert.Error(t, ExchangeConfig{Mode: "binance"}.Validate())
}
