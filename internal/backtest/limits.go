package backtest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"signaltrader/internal/config"
	"signaltrader/internal/risk"
)

// LoadLimits reads a risk-limit profile. Keys missing from the file keep the
// values in base.
func LoadLimits(path string, base config.RiskConfig) (risk.Limits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return risk.Limits{}, err
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return risk.Limits{}, fmt.Errorf("parse limits profile %s: %w", path, err)
	}
	if cfg.MaxRiskFractionPerTrade <= 0 || cfg.MaxRiskFractionPerTrade > 1 {
		return risk.Limits{}, fmt.Errorf("limits profile %s: max_risk_fraction_per_trade must be in (0, 1]", path)
	}
	if cfg.MaxConcurrentPositions < 0 {
		return risk.Limits{}, fmt.Errorf("limits profile %s: max_concurrent_positions must not be negative", path)
	}
	return risk.LimitsFromConfig(cfg), nil
}
