package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"signaltrader/internal/models"
	"signaltrader/internal/repository"
	"signaltrader/internal/risk"
)

const (
	SettingTradingEnabled = "trading.enabled"
	SettingPriceLimit     = "risk.price_limit"
	SettingCapitalBase    = "risk.capital_base"
	SettingMaxPositions   = "risk.max_concurrent_positions"
)

type settingKind int

const (
	kindSwitch settingKind = iota
	kindNumber
	kindCount
)

type settingDef struct {
	kind        settingKind
	description string
}

var knownSettings = map[string]settingDef{
	SettingTradingEnabled: {kindSwitch, "open new positions; closes always run"},
	SettingPriceLimit:     {kindNumber, "refuse openings priced above this; 0 disables"},
	SettingCapitalBase:    {kindNumber, "size openings from this capital instead of equity; 0 uses equity"},
	SettingMaxPositions:   {kindCount, "maximum concurrently open positions; 0 disables"},
}

// KnownSettings lists the management keys with their descriptions.
func KnownSettings() map[string]string {
	out := make(map[string]string, len(knownSettings))
	for k, def := range knownSettings {
		out[k] = def.description
	}
	return out
}

func KnownSettingKeys() []string {
	keys := make([]string, 0, len(knownSettings))
	for k := range knownSettings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SystemSettingsService keeps operator switches and management values in the
// database. They override configured risk limits at decision time.
type SystemSettingsService struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

// EnsureDefaults creates the trading switch when missing. Existing values are
// never overwritten.
func (s *SystemSettingsService) EnsureDefaults(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	existing, err := s.Repo.GetSystemSettingByKey(ctx, SettingTradingEnabled)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.SetEnabled(ctx, SettingTradingEnabled, true)
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	raw, _ := json.Marshal(enabled)
	return s.put(ctx, key, raw)
}

// Number returns a numeric setting; ok is false when unset or unreadable.
func (s *SystemSettingsService) Number(ctx context.Context, key string) (decimal.Decimal, bool) {
	if s == nil || s.Repo == nil {
		return decimal.Zero, false
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, strings.TrimSpace(key))
	if err != nil || item == nil || len(item.Value) == 0 {
		return decimal.Zero, false
	}
	var v decimal.Decimal
	if err := json.Unmarshal(item.Value, &v); err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func (s *SystemSettingsService) SetNumber(ctx context.Context, key string, v decimal.Decimal) error {
	if v.IsNegative() {
		return fmt.Errorf("%s must not be negative", key)
	}
	raw, _ := json.Marshal(json.Number(v.String()))
	return s.put(ctx, key, raw)
}

// Set validates a raw JSON value against the key's kind and stores it.
func (s *SystemSettingsService) Set(ctx context.Context, key string, value json.RawMessage) error {
	key = strings.TrimSpace(key)
	def, ok := knownSettings[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	switch def.kind {
	case kindSwitch:
		var b bool
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("%s expects true or false", key)
		}
		return s.SetEnabled(ctx, key, b)
	case kindCount:
		var n int
		if err := json.Unmarshal(value, &n); err != nil || n < 0 {
			return fmt.Errorf("%s expects a non-negative integer", key)
		}
		return s.SetNumber(ctx, key, decimal.NewFromInt(int64(n)))
	default:
		var v decimal.Decimal
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("%s expects a number", key)
		}
		return s.SetNumber(ctx, key, v)
	}
}

func (s *SystemSettingsService) put(ctx context.Context, key string, raw []byte) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: knownSettings[key].description,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("system setting changed", zap.String("key", key), zap.ByteString("value", raw))
	}
	return nil
}

// Limits overlays the stored management values on base. Unset keys keep the
// configured values.
func (s *SystemSettingsService) Limits(ctx context.Context, base risk.Limits) risk.Limits {
	lim := base
	if s == nil || s.Repo == nil {
		return lim
	}
	lim.TradingDisabled = !s.IsEnabled(ctx, SettingTradingEnabled, !base.TradingDisabled)
	if v, ok := s.Number(ctx, SettingPriceLimit); ok {
		lim.MaxEntryPrice = v
	}
	if v, ok := s.Number(ctx, SettingCapitalBase); ok {
		lim.CapitalBase = v
	}
	if v, ok := s.Number(ctx, SettingMaxPositions); ok {
		lim.MaxConcurrentPositions = int(v.IntPart())
	}
	return lim
}

// LimitsFunc adapts Limits for the orchestrator.
func (s *SystemSettingsService) LimitsFunc(base risk.Limits) func(ctx context.Context) risk.Limits {
	return func(ctx context.Context) risk.Limits {
		return s.Limits(ctx, base)
	}
}
