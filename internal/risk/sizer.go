package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
)

// Limits bound every opening plan. Zero values disable the optional caps
// (symbol exposure, entry price, concurrency, qty step, capital base).
type Limits struct {
	MaxRiskFractionPerTrade decimal.Decimal
	MaxConcurrentPositions  int
	MaxSymbolExposure       decimal.Decimal
	MinConfidence           float64
	Leverage                decimal.Decimal
	CapitalBase             decimal.Decimal
	MaxEntryPrice           decimal.Decimal
	QtyStep                 decimal.Decimal
	MinQty                  decimal.Decimal
	TradingDisabled         bool
}

func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MaxRiskFractionPerTrade: decimal.NewFromFloat(cfg.MaxRiskFractionPerTrade),
		MaxConcurrentPositions:  cfg.MaxConcurrentPositions,
		MaxSymbolExposure:       decimal.NewFromFloat(cfg.MaxSymbolExposure),
		MinConfidence:           cfg.MinConfidence,
		Leverage:                decimal.NewFromFloat(cfg.Leverage),
		CapitalBase:             decimal.NewFromFloat(cfg.CapitalBase),
		MaxEntryPrice:           decimal.NewFromFloat(cfg.MaxEntryPrice),
		QtyStep:                 decimal.NewFromFloat(cfg.QtyStep),
		MinQty:                  decimal.NewFromFloat(cfg.MinQty),
		TradingDisabled:         cfg.TradingDisabled,
	}
}

// Decision reports whether the extraction capability behind the parser is
// currently able to make opening decisions.
type Decision int

const (
	DecisionAvailable Decision = iota
	DecisionUnavailable
)

func (d Decision) String() string {
	if d == DecisionUnavailable {
		return "unavailable"
	}
	return "available"
}

const sizePrecision = 8

// Size turns a validated signal into an order plan against acct. It has no
// side effects and depends only on its arguments.
func Size(sig domain.TradeSignal, acct domain.AccountState, lim Limits, decision Decision) (domain.OrderPlan, error) {
	if sig.Direction == domain.DirectionClose {
		return sizeClose(sig, acct)
	}
	return sizeOpen(sig, acct, lim, decision)
}

func sizeClose(sig domain.TradeSignal, acct domain.AccountState) (domain.OrderPlan, error) {
	pos, ok := acct.Positions[sig.Symbol]
	if !ok || !pos.Size.IsPositive() {
		return domain.OrderPlan{}, domain.NewRiskError(domain.RiskNothingToClose, "no open position on %s", sig.Symbol)
	}
	price := sig.PriceHint
	if !price.IsPositive() {
		price = pos.EntryPrice
	}
	return domain.OrderPlan{
		Symbol:         sig.Symbol,
		Side:           pos.Side.ExitSide(),
		Size:           pos.Size,
		PriceHint:      price,
		RiskFraction:   decimal.Zero,
		Leverage:       pos.Leverage,
		MarginRequired: decimal.Zero,
		Closing:        true,
		SnapshotSeq:    acct.Sequence,
	}, nil
}

func sizeOpen(sig domain.TradeSignal, acct domain.AccountState, lim Limits, decision Decision) (domain.OrderPlan, error) {
	if lim.TradingDisabled {
		return domain.OrderPlan{}, domain.NewRiskError(domain.RiskTradingDisabled, "opening trades are switched off")
	}
	if decision == DecisionUnavailable {
		return domain.OrderPlan{}, domain.NewRiskError(domain.RiskDecisionUnavailable, "extraction unavailable, refusing to open %s", sig.Symbol)
	}
	if sig.Confidence < lim.MinConfidence {
		return domain.OrderPlan{}, domain.LimitExceeded(domain.LimitMinConfidence, "confidence %.2f below %.2f", sig.Confidence, lim.MinConfidence)
	}
	price := sig.PriceHint
	if !price.IsPositive() {
		return domain.OrderPlan{}, domain.NewRiskError(domain.RiskInvalidPrice, "no price for %s", sig.Symbol)
	}
	if lim.MaxEntryPrice.IsPositive() && price.GreaterThan(lim.MaxEntryPrice) {
		return domain.OrderPlan{}, domain.LimitExceeded(domain.LimitEntryPrice, "price %s above %s", price, lim.MaxEntryPrice)
	}
	pos, hasPos := acct.Positions[sig.Symbol]
	if hasPos && pos.Side != sig.PositionSide() {
		return domain.OrderPlan{}, domain.NewRiskError(domain.RiskOpposingPosition, "%s position open on %s", pos.Side, sig.Symbol)
	}
	if lim.MaxConcurrentPositions > 0 && len(acct.Positions) >= lim.MaxConcurrentPositions {
		return domain.OrderPlan{}, domain.LimitExceeded(domain.LimitConcurrent, "%d positions open", len(acct.Positions))
	}
	if !lim.MaxRiskFractionPerTrade.IsPositive() {
		return domain.OrderPlan{}, domain.LimitExceeded(domain.LimitRiskFraction, "risk fraction not configured")
	}

	basis := acct.Equity
	if lim.CapitalBase.IsPositive() {
		basis = lim.CapitalBase
	}
	leverage := lim.Leverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	var existing decimal.Decimal
	if hasPos {
		existing = pos.Notional()
	}
	margin, adjustments := limitMargin(lim, acct, basis, leverage, existing)
	if !margin.IsPositive() {
		if contains(adjustments, "symbol_exposure_cap") {
			return domain.OrderPlan{}, domain.LimitExceeded(domain.LimitSymbolExposure, "%s exposure %s at cap %s", sig.Symbol, existing, lim.MaxSymbolExposure)
		}
		return domain.OrderPlan{}, domain.LimitExceeded(domain.LimitAvailableMargin, "available margin %s", acct.AvailableMargin)
	}

	size := roundDown(margin.Mul(leverage).Div(price), lim.QtyStep)
	if !size.IsPositive() || (lim.MinQty.IsPositive() && size.LessThan(lim.MinQty)) {
		return domain.OrderPlan{}, domain.NewRiskError(domain.RiskSizeTooSmall, "size %s below minimum for %s", size, sig.Symbol)
	}
	required := size.Mul(price).Div(leverage)
	fraction := decimal.Zero
	if basis.IsPositive() {
		fraction = required.Div(basis)
	}
	return domain.OrderPlan{
		Symbol:         sig.Symbol,
		Side:           sig.PositionSide().EntrySide(),
		Size:           size,
		PriceHint:      price,
		RiskFraction:   fraction,
		Leverage:       leverage,
		MarginRequired: required,
		StopPrice:      sig.StopPrice,
		TargetPrice:    sig.TargetPrice,
		SnapshotSeq:    acct.Sequence,
		Adjustments:    adjustments,
	}, nil
}

// limitMargin applies the per-trade budget and then the caps that can only
// shrink it, reporting which caps applied.
func limitMargin(lim Limits, acct domain.AccountState, basis, leverage, existingNotional decimal.Decimal) (decimal.Decimal, []string) {
	var adjustments []string
	margin := basis.Mul(lim.MaxRiskFractionPerTrade)
	if margin.GreaterThan(acct.AvailableMargin) {
		margin = decimal.Max(acct.AvailableMargin, decimal.Zero)
		adjustments = append(adjustments, "available_margin_cap")
	}
	if lim.MaxSymbolExposure.IsPositive() {
		remaining := lim.MaxSymbolExposure.Sub(existingNotional)
		if margin.Mul(leverage).GreaterThan(remaining) {
			margin = decimal.Max(remaining, decimal.Zero).Div(leverage)
			adjustments = append(adjustments, "symbol_exposure_cap")
		}
	}
	return margin, adjustments
}

func roundDown(size, step decimal.Decimal) decimal.Decimal {
	if step.IsPositive() {
		return size.Div(step).Floor().Mul(step)
	}
	return size.Truncate(sizePrecision)
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// Freshness bounds how old a signal may be when it is decided on.
type Freshness struct {
	OpenTTL  time.Duration
	CloseTTL time.Duration
}

func FreshnessFromConfig(cfg config.RiskConfig) Freshness {
	return Freshness{OpenTTL: cfg.OpenSignalTTL, CloseTTL: cfg.CloseSignalTTL}
}

// Check rejects signals older than their direction's window. A zero window
// never expires.
func (f Freshness) Check(sig domain.TradeSignal, now time.Time) error {
	ttl := f.OpenTTL
	if sig.Direction == domain.DirectionClose {
		ttl = f.CloseTTL
	}
	if ttl <= 0 || sig.SourceTimestamp.IsZero() {
		return nil
	}
	age := now.Sub(sig.SourceTimestamp)
	if age > ttl {
		return domain.NewRiskError(domain.RiskExpired, "signal age %s exceeds %s", age.Truncate(time.Second), ttl)
	}
	return nil
}
