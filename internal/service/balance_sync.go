package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signaltrader/internal/exchange"
	"signaltrader/internal/ledger"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// BalanceSync compares the exchange wallet and positions with the ledger.
type BalanceSync struct {
	Exchange  exchange.Client
	Ledger    *ledger.Ledger
	Notifier  Notifier
	Logger    *zap.Logger
	Tolerance decimal.Decimal
	// Adopt replaces ledger equity with the exchange figure on drift.
	Adopt bool
	// Watch lists further symbols to check for positions the ledger does
	// not hold, e.g. every symbol the orchestrator has traded.
	Watch func() []string
}

type SyncReport struct {
	LedgerEquity   decimal.Decimal `json:"ledger_equity"`
	ExchangeEquity decimal.Decimal `json:"exchange_equity"`
	Drift          decimal.Decimal `json:"drift"`
	Adopted        bool            `json:"adopted"`
	// PositionMismatches names symbols whose exchange size differs.
	PositionMismatches []string `json:"position_mismatches,omitempty"`
}

func (r SyncReport) Clean() bool {
	return !r.Drift.IsPositive() && len(r.PositionMismatches) == 0
}

func (s *BalanceSync) Check(ctx context.Context) (SyncReport, error) {
	if s == nil || s.Exchange == nil || s.Ledger == nil {
		return SyncReport{}, nil
	}
	bal, err := s.Exchange.GetBalance(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("get balance: %w", err)
	}
	st := s.Ledger.Snapshot()
	rep := SyncReport{
		LedgerEquity:   st.Equity,
		ExchangeEquity: bal.Equity,
		Drift:          decimal.Zero,
	}
	if diff := bal.Equity.Sub(st.Equity).Abs(); diff.GreaterThan(s.Tolerance) {
		rep.Drift = diff
	}
	for _, sym := range st.Symbols() {
		want := st.Positions[sym]
		got, err := s.Exchange.GetPosition(ctx, sym)
		if err != nil {
			return rep, fmt.Errorf("get position %s: %w", sym, err)
		}
		if got == nil || got.Side != want.Side || !got.Size.Equal(want.Size) {
			rep.PositionMismatches = append(rep.PositionMismatches, sym)
		}
	}
	if s.Watch == nil {
		return rep, nil
	}
	watched := s.Watch()
	sort.Strings(watched)
	for _, sym := range watched {
		if _, held := st.Positions[sym]; held {
			continue
		}
		got, err := s.Exchange.GetPosition(ctx, sym)
		if err != nil {
			return rep, fmt.Errorf("get position %s: %w", sym, err)
		}
		if got != nil && got.Size.IsPositive() {
			rep.PositionMismatches = append(rep.PositionMismatches, sym)
		}
	}
	return rep, nil
}

// Run performs one comparison and acts on it. Position mismatches are only
// reported; the ledger never takes positions from the exchange.
func (s *BalanceSync) Run(ctx context.Context) error {
	rep, err := s.Check(ctx)
	if err != nil {
		return err
	}
	if rep.Clean() {
		return nil
	}
	var notes []string
	if rep.Drift.IsPositive() {
		if s.Adopt {
			s.Ledger.ReconcileEquity(rep.ExchangeEquity, "exchange balance drift")
			rep.Adopted = true
			notes = append(notes, fmt.Sprintf("equity adopted from exchange: %s (ledger %s)", rep.ExchangeEquity, rep.LedgerEquity))
		} else {
			notes = append(notes, fmt.Sprintf("equity drift %s: exchange %s, ledger %s", rep.Drift, rep.ExchangeEquity, rep.LedgerEquity))
		}
	}
	if len(rep.PositionMismatches) > 0 {
		notes = append(notes, "position mismatch: "+strings.Join(rep.PositionMismatches, ", "))
	}
	if s.Logger != nil {
		s.Logger.Warn("exchange and ledger differ",
			zap.String("ledger_equity", rep.LedgerEquity.String()),
			zap.String("exchange_equity", rep.ExchangeEquity.String()),
			zap.Bool("adopted", rep.Adopted),
			zap.Strings("positions", rep.PositionMismatches),
		)
	}
	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, strings.Join(notes, "\n")); err != nil && s.Logger != nil {
			s.Logger.Warn("notify failed", zap.Error(err))
		}
	}
	return nil
}
