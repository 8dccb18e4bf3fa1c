package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// EntrySide is the order side that opens or adds to a position of this side.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces a position of this side.
func (p PositionSide) ExitSide() Side {
	if p == PositionShort {
		return SideBuy
	}
	return SideSell
}

type Position struct {
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	MarginUsed  decimal.Decimal `json:"margin_used"`
	Leverage    decimal.Decimal `json:"leverage"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	OpenedSeq   uint64          `json:"opened_seq"`
}

func (p Position) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// PnL returns the profit of closing size units at price.
func (p Position) PnL(size, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(size)
}

type AccountState struct {
	Equity          decimal.Decimal     `json:"equity"`
	AvailableMargin decimal.Decimal     `json:"available_margin"`
	Positions       map[string]Position `json:"positions"`
	Sequence        uint64              `json:"sequence"`
}

func NewAccountState(equity decimal.Decimal) AccountState {
	return AccountState{
		Equity:          equity,
		AvailableMargin: equity,
		Positions:       map[string]Position{},
	}
}

func (a AccountState) Clone() AccountState {
	next := a
	next.Positions = make(map[string]Position, len(a.Positions))
	for k, v := range a.Positions {
		next.Positions[k] = v
	}
	return next
}

func (a AccountState) TotalMarginUsed() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		total = total.Add(p.MarginUsed)
	}
	return total
}

func (a AccountState) Position(symbol string) (Position, bool) {
	p, ok := a.Positions[symbol]
	return p, ok
}

func (a AccountState) Symbols() []string {
	out := make([]string, 0, len(a.Positions))
	for k := range a.Positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckInvariant verifies available_margin = equity - sum(margin_used).
func (a AccountState) CheckInvariant() error {
	want := a.Equity.Sub(a.TotalMarginUsed())
	if !a.AvailableMargin.Equal(want) {
		return fmt.Errorf("margin invariant violated: available=%s want=%s", a.AvailableMargin, want)
	}
	return nil
}
