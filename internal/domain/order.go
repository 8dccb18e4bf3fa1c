package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderPlan is a sized order computed against a ledger snapshot.
type OrderPlan struct {
	ID               string          `json:"id"`
	ParentID         string          `json:"parent_id,omitempty"`
	Round            int             `json:"round"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	PriceHint        decimal.Decimal `json:"price_hint"`
	RiskFraction     decimal.Decimal `json:"risk_fraction"`
	Leverage         decimal.Decimal `json:"leverage"`
	MarginRequired   decimal.Decimal `json:"margin_required"`
	Closing          bool            `json:"closing"`
	StopPrice        decimal.Decimal `json:"stop_price"`
	TargetPrice      decimal.Decimal `json:"target_price"`
	SnapshotSeq      uint64          `json:"snapshot_seq"`
	IdempotencyToken string          `json:"idempotency_token"`
	Adjustments      []string        `json:"adjustments,omitempty"`
}

// Remainder returns a linked follow-up plan for the unfilled part of p.
// The caller assigns the new ID, token and snapshot sequence.
func (p OrderPlan) Remainder(filled decimal.Decimal) OrderPlan {
	next := p
	next.ParentID = p.ID
	if p.ParentID != "" {
		next.ParentID = p.ParentID
	}
	next.Round = p.Round + 1
	next.Size = p.Size.Sub(filled)
	if next.Size.IsNegative() {
		next.Size = decimal.Zero
	}
	if p.Size.IsPositive() {
		next.MarginRequired = p.MarginRequired.Mul(next.Size).Div(p.Size)
	}
	next.ID = ""
	next.IdempotencyToken = ""
	return next
}

type OutcomeStatus string

const (
	StatusFilled   OutcomeStatus = "filled"
	StatusPartial  OutcomeStatus = "partial"
	StatusRejected OutcomeStatus = "rejected"
	StatusFailed   OutcomeStatus = "failed"
)

// Terminal reports whether no further outcome follows for the same plan.
func (s OutcomeStatus) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusFailed
}

func (s OutcomeStatus) HasFill() bool {
	return s == StatusFilled || s == StatusPartial
}

type ExecutionOutcome struct {
	PlanID      string          `json:"plan_id"`
	FillID      string          `json:"fill_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Closing     bool            `json:"closing"`
	Status      OutcomeStatus   `json:"status"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Fee         decimal.Decimal `json:"fee"`
	Leverage    decimal.Decimal `json:"leverage"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	ExchangeRef string          `json:"exchange_ref"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	SnapshotSeq uint64          `json:"snapshot_seq"`
	At          time.Time       `json:"at"`
}

// OutcomeFor returns an outcome skeleton carrying the plan's identity.
func OutcomeFor(p OrderPlan, status OutcomeStatus) ExecutionOutcome {
	return ExecutionOutcome{
		PlanID:      p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Closing:     p.Closing,
		Status:      status,
		FilledSize:  decimal.Zero,
		FilledPrice: decimal.Zero,
		Fee:         decimal.Zero,
		Leverage:    p.Leverage,
		StopPrice:   p.StopPrice,
		TargetPrice: p.TargetPrice,
		SnapshotSeq: p.SnapshotSeq,
	}
}

type RecordStatus string

const (
	RecordAccepted   RecordStatus = "accepted"
	RecordRejected   RecordStatus = "rejected"
	RecordFailed     RecordStatus = "failed"
	RecordSuperseded RecordStatus = "superseded"
	RecordHalted     RecordStatus = "halted"
)

// ReplayRecord is the append-only result of handling one signal.
type ReplayRecord struct {
	Index     uint64             `json:"index"`
	Raw       RawSignal          `json:"raw"`
	Signal    *TradeSignal       `json:"signal,omitempty"`
	Plans     []OrderPlan        `json:"plans,omitempty"`
	Outcomes  []ExecutionOutcome `json:"outcomes,omitempty"`
	Status    RecordStatus       `json:"status"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Cause     string             `json:"cause,omitempty"`
	Account   AccountState       `json:"account"`
	At        time.Time          `json:"at"`
}

func (r ReplayRecord) Symbol() string {
	if r.Signal == nil {
		return ""
	}
	return r.Signal.Symbol
}

// FilledSize sums filled quantity across all outcomes of the record.
func (r ReplayRecord) FilledSize() decimal.Decimal {
	total := decimal.Zero
	for _, o := range r.Outcomes {
		if o.Status.HasFill() {
			total = total.Add(o.FilledSize)
		}
	}
	return total
}
