package ledger

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signaltrader/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ClosedTrade is a realized reduction of a position.
type ClosedTrade struct {
	PlanID     string              `json:"plan_id"`
	FillID     string              `json:"fill_id"`
	Symbol     string              `json:"symbol"`
	Side       domain.PositionSide `json:"side"`
	Size       decimal.Decimal     `json:"size"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
	ExitPrice  decimal.Decimal     `json:"exit_price"`
	PnL        decimal.Decimal     `json:"pnl"`
	PnLPct     decimal.Decimal     `json:"pnl_pct"`
	Sequence   uint64              `json:"sequence"`
	ClosedAt   time.Time           `json:"closed_at"`
}

// Ledger owns the account state. Reads load an immutable published snapshot
// and never block; writers are serialized by mu.
type Ledger struct {
	Logger *zap.Logger

	mu       sync.Mutex
	current  atomic.Pointer[domain.AccountState]
	fills    map[string]struct{}
	versions map[string]uint64
	closed   []ClosedTrade
}

func New(equity decimal.Decimal) *Ledger {
	l := &Ledger{
		fills:    map[string]struct{}{},
		versions: map[string]uint64{},
	}
	st := domain.NewAccountState(equity)
	l.current.Store(&st)
	return l
}

// Restore replaces the state with a recovered checkpoint. The sequence
// continues from the checkpoint's value.
func (l *Ledger) Restore(state domain.AccountState, seenFills []string) error {
	if err := state.CheckInvariant(); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := state.Clone()
	if st.Positions == nil {
		st.Positions = map[string]domain.Position{}
	}
	l.fills = make(map[string]struct{}, len(seenFills))
	for _, id := range seenFills {
		l.fills[id] = struct{}{}
	}
	l.versions = map[string]uint64{}
	for sym := range st.Positions {
		l.versions[sym] = st.Sequence
	}
	l.current.Store(&st)
	return nil
}

// Snapshot returns a point-in-time copy of the account state.
func (l *Ledger) Snapshot() domain.AccountState {
	return l.current.Load().Clone()
}

func (l *Ledger) Sequence() uint64 {
	return l.current.Load().Sequence
}

func (l *Ledger) SeenFill(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fills[id]
	return ok
}

// Checkpoint returns the account state together with the fill ids it
// includes, read under one lock so neither runs ahead of the other.
func (l *Ledger) Checkpoint() (domain.AccountState, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fills := make([]string, 0, len(l.fills))
	for id := range l.fills {
		fills = append(fills, id)
	}
	sort.Strings(fills)
	return l.current.Load().Clone(), fills
}

func (l *Ledger) ClosedTrades() []ClosedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ClosedTrade, len(l.closed))
	copy(out, l.closed)
	return out
}

// ApplyOutcome is the only path by which fills change positions and equity.
// Outcomes without a fill leave the state untouched. A fill id already seen
// is a no-op.
func (l *Ledger) ApplyOutcome(o domain.ExecutionOutcome) (domain.AccountState, error) {
	if !o.Status.HasFill() || !o.FilledSize.IsPositive() {
		return l.Snapshot(), nil
	}
	if o.FillID == "" || o.Symbol == "" {
		return l.Snapshot(), &domain.LedgerError{Kind: domain.LedgerInvalidOutcome, Detail: "fill without id or symbol"}
	}
	if !o.FilledPrice.IsPositive() {
		return l.Snapshot(), &domain.LedgerError{Kind: domain.LedgerInvalidOutcome, Detail: "non-positive fill price"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.current.Load()
	if _, ok := l.fills[o.FillID]; ok {
		return cur.Clone(), nil
	}
	if o.SnapshotSeq < cur.Sequence && l.versions[o.Symbol] > o.SnapshotSeq {
		return cur.Clone(), &domain.LedgerError{
			Kind:   domain.LedgerStaleSnapshot,
			Detail: fmt.Sprintf("%s changed at seq %d after snapshot %d", o.Symbol, l.versions[o.Symbol], o.SnapshotSeq),
		}
	}

	next := cur.Clone()
	next.Sequence++
	var applyErr error
	if o.Closing {
		applyErr = l.reduce(&next, o)
	} else {
		applyErr = l.increase(&next, o)
	}
	l.fills[o.FillID] = struct{}{}
	if applyErr != nil {
		// The fill is recorded; positions and equity stay as they were.
		rejected := cur.Clone()
		rejected.Sequence = next.Sequence
		l.current.Store(&rejected)
		if l.Logger != nil {
			l.Logger.Warn("ledger rejected fill",
				zap.String("symbol", o.Symbol),
				zap.String("fill_id", o.FillID),
				zap.Error(applyErr),
			)
		}
		return rejected.Clone(), applyErr
	}
	next.AvailableMargin = next.Equity.Sub(next.TotalMarginUsed())
	l.versions[o.Symbol] = next.Sequence
	l.current.Store(&next)
	return next.Clone(), nil
}

func (l *Ledger) increase(st *domain.AccountState, o domain.ExecutionOutcome) error {
	side := domain.PositionLong
	if o.Side == domain.SideSell {
		side = domain.PositionShort
	}
	leverage := o.Leverage
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	notional := o.FilledSize.Mul(o.FilledPrice)
	margin := notional.Div(leverage)
	required := margin.Add(o.Fee)
	if required.GreaterThan(st.AvailableMargin) {
		return &domain.LedgerError{
			Kind:   domain.LedgerInsufficientMargin,
			Detail: fmt.Sprintf("%s needs %s, available %s", o.Symbol, required.StringFixed(8), st.AvailableMargin.StringFixed(8)),
		}
	}

	pos, ok := st.Positions[o.Symbol]
	if ok && pos.Side != side {
		return &domain.LedgerError{Kind: domain.LedgerInvalidOutcome, Detail: "opening fill against opposite position on " + o.Symbol}
	}
	if !ok {
		pos = domain.Position{
			Symbol:     o.Symbol,
			Side:       side,
			Size:       decimal.Zero,
			EntryPrice: decimal.Zero,
			MarginUsed: decimal.Zero,
			Leverage:   leverage,
			OpenedSeq:  st.Sequence,
		}
	}
	total := pos.Size.Add(o.FilledSize)
	pos.EntryPrice = pos.Notional().Add(notional).Div(total)
	pos.Size = total
	pos.MarginUsed = pos.MarginUsed.Add(margin)
	if o.StopPrice.IsPositive() {
		pos.StopPrice = o.StopPrice
	}
	if o.TargetPrice.IsPositive() {
		pos.TargetPrice = o.TargetPrice
	}
	st.Positions[o.Symbol] = pos
	st.Equity = st.Equity.Sub(o.Fee)
	return nil
}

func (l *Ledger) reduce(st *domain.AccountState, o domain.ExecutionOutcome) error {
	pos, ok := st.Positions[o.Symbol]
	if !ok {
		return &domain.LedgerError{Kind: domain.LedgerInvalidOutcome, Detail: "closing fill without open position on " + o.Symbol}
	}
	size := decimal.Min(o.FilledSize, pos.Size)
	pnl := pos.PnL(size, o.FilledPrice)

	released := pos.MarginUsed
	if size.LessThan(pos.Size) {
		released = pos.MarginUsed.Mul(size).Div(pos.Size)
	}
	pos.Size = pos.Size.Sub(size)
	pos.MarginUsed = pos.MarginUsed.Sub(released)
	if pos.Size.IsZero() {
		delete(st.Positions, o.Symbol)
	} else {
		st.Positions[o.Symbol] = pos
	}
	st.Equity = st.Equity.Add(pnl).Sub(o.Fee)

	pct := o.FilledPrice.Div(pos.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(hundred)
	if pos.Side == domain.PositionShort {
		pct = pct.Neg()
	}
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	l.closed = append(l.closed, ClosedTrade{
		PlanID:     o.PlanID,
		FillID:     o.FillID,
		Symbol:     o.Symbol,
		Side:       pos.Side,
		Size:       size,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  o.FilledPrice,
		PnL:        pnl,
		PnLPct:     pct,
		Sequence:   st.Sequence,
		ClosedAt:   at,
	})
	return nil
}

// ReconcileEquity adopts an externally observed equity, e.g. the exchange
// wallet balance. Positions are untouched.
func (l *Ledger) ReconcileEquity(equity decimal.Decimal, reason string) domain.AccountState {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.current.Load().Clone()
	next.Sequence++
	next.Equity = equity
	next.AvailableMargin = next.Equity.Sub(next.TotalMarginUsed())
	l.current.Store(&next)
	if l.Logger != nil {
		l.Logger.Info("ledger equity reconciled",
			zap.String("equity", equity.String()),
			zap.String("reason", reason),
			zap.Uint64("seq", next.Sequence),
		)
	}
	return next.Clone()
}
