package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange/paper"
	"signaltrader/internal/execution"
	"signaltrader/internal/ledger"
	"signaltrader/internal/parser"
	"signaltrader/internal/risk"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func defaultLimits() risk.Limits {
	return risk.Limits{
		MaxRiskFractionPerTrade: dec("0.1"),
		MaxConcurrentPositions:  10,
		MinConfidence:           0.5,
		Leverage:                dec("1"),
	}
}

type harness struct {
	o        *Orchestrator
	ex       *paper.Exchange
	ledger   *ledger.Ledger
	recorder *MemoryRecorder
}

func newHarness(t *testing.T, equity string, lim risk.Limits, opts Options) *harness {
	t.Helper()
	ex := paper.New(dec(equity))
	gw := execution.NewGateway(ex, execution.NewMemoryStore(), config.GatewayConfig{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, "", nil)
	l := ledger.New(dec(equity))
	p := parser.New(config.ParserConfig{MinConfidence: 0.6, QuoteAsset: "USDT"}, nil, 0, nil)
	o := New(p, l, gw, func(context.Context) risk.Limits { return lim }, opts, nil)
	rec := NewMemoryRecorder(nil)
	o.Recorder = rec
	t.Cleanup(o.Close)
	return &harness{o: o, ex: ex, ledger: l, recorder: rec}
}

func drain(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Drain(ctx))
}

func rawMsg(id int64, text string) domain.RawSignal {
	return domain.RawSignal{
		Timestamp: time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
		Text:      text,
		ChannelID: "chan",
		MessageID: id,
	}
}

func signal(symbol string, dir domain.Direction, price string) domain.TradeSignal {
	return domain.TradeSignal{Symbol: symbol, Direction: dir, Confidence: 1, PriceHint: dec(price)}
}

// scriptParser reads "SYMBOL direction price" and takes longer for earlier
// messages so parses finish out of arrival order.
type scriptParser struct {
	degraded bool
}

func (p *scriptParser) Parse(ctx context.Context, raw domain.RawSignal) (parser.Parsed, error) {
	time.Sleep(time.Duration(20-raw.MessageID%20) * time.Millisecond)
	f := strings.Fields(raw.Text)
	if len(f) != 3 {
		return parser.Parsed{}, domain.NewParseError(domain.ParseMalformed, "want 3 fields")
	}
	dir, _ := domain.ParseDirection(f[1])
	sig := signal(f[0], dir, f[2])
	sig.SourceTimestamp = raw.Timestamp
	return parser.Parsed{Signal: sig, Extractor: "script", Degraded: p.degraded}, nil
}

type execFunc func(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome

func (f execFunc) Execute(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
	return f(ctx, plan)
}

// gate blocks executions for one symbol until opened.
type gate struct {
	inner   Executor
	symbol  string
	open    chan struct{}
	entered chan string
}

func newGate(inner Executor, symbol string) *gate {
	return &gate{inner: inner, symbol: symbol, open: make(chan struct{}), entered: make(chan string, 64)}
}

func (g *gate) Execute(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
	g.entered <- plan.Symbol
	if plan.Symbol == g.symbol {
		<-g.open
	}
	return g.inner.Execute(ctx, plan)
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

func TestSameSymbolKeepsArrivalOrder(t *testing.T) {
	lim := defaultLimits()
	lim.MaxRiskFractionPerTrade = dec("0.01")
	h := newHarness(t, "100000", lim, Options{ParseWorkers: 8})
	h.o.Parser = &scriptParser{}

	for i := int64(0); i < 20; i++ {
		sym := "BTCUSDT"
		if i%2 == 1 {
			sym = "ETHUSDT"
		}
		require.NoError(t, h.o.Submit(t.Context(), rawMsg(i, sym+" long 100")))
	}
	drain(t, h.o)

	last := map[string]int64{"BTCUSDT": -1, "ETHUSDT": -1}
	for _, rec := range h.recorder.Completion() {
		require.Equal(t, domain.RecordAccepted, rec.Status, rec.Cause)
		sym := rec.Symbol()
		assert.Greater(t, int64(rec.Index), last[sym], "records for %s out of arrival order", sym)
		last[sym] = int64(rec.Index)
	}
	assert.Len(t, h.recorder.Records(), 20)
}

func TestCloseProceedsWhileOtherSymbolExecutes(t *testing.T) {
	h := newHarness(t, "10000", defaultLimits(), Options{})
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("ETHUSDT", domain.DirectionLong, "2000")))
	drain(t, h.o)

	g := newGate(h.o.Gateway, "BTCUSDT")
	h.o.Gateway = g
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	require.Equal(t, "BTCUSDT", <-g.entered)
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("ETHUSDT", domain.DirectionClose, "2100")))

	require.Eventually(t, func() bool {
		recs := h.recorder.Completion()
		return len(recs) == 2 && recs[1].Symbol() == "ETHUSDT"
	}, 2*time.Second, 5*time.Millisecond)

	states := h.o.States()
	require.Len(t, states, 2)
	assert.Equal(t, "BTCUSDT", states[0].Symbol)
	assert.Equal(t, StateExecuting, states[0].State)

	close(g.open)
	drain(t, h.o)
	recs := h.recorder.Records()
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, domain.RecordAccepted, rec.Status, rec.Cause)
	}
}

func TestOpeningWaitsForEarlierSignals(t *testing.T) {
	h := newHarness(t, "10000", defaultLimits(), Options{})
	g := newGate(h.o.Gateway, "BTCUSDT")
	h.o.Gateway = g

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	require.Equal(t, "BTCUSDT", <-g.entered)
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("ETHUSDT", domain.DirectionLong, "2000")))

	assert.Never(t, func() bool { return len(g.entered) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	states := h.o.States()
	require.Len(t, states, 2)
	assert.Equal(t, StateDeciding, states[1].State)

	close(g.open)
	drain(t, h.o)
	assert.Equal(t, "ETHUSDT", <-g.entered)

	// ETH was sized against the ledger after BTC settled.
	recs := h.recorder.Records()
	require.Len(t, recs, 2)
	require.Equal(t, domain.RecordAccepted, recs[1].Status, recs[1].Cause)
	assert.Equal(t, uint64(0), recs[0].Plans[0].SnapshotSeq)
	assert.Equal(t, uint64(1), recs[1].Plans[0].SnapshotSeq)
}

func TestBTCUSDTScenario(t *testing.T) {
	lim := defaultLimits()
	lim.MaxConcurrentPositions = 1
	h := newHarness(t, "1000", lim, Options{})

	require.NoError(t, h.o.Submit(t.Context(), rawMsg(1, "🟢 BTC BUY LONG PRICE: 50000.0")))
	require.NoError(t, h.o.Submit(t.Context(), rawMsg(2, "🟢 BTC BUY LONG PRICE: 50000.0")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 2)
	require.Equal(t, domain.RecordAccepted, recs[0].Status, recs[0].Cause)
	require.Len(t, recs[0].Plans, 1)
	assert.True(t, recs[0].Plans[0].MarginRequired.Equal(dec("100")))
	assert.True(t, recs[0].Plans[0].Size.Equal(dec("0.002")))

	assert.Equal(t, domain.RecordRejected, recs[1].Status)
	assert.Equal(t, "risk.limit_exceeded.max_concurrent_positions", recs[1].ErrorKind)

	st := h.ledger.Snapshot()
	require.NoError(t, st.CheckInvariant())
	assert.True(t, st.AvailableMargin.Equal(dec("900")))
}

func TestDegradedParserStillCloses(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{})
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)

	h.o.Parser = &scriptParser{degraded: true}
	require.NoError(t, h.o.Submit(t.Context(), rawMsg(1, "ETHUSDT long 2000")))
	require.NoError(t, h.o.Submit(t.Context(), rawMsg(2, "BTCUSDT close 51000")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "risk.decision_unavailable", recs[1].ErrorKind)
	require.Equal(t, domain.RecordAccepted, recs[2].Status, recs[2].Cause)
	assert.True(t, recs[2].Plans[0].Closing)
	assert.Empty(t, h.ledger.Snapshot().Positions)
	assert.True(t, h.ledger.Snapshot().Equity.Equal(dec("1002")))
}

func TestSupersedePolicy(t *testing.T) {
	lim := defaultLimits()
	lim.MaxRiskFractionPerTrade = dec("0.01")
	h := newHarness(t, "100000", lim, Options{Policy: PolicySupersede})
	g := newGate(h.o.Gateway, "BTCUSDT")
	h.o.Gateway = g

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "100")))
	<-g.entered
	for _, price := range []string{"101", "102", "103"} {
		require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, price)))
	}
	close(g.open)
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, domain.RecordAccepted, recs[0].Status)
	assert.Equal(t, domain.RecordSuperseded, recs[1].Status)
	assert.Equal(t, "orchestrator.superseded", recs[1].ErrorKind)
	assert.Equal(t, domain.RecordSuperseded, recs[2].Status)
	assert.Equal(t, domain.RecordAccepted, recs[3].Status)
	assert.True(t, recs[3].Plans[0].PriceHint.Equal(dec("103")))
}

func TestCancelDropsPending(t *testing.T) {
	h := newHarness(t, "100000", defaultLimits(), Options{})
	g := newGate(h.o.Gateway, "BTCUSDT")
	h.o.Gateway = g

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "100")))
	<-g.entered
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "101")))
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "102")))

	assert.Equal(t, 2, h.o.Cancel("BTCUSDT"))
	close(g.open)
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, domain.RecordAccepted, recs[0].Status)
	assert.Equal(t, "orchestrator.cancelled", recs[1].ErrorKind)
	assert.Equal(t, "orchestrator.cancelled", recs[2].ErrorKind)
	assert.Equal(t, 0, h.o.Cancel("UNKNOWN"))
}

func TestMarginConflictHaltsSymbol(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{})
	inner := h.o.Gateway
	var calls int32
	h.o.Gateway = execFunc(func(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
		if atomic.AddInt32(&calls, 1) == 1 {
			// The venue filled far away from the hint.
			out := domain.OutcomeFor(plan, domain.StatusFilled)
			out.FillID = "slipped-1"
			out.FilledSize = plan.Size
			out.FilledPrice = plan.PriceHint.Mul(dec("1000"))
			return out
		}
		return inner.Execute(ctx, plan)
	})
	n := &notes{}
	h.o.Notifier = n

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("ETHUSDT", domain.DirectionLong, "2000")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, domain.RecordFailed, recs[0].Status)
	assert.Equal(t, "ledger.insufficient_margin", recs[0].ErrorKind)
	assert.Equal(t, domain.RecordHalted, recs[1].Status)
	assert.Equal(t, "orchestrator.halted", recs[1].ErrorKind)
	assert.Equal(t, domain.RecordAccepted, recs[2].Status)
	assert.True(t, h.ledger.SeenFill("slipped-1"))
	require.NoError(t, h.ledger.Snapshot().CheckInvariant())

	n.mu.Lock()
	require.Len(t, n.msgs, 1)
	assert.Contains(t, n.msgs[0], "BTCUSDT halted")
	n.mu.Unlock()

	var halted LaneStatus
	for _, s := range h.o.States() {
		if s.Symbol == "BTCUSDT" {
			halted = s
		}
	}
	assert.Equal(t, StateHalted, halted.State)
	assert.NotEmpty(t, halted.HaltReason)

	require.True(t, h.o.Resume("BTCUSDT"))
	assert.False(t, h.o.Resume("BTCUSDT"))
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)
	recs = h.recorder.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, domain.RecordAccepted, recs[3].Status, recs[3].Cause)
}

func TestPartialFillsResubmitLinkedPlans(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{MaxResubmitRounds: 3})
	h.ex.FillRatio = dec("0.5")

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, domain.RecordAccepted, rec.Status)
	require.Len(t, rec.Plans, 3)
	root := rec.Plans[0]
	for i, p := range rec.Plans[1:] {
		assert.Equal(t, root.ID, p.ParentID)
		assert.Equal(t, i+1, p.Round)
		assert.NotEqual(t, root.IdempotencyToken, p.IdempotencyToken)
	}
	assert.True(t, rec.Plans[1].Size.Equal(dec("0.001")))
	assert.Contains(t, rec.Cause, "abandoned after 3 rounds")

	pos, ok := h.ledger.Snapshot().Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("0.00175")), pos.Size.String())
	assert.True(t, rec.FilledSize().Equal(dec("0.00175")))
}

func TestParseFailureIsRecorded(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{})
	require.NoError(t, h.o.Submit(t.Context(), rawMsg(1, "gm everyone, big week ahead")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Signal)
	assert.Equal(t, domain.RecordRejected, recs[0].Status)
	assert.Equal(t, "parse.malformed", recs[0].ErrorKind)
	assert.Equal(t, "gm everyone, big week ahead", recs[0].Raw.Text)
}

func TestExpiredSignalRejected(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fresh := risk.Freshness{OpenTTL: 30 * time.Minute, CloseTTL: 24 * time.Hour}
	h := newHarness(t, "1000", defaultLimits(), Options{Freshness: &fresh, Now: func() time.Time { return now }})

	sig := signal("BTCUSDT", domain.DirectionLong, "50000")
	sig.SourceTimestamp = now.Add(-time.Hour)
	require.NoError(t, h.o.SubmitParsed(t.Context(), sig))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "risk.expired", recs[0].ErrorKind)
}

func TestConcurrentOpeningsRespectPositionLimit(t *testing.T) {
	lim := defaultLimits()
	lim.MaxConcurrentPositions = 3
	lim.MaxRiskFractionPerTrade = dec("0.01")
	h := newHarness(t, "100000", lim, Options{ParseWorkers: 8})

	for i := 0; i < 10; i++ {
		sym := fmt.Sprintf("C%dUSDT", i)
		require.NoError(t, h.o.SubmitParsed(t.Context(), signal(sym, domain.DirectionLong, "10")))
	}
	drain(t, h.o)

	accepted := 0
	for _, rec := range h.recorder.Records() {
		if rec.Status == domain.RecordAccepted {
			accepted++
		} else {
			assert.Equal(t, "risk.limit_exceeded.max_concurrent_positions", rec.ErrorKind)
		}
	}
	assert.Equal(t, 3, accepted)
	// The earliest arrivals take the slots.
	assert.Equal(t, []string{"C0USDT", "C1USDT", "C2USDT"}, h.ledger.Snapshot().Symbols())
}

// interleavingScript mixes openings and closes over several symbols so that
// sizing depends on fees and PnL realized by other symbols.
func interleavingScript() []domain.TradeSignal {
	return []domain.TradeSignal{
		signal("BTCUSDT", domain.DirectionLong, "100"),
		signal("ETHUSDT", domain.DirectionLong, "50"),
		signal("BTCUSDT", domain.DirectionClose, "110"),
		signal("SOLUSDT", domain.DirectionLong, "20"),
		signal("ETHUSDT", domain.DirectionClose, "45"),
		signal("XRPUSDT", domain.DirectionLong, "1"),
		signal("SOLUSDT", domain.DirectionClose, "25"),
		signal("ADAUSDT", domain.DirectionLong, "2"),
		signal("DOGEUSDT", domain.DirectionLong, "0.5"),
	}
}

func runInterleaving(t *testing.T, delays map[string]time.Duration, oneAtATime bool) domain.AccountState {
	t.Helper()
	lim := defaultLimits()
	lim.MaxConcurrentPositions = 2
	h := newHarness(t, "1000", lim, Options{})
	h.ex.FeeRate = dec("0.001")
	inner := h.o.Gateway
	h.o.Gateway = execFunc(func(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
		time.Sleep(delays[plan.Symbol])
		return inner.Execute(ctx, plan)
	})
	for _, sig := range interleavingScript() {
		require.NoError(t, h.o.SubmitParsed(t.Context(), sig))
		if oneAtATime {
			drain(t, h.o)
		}
	}
	drain(t, h.o)
	st := h.ledger.Snapshot()
	require.NoError(t, st.CheckInvariant())
	return st
}

func TestCrossSymbolInterleavingKeepsFinalState(t *testing.T) {
	want := runInterleaving(t, nil, true)
	schedules := []map[string]time.Duration{
		{"BTCUSDT": 30 * time.Millisecond, "SOLUSDT": 10 * time.Millisecond},
		{"ETHUSDT": 30 * time.Millisecond, "XRPUSDT": 20 * time.Millisecond},
		{"BTCUSDT": 5 * time.Millisecond, "ETHUSDT": 15 * time.Millisecond, "ADAUSDT": 25 * time.Millisecond},
	}
	for i, delays := range schedules {
		got := runInterleaving(t, delays, false)
		assert.True(t, want.Equity.Equal(got.Equity), "schedule %d: equity %s vs %s", i, want.Equity, got.Equity)
		assert.True(t, want.AvailableMargin.Equal(got.AvailableMargin), "schedule %d: available %s vs %s", i, want.AvailableMargin, got.AvailableMargin)
		require.Equal(t, want.Symbols(), got.Symbols(), "schedule %d", i)
		for _, sym := range want.Symbols() {
			assert.True(t, want.Positions[sym].Size.Equal(got.Positions[sym].Size), "schedule %d: %s size", i, sym)
		}
	}
}

func TestRepeatedIdempotencyViolationsHaltSymbol(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{MaxViolations: 2})
	h.o.Gateway = execFunc(func(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
		out := domain.OutcomeFor(plan, domain.StatusRejected)
		out.ErrorKind = domain.ErrorKind(domain.ErrIdempotencyViolation)
		out.Cause = "token already used for another order"
		return out
	})
	n := &notes{}
	h.o.Notifier = n

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)
	assert.Equal(t, StateIdle, h.o.States()[0].State)

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)
	assert.Equal(t, StateHalted, h.o.States()[0].State)
	assert.Contains(t, h.o.States()[0].HaltReason, "2 idempotency violations")

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)
	recs := h.recorder.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "execution.idempotency_violation", recs[0].ErrorKind)
	assert.Equal(t, domain.RecordRejected, recs[1].Status)
	assert.Equal(t, domain.RecordHalted, recs[2].Status)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.msgs, 1)
	assert.Contains(t, n.msgs[0], "BTCUSDT halted")
}

// bumpingExecutor moves the symbol in the ledger between decision and
// settlement, so the outcome arrives against a stale snapshot.
func bumpingExecutor(t *testing.T, h *harness) execFunc {
	inner := h.o.Gateway
	return func(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
		side := domain.OutcomeFor(plan, domain.StatusFilled)
		side.FillID = "side-" + plan.ID
		side.FilledSize = dec("0.001")
		side.FilledPrice = plan.PriceHint
		side.SnapshotSeq = h.ledger.Sequence()
		_, err := h.ledger.ApplyOutcome(side)
		assert.NoError(t, err)
		return inner.Execute(ctx, plan)
	}
}

func TestStaleSnapshotIsRetried(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{StaleRetries: 2})
	h.o.Gateway = bumpingExecutor(t, h)

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 1)
	require.Equal(t, domain.RecordAccepted, recs[0].Status, recs[0].Cause)
	assert.Greater(t, recs[0].Outcomes[0].SnapshotSeq, recs[0].Plans[0].SnapshotSeq)
	pos, ok := h.ledger.Snapshot().Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("0.003")), pos.Size.String())
	require.NoError(t, h.ledger.Snapshot().CheckInvariant())
}

func TestStaleSnapshotRetriesExhausted(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{StaleRetries: 0})
	h.o.Gateway = bumpingExecutor(t, h)

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.RecordFailed, recs[0].Status)
	assert.Equal(t, "ledger.stale_snapshot", recs[0].ErrorKind)
	pos, ok := h.ledger.Snapshot().Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("0.001")), "only the side fill is booked")
	// The lane keeps running; staleness is not a halt.
	assert.Equal(t, StateIdle, h.o.States()[0].State)
}

func TestUnresolvedOrderHaltsSymbol(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{MaxResubmitRounds: 3})
	inner := h.o.Gateway
	h.o.Gateway = execFunc(func(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
		if plan.Symbol != "BTCUSDT" {
			return inner.Execute(ctx, plan)
		}
		out := domain.OutcomeFor(plan, domain.StatusPartial)
		out.FillID = "working-1"
		out.FilledSize = dec("0.001")
		out.FilledPrice = plan.PriceHint
		out.ErrorKind = domain.ErrorKind(domain.ErrUnresolved)
		out.Cause = "execution: unresolved: order still partially_filled after cancel"
		return out
	})

	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	drain(t, h.o)
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionLong, "50000")))
	require.NoError(t, h.o.SubmitParsed(t.Context(), signal("ETHUSDT", domain.DirectionLong, "2000")))
	drain(t, h.o)

	recs := h.recorder.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, domain.RecordAccepted, recs[0].Status)
	assert.Equal(t, "execution.unresolved", recs[0].ErrorKind)
	assert.Len(t, recs[0].Plans, 1, "no remainder is sent while the order may still fill")
	assert.Equal(t, domain.RecordHalted, recs[1].Status)
	assert.Equal(t, domain.RecordAccepted, recs[2].Status)

	pos, ok := h.ledger.Snapshot().Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("0.001")))
	assert.Equal(t, StateHalted, h.o.States()[0].State)
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t, "1000", defaultLimits(), Options{})
	h.o.Close()
	assert.ErrorIs(t, h.o.Submit(t.Context(), rawMsg(1, "x")), ErrClosed)
	assert.ErrorIs(t, h.o.SubmitParsed(t.Context(), signal("BTCUSDT", domain.DirectionClose, "1")), ErrClosed)
}
