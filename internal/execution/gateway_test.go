package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/exchange/paper"
	"signaltrader/internal/resilience"
)

func newTestGateway(client exchange.Client) *Gateway {
	g := NewGateway(client, NewMemoryStore(), config.GatewayConfig{
		MaxAttempts:     3,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}, "test:", nil)
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

func buyPlan(token string) domain.OrderPlan {
	return domain.OrderPlan{
		ID:               "plan-" + token,
		Symbol:           "BTCUSDT",
		Side:             domain.SideBuy,
		Size:             decimal.RequireFromString("0.002"),
		PriceHint:        decimal.NewFromInt(50000),
		Leverage:         decimal.NewFromInt(1),
		MarginRequired:   decimal.NewFromInt(100),
		SnapshotSeq:      7,
		IdempotencyToken: token,
	}
}

func TestExecute_Filled(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	g := newTestGateway(ex)

	out := g.Execute(t.Context(), buyPlan("tok-1"))
	assert.Equal(t, domain.StatusFilled, out.Status)
	assert.Equal(t, "paper-1", out.FillID)
	assert.Equal(t, "plan-tok-1", out.PlanID)
	assert.Equal(t, uint64(7), out.SnapshotSeq)
	assert.True(t, out.FilledSize.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, out.FilledPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, 1, ex.Placements("tok-1"))
}

func TestExecute_GeneratesTokenWhenMissing(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	g := newTestGateway(ex)

	plan := buyPlan("")
	out := g.Execute(t.Context(), plan)
	assert.Equal(t, domain.StatusFilled, out.Status)
	assert.Equal(t, 1, ex.Orders())
}

func TestExecute_RetriesTransientWithSameToken(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	ex.Fault = func(req exchange.OrderRequest, attempt int) error {
		if attempt == 1 {
			return fmt.Errorf("%w: connection reset", exchange.ErrTransient)
		}
		return nil
	}
	g := newTestGateway(ex)

	out := g.Execute(t.Context(), buyPlan("tok-2"))
	assert.Equal(t, domain.StatusFilled, out.Status)
	assert.Equal(t, 2, ex.Placements("tok-2"))
	assert.Equal(t, 1, ex.Orders())
}

func TestExecute_LostAckResolvedByLookup(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	ex.DropAck = func(req exchange.OrderRequest, attempt int) bool { return attempt == 1 }
	g := newTestGateway(ex)

	out := g.Execute(t.Context(), buyPlan("tok-3"))
	require.Equal(t, domain.StatusFilled, out.Status)
	assert.Equal(t, 1, ex.Placements("tok-3"), "lookup must find the order without resubmitting")
	assert.Equal(t, 1, ex.Orders())
}

func TestExecute_ReplayReturnsRecordedOutcome(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	g := newTestGateway(ex)

	first := g.Execute(t.Context(), buyPlan("tok-4"))
	second := g.Execute(t.Context(), buyPlan("tok-4"))
	assert.Equal(t, first.FillID, second.FillID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, ex.Placements("tok-4"))
	assert.Equal(t, 1, ex.Orders())
}

func TestExecute_TokenReuseForDifferentPlan(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	g := newTestGateway(ex)

	_ = g.Execute(t.Context(), buyPlan("tok-5"))
	other := buyPlan("tok-5")
	other.Size = decimal.RequireFromString("0.005")
	out := g.Execute(t.Context(), other)
	assert.Equal(t, domain.StatusRejected, out.Status)
	assert.Equal(t, "execution.idempotency_violation", out.ErrorKind)
	assert.Equal(t, 1, ex.Orders())
}

func TestExecute_DefinitiveRejection(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	g := newTestGateway(ex)

	plan := buyPlan("tok-6")
	plan.Side = domain.SideSell
	plan.Closing = true
	out := g.Execute(t.Context(), plan)
	assert.Equal(t, domain.StatusRejected, out.Status)
	assert.Equal(t, "execution.definitive", out.ErrorKind)
	assert.Equal(t, 1, ex.Placements("tok-6"))
}

func TestExecute_RetriesExhaustedOpensBreaker(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	ex.Fault = func(req exchange.OrderRequest, attempt int) error {
		return fmt.Errorf("%w: 502", exchange.ErrTransient)
	}
	g := newTestGateway(ex)
	g.Breaker = resilience.NewBreaker("exchange", 3, time.Minute, nil)

	out := g.Execute(t.Context(), buyPlan("tok-7"))
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "execution.transient", out.ErrorKind)
	assert.Equal(t, 3, ex.Placements("tok-7"))
	assert.Equal(t, resilience.BreakerOpen, g.Breaker.State())

	out = g.Execute(t.Context(), buyPlan("tok-8"))
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "execution.circuit_open", out.ErrorKind)
	assert.Equal(t, 0, ex.Placements("tok-8"))
}

func TestExecute_PartialFill(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	ex.FillRatio = decimal.RequireFromString("0.5")
	g := newTestGateway(ex)

	out := g.Execute(t.Context(), buyPlan("tok-9"))
	assert.Equal(t, domain.StatusPartial, out.Status)
	assert.True(t, out.FilledSize.Equal(decimal.RequireFromString("0.001")))
}

// workingVenue reports a single order whose state the test scripts.
type workingVenue struct {
	exchange.Client
	status     exchange.OrderStatus
	filled     decimal.Decimal
	cancelErr  error
	lookupErr  error
	blockPlace bool
	lookups    int
	cancels    int
}

func (v *workingVenue) result(clientOrderID string) exchange.OrderResult {
	return exchange.OrderResult{
		OrderID:       "x-1",
		ClientOrderID: clientOrderID,
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Qty:           decimal.RequireFromString("0.002"),
		Status:        v.status,
		FilledQty:     v.filled,
		AvgPrice:      decimal.NewFromInt(50000),
	}
}

func (v *workingVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if v.blockPlace {
		<-ctx.Done()
		return exchange.OrderResult{}, ctx.Err()
	}
	return v.result(req.ClientOrderID), nil
}

func (v *workingVenue) LookupOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	v.lookups++
	if v.lookupErr != nil {
		return exchange.OrderResult{}, v.lookupErr
	}
	return v.result(clientOrderID), nil
}

func (v *workingVenue) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	v.cancels++
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.status = exchange.OrderCancelled
	return nil
}

func TestExecute_UnsettledOrderCancelled(t *testing.T) {
	venue := &workingVenue{status: exchange.OrderNew}
	g := newTestGateway(venue)

	out := g.Execute(t.Context(), buyPlan("tok-10"))
	assert.Equal(t, domain.StatusRejected, out.Status)
	assert.Equal(t, "execution.definitive", out.ErrorKind)
	assert.Equal(t, g.SettleAttempts+1, venue.lookups)
	assert.Equal(t, 1, venue.cancels)
	assert.True(t, out.FilledSize.IsZero())
}

func TestExecute_UncancellableOrderUnresolved(t *testing.T) {
	venue := &workingVenue{status: exchange.OrderNew, cancelErr: fmt.Errorf("%w: 503", exchange.ErrTransient)}
	g := newTestGateway(venue)

	out := g.Execute(t.Context(), buyPlan("tok-12"))
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "execution.unresolved", out.ErrorKind)
	assert.Equal(t, "x-1", out.ExchangeRef)

	// Nothing is recorded against the token, so a replay asks the venue again.
	raw, found, err := g.Store.Get(t.Context(), g.key("tok-12"))
	require.NoError(t, err)
	require.True(t, found)
	e, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.Nil(t, e.Outcome)
}

func TestExecute_WorkingPartialCancelsRest(t *testing.T) {
	venue := &workingVenue{status: exchange.OrderPartial, filled: decimal.RequireFromString("0.001")}
	g := newTestGateway(venue)

	out := g.Execute(t.Context(), buyPlan("tok-13"))
	assert.Equal(t, domain.StatusPartial, out.Status)
	assert.Empty(t, out.ErrorKind)
	assert.True(t, out.FilledSize.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 1, venue.cancels)
}

func TestExecute_WorkingPartialUnresolved(t *testing.T) {
	venue := &workingVenue{
		status:    exchange.OrderPartial,
		filled:    decimal.RequireFromString("0.001"),
		cancelErr: fmt.Errorf("%w: 503", exchange.ErrTransient),
	}
	g := newTestGateway(venue)

	out := g.Execute(t.Context(), buyPlan("tok-14"))
	assert.Equal(t, domain.StatusPartial, out.Status)
	assert.Equal(t, "execution.unresolved", out.ErrorKind)
	assert.Equal(t, "x-1", out.FillID)
	assert.True(t, out.FilledSize.Equal(decimal.RequireFromString("0.001")))
}

func TestExecute_DeadlineMidSubmitLooksUpOrder(t *testing.T) {
	venue := &workingVenue{status: exchange.OrderFilled, filled: decimal.RequireFromString("0.002"), blockPlace: true}
	g := newTestGateway(venue)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	out := g.Execute(ctx, buyPlan("tok-15"))
	assert.Equal(t, domain.StatusFilled, out.Status)
	assert.True(t, out.FilledSize.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, 1, venue.lookups)
}

func TestExecute_DeadlineMidSubmitUnresolved(t *testing.T) {
	venue := &workingVenue{blockPlace: true, lookupErr: fmt.Errorf("%w: connection reset", exchange.ErrTransient)}
	g := newTestGateway(venue)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	out := g.Execute(ctx, buyPlan("tok-16"))
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "execution.unresolved", out.ErrorKind)
	assert.True(t, out.FilledSize.IsZero())
}

func TestExecute_CanceledContext(t *testing.T) {
	ex := paper.New(decimal.NewFromInt(1000))
	g := newTestGateway(ex)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	out := g.Execute(ctx, buyPlan("tok-11"))
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "execution.timeout", out.ErrorKind)
	assert.Equal(t, 0, ex.Orders())
}

func TestMemoryStore_SetNX(t *testing.T) {
	s := NewMemoryStore()
	ok, err := s.SetNX(t.Context(), "k", []byte("a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetNX(t.Context(), "k", []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", string(v))

	require.NoError(t, s.Set(t.Context(), "gone", []byte("x"), time.Nanosecond))
	time.Sleep(time.Millisecond)
	_, found, _ = s.Get(t.Context(), "gone")
	assert.False(t, found)
}
