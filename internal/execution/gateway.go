package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/resilience"
)

const defaultDetachedTimeout = 10 * time.Second

// Gateway submits order plans to the exchange with at-most-once effect per
// idempotency token. Transient failures are retried with the same token and
// a failure that may have reached the venue is resolved by lookup before
// any resubmission.
type Gateway struct {
	Client  exchange.Client
	Store   Store
	Breaker *resilience.Breaker
	Logger  *zap.Logger

	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	TTL            time.Duration
	Prefix         string
	SettleAttempts int

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewGateway(client exchange.Client, store Store, cfg config.GatewayConfig, prefix string, logger *zap.Logger) *Gateway {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Gateway{
		Client:         client,
		Store:          store,
		Breaker:        resilience.NewBreaker("exchange", cfg.BreakerFailures, cfg.BreakerCooldown, logger),
		Logger:         logger,
		MaxAttempts:    cfg.MaxAttempts,
		BaseBackoff:    cfg.BaseBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		CallTimeout:    cfg.CallTimeout,
		TTL:            cfg.IdempotencyTTL,
		Prefix:         prefix,
		SettleAttempts: 3,
	}
}

func (g *Gateway) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now().UTC()
}

func (g *Gateway) wait(ctx context.Context, d time.Duration) error {
	if g.sleep != nil {
		return g.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) key(token string) string {
	return g.Prefix + "idem:" + token
}

// Execute submits plan and returns its terminal outcome. It never returns a
// pending state: an order the venue has not settled within the budget is
// cancelled, and one whose state cannot be confirmed is reported with the
// unresolved kind.
func (g *Gateway) Execute(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome {
	if g == nil || g.Client == nil {
		return g.failed(plan, domain.ExecDefinitive, errors.New("gateway not configured"))
	}
	if plan.IdempotencyToken == "" {
		plan.IdempotencyToken = uuid.NewString()
	}
	if plan.ID == "" {
		plan.ID = plan.IdempotencyToken
	}
	if !plan.Size.IsPositive() {
		return g.rejected(plan, domain.ExecDefinitive, errors.New("plan size must be positive"))
	}

	if out, done := g.reserve(ctx, plan); done {
		return out
	}

	req := exchange.RequestFor(plan)
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.wait(ctx, resilience.Backoff(attempt-1, g.BaseBackoff, g.MaxBackoff)); err != nil {
				return g.abandon(ctx, plan, domain.ExecTimeout, err)
			}
		}
		if !g.Breaker.Allow() {
			cause := errors.New("exchange circuit open")
			if attempt > 0 {
				return g.abandon(ctx, plan, domain.ExecCircuitOpen, cause)
			}
			return g.failed(plan, domain.ExecCircuitOpen, cause)
		}

		res, err := g.place(ctx, req)
		switch {
		case err == nil:
			g.Breaker.RecordSuccess()
			return g.settle(ctx, plan, res)
		case errors.Is(err, exchange.ErrDuplicateOrder):
			g.Breaker.RecordSuccess()
			return g.resolveDuplicate(ctx, plan, err)
		case errors.Is(err, exchange.ErrRejected):
			g.Breaker.RecordSuccess()
			return g.finish(ctx, plan, g.rejected(plan, domain.ExecDefinitive, err))
		case ctx.Err() != nil:
			return g.abandon(ctx, plan, domain.ExecTimeout, ctx.Err())
		}

		// Transient or unknown: the order may have reached the venue.
		g.Breaker.RecordFailure()
		lastErr = err
		if g.Logger != nil {
			g.Logger.Warn("order submission failed",
				zap.String("plan_id", plan.ID),
				zap.String("symbol", plan.Symbol),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
		if res, err := g.lookup(ctx, plan); err == nil {
			return g.settle(ctx, plan, res)
		}
	}
	return g.abandon(ctx, plan, domain.ExecTransient, fmt.Errorf("retries exhausted: %w", lastErr))
}

// abandon resolves a submission the caller gave up on. The order may still
// have reached the venue, so it is looked up once more outside ctx. Only a
// venue that does not know the token yields a plain failure.
func (g *Gateway) abandon(ctx context.Context, plan domain.OrderPlan, kind domain.ExecutionErrorKind, cause error) domain.ExecutionOutcome {
	dctx, cancel := g.detached(ctx)
	defer cancel()
	res, err := g.lookup(dctx, plan)
	switch {
	case errors.Is(err, exchange.ErrNotFound):
		return g.failed(plan, kind, cause)
	case err != nil:
		return g.unresolved(plan, exchange.OrderResult{}, fmt.Errorf("%v; lookup: %w", cause, err))
	}
	return g.settle(dctx, plan, res)
}

// detached outlives ctx for the calls that must still reach the venue after
// the caller's deadline.
func (g *Gateway) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	d := g.CallTimeout
	if d <= 0 {
		d = defaultDetachedTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// reserve claims the token. A token already bound to a different plan is a
// violation; one with a recorded outcome returns that outcome.
func (g *Gateway) reserve(ctx context.Context, plan domain.OrderPlan) (domain.ExecutionOutcome, bool) {
	fp := fingerprint(plan)
	ok, err := g.Store.SetNX(ctx, g.key(plan.IdempotencyToken), encodeEntry(entry{Fingerprint: fp}), g.TTL)
	if err != nil {
		// The venue still deduplicates by client order id.
		if g.Logger != nil {
			g.Logger.Warn("idempotency store unavailable", zap.String("plan_id", plan.ID), zap.Error(err))
		}
		return domain.ExecutionOutcome{}, false
	}
	if ok {
		return domain.ExecutionOutcome{}, false
	}
	raw, found, err := g.Store.Get(ctx, g.key(plan.IdempotencyToken))
	if err != nil || !found {
		return domain.ExecutionOutcome{}, false
	}
	prev, err := decodeEntry(raw)
	if err != nil {
		return domain.ExecutionOutcome{}, false
	}
	if prev.Fingerprint != fp {
		return g.rejected(plan, domain.ExecIdempotencyViolation,
			fmt.Errorf("token %s already used for %s", plan.IdempotencyToken, prev.Fingerprint)), true
	}
	if prev.Outcome != nil {
		return *prev.Outcome, true
	}
	return domain.ExecutionOutcome{}, false
}

func (g *Gateway) place(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	callCtx := ctx
	if g.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.CallTimeout)
		defer cancel()
	}
	return g.Client.PlaceOrder(callCtx, req)
}

func (g *Gateway) lookup(ctx context.Context, plan domain.OrderPlan) (exchange.OrderResult, error) {
	callCtx := ctx
	if g.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.CallTimeout)
		defer cancel()
	}
	return g.Client.LookupOrder(callCtx, plan.Symbol, plan.IdempotencyToken)
}

func (g *Gateway) resolveDuplicate(ctx context.Context, plan domain.OrderPlan, cause error) domain.ExecutionOutcome {
	res, err := g.lookup(ctx, plan)
	if err != nil || res.Symbol != plan.Symbol || res.Side != plan.Side || !res.Qty.Equal(plan.Size) {
		return g.rejected(plan, domain.ExecIdempotencyViolation, cause)
	}
	return g.settle(ctx, plan, res)
}

// settle waits for a still-working order to reach a final state and maps it
// to an outcome. An order still working when the budget runs out has its
// rest cancelled, so a partial outcome always means the venue will fill no
// more of it.
func (g *Gateway) settle(ctx context.Context, plan domain.OrderPlan, res exchange.OrderResult) domain.ExecutionOutcome {
	for i := 0; pending(res) && i < g.SettleAttempts; i++ {
		if err := g.wait(ctx, resilience.Backoff(i, g.BaseBackoff, g.MaxBackoff)); err != nil {
			break
		}
		if next, err := g.lookup(ctx, plan); err == nil {
			res = next
		}
	}
	if pending(res) {
		res = g.cancelRest(ctx, plan, res)
	}
	if pending(res) {
		return g.unresolved(plan, res, fmt.Errorf("order %s still %s after cancel", res.OrderID, res.Status))
	}
	return g.finish(ctx, plan, g.outcomeFrom(plan, res))
}

// cancelRest cancels a working order and reads back its final state. Both
// calls outlive ctx. The last known state is returned when the read fails.
func (g *Gateway) cancelRest(ctx context.Context, plan domain.OrderPlan, res exchange.OrderResult) exchange.OrderResult {
	dctx, cancel := g.detached(ctx)
	defer cancel()
	err := g.Client.CancelOrder(dctx, plan.Symbol, plan.IdempotencyToken)
	if err != nil && !errors.Is(err, exchange.ErrNotFound) && g.Logger != nil {
		g.Logger.Warn("cancel working order failed",
			zap.String("plan_id", plan.ID),
			zap.String("symbol", plan.Symbol),
			zap.Error(err),
		)
	}
	next, err := g.lookup(dctx, plan)
	if err != nil {
		return res
	}
	return next
}

// unresolved reports an order whose final state on the venue is unknown.
// Any quantity already executed is carried so the ledger can book it; the
// outcome is not stored against the token so a later replay looks again.
func (g *Gateway) unresolved(plan domain.OrderPlan, res exchange.OrderResult, cause error) domain.ExecutionOutcome {
	var out domain.ExecutionOutcome
	if res.FilledQty.IsPositive() {
		out = g.outcomeFrom(plan, res)
	} else {
		out = domain.OutcomeFor(plan, domain.StatusFailed)
		out.ExchangeRef = res.OrderID
		out.At = g.clock()
	}
	execErr := &domain.ExecutionError{Kind: domain.ExecUnresolved, Err: cause}
	out.ErrorKind = domain.ErrorKind(execErr)
	out.Cause = execErr.Error()
	if g.Logger != nil {
		g.Logger.Error("order state unresolved",
			zap.String("plan_id", plan.ID),
			zap.String("symbol", plan.Symbol),
			zap.String("token", plan.IdempotencyToken),
			zap.String("filled", out.FilledSize.String()),
			zap.Error(cause),
		)
	}
	return out
}

func pending(res exchange.OrderResult) bool {
	return res.Status == exchange.OrderNew || res.Status == exchange.OrderPartial
}

func (g *Gateway) outcomeFrom(plan domain.OrderPlan, res exchange.OrderResult) domain.ExecutionOutcome {
	filled := res.FilledQty
	var out domain.ExecutionOutcome
	switch {
	case filled.GreaterThanOrEqual(plan.Size):
		out = domain.OutcomeFor(plan, domain.StatusFilled)
	case filled.IsPositive():
		out = domain.OutcomeFor(plan, domain.StatusPartial)
	default:
		reason := res.RejectReason
		if reason == "" {
			reason = "order " + string(res.Status)
		}
		out = g.rejected(plan, domain.ExecDefinitive, errors.New(reason))
		out.ExchangeRef = res.OrderID
		return out
	}
	out.FillID = res.OrderID
	if out.FillID == "" {
		out.FillID = plan.IdempotencyToken
	}
	out.FilledSize = filled
	out.FilledPrice = res.AvgPrice
	if !out.FilledPrice.IsPositive() {
		out.FilledPrice = plan.PriceHint
	}
	out.Fee = res.Fee
	out.ExchangeRef = res.OrderID
	out.At = g.clock()
	return out
}

// finish records a definitive outcome against the token.
func (g *Gateway) finish(ctx context.Context, plan domain.OrderPlan, out domain.ExecutionOutcome) domain.ExecutionOutcome {
	err := g.Store.Set(ctx, g.key(plan.IdempotencyToken), encodeEntry(entry{Fingerprint: fingerprint(plan), Outcome: &out}), g.TTL)
	if err != nil && g.Logger != nil {
		g.Logger.Warn("record outcome failed", zap.String("plan_id", plan.ID), zap.Error(err))
	}
	if g.Logger != nil {
		g.Logger.Info("order settled",
			zap.String("plan_id", plan.ID),
			zap.String("symbol", plan.Symbol),
			zap.String("status", string(out.Status)),
			zap.String("filled", out.FilledSize.String()),
			zap.String("price", out.FilledPrice.String()),
		)
	}
	return out
}

func (g *Gateway) rejected(plan domain.OrderPlan, kind domain.ExecutionErrorKind, err error) domain.ExecutionOutcome {
	return g.errorOutcome(plan, domain.StatusRejected, kind, err)
}

func (g *Gateway) failed(plan domain.OrderPlan, kind domain.ExecutionErrorKind, err error) domain.ExecutionOutcome {
	return g.errorOutcome(plan, domain.StatusFailed, kind, err)
}

func (g *Gateway) errorOutcome(plan domain.OrderPlan, status domain.OutcomeStatus, kind domain.ExecutionErrorKind, err error) domain.ExecutionOutcome {
	out := domain.OutcomeFor(plan, status)
	execErr := &domain.ExecutionError{Kind: kind, Err: err}
	out.ErrorKind = domain.ErrorKind(execErr)
	out.Cause = execErr.Error()
	if g != nil {
		out.At = g.clock()
	} else {
		out.At = time.Now().UTC()
	}
	return out
}
