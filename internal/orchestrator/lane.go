package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signaltrader/internal/domain"
	"signaltrader/internal/risk"
)

// lane is the per-symbol queue. Fields are guarded by Orchestrator.mu.
type lane struct {
	symbol     string
	queue      []work
	state      State
	running    bool
	active     bool
	stopRounds bool
	halted     bool
	haltReason string
	violations int
}

// runLane works through the symbol's queue one signal at a time and exits
// when the queue is empty. No lock is held while a signal is processed.
func (o *Orchestrator) runLane(l *lane) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(l.queue) == 0 || l.halted {
			l.running = false
			l.active = false
			if !l.halted {
				l.state = StateIdle
			}
			o.mu.Unlock()
			return
		}
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.active = true
		l.stopRounds = false
		l.state = StateDeciding
		o.mu.Unlock()

		rec := o.process(l, w)

		o.mu.Lock()
		l.active = false
		if !l.halted {
			l.state = StateIdle
		}
		o.mu.Unlock()
		o.emit(rec)
	}
}

func (o *Orchestrator) process(l *lane, w work) domain.ReplayRecord {
	sig := w.parsed.Signal
	rec := domain.ReplayRecord{
		Index:  w.seq,
		Raw:    w.raw,
		Signal: &sig,
		At:     o.opts.Now(),
	}
	finish := func(status domain.RecordStatus, err error) domain.ReplayRecord {
		rec.Status = status
		if err != nil {
			rec.ErrorKind = domain.ErrorKind(err)
			rec.Cause = domain.Cause(err)
		}
		rec.Account = o.Ledger.Snapshot()
		return rec
	}

	plan, err := o.decide(w)
	o.decided(w.seq)
	if err != nil {
		return finish(domain.RecordRejected, err)
	}

	filled := false
	for round := 1; ; round++ {
		o.setState(l, StateExecuting)
		out := o.execute(plan)
		rec.Plans = append(rec.Plans, plan)

		o.setState(l, StateSettling)
		var settleErr error
		if out.Status.HasFill() {
			out, settleErr = o.settle(out)
		}
		rec.Outcomes = append(rec.Outcomes, out)

		switch {
		case errors.Is(settleErr, domain.ErrInsufficientMargin):
			o.halt(l, settleErr)
			return finish(domain.RecordFailed, settleErr)
		case settleErr != nil:
			if filled {
				return finish(domain.RecordAccepted, settleErr)
			}
			return finish(domain.RecordFailed, settleErr)
		}
		if out.Status.HasFill() {
			filled = true
		}

		if out.ErrorKind == domain.ErrorKind(domain.ErrIdempotencyViolation) {
			o.violation(l, out)
		}
		if out.ErrorKind == domain.ErrorKind(domain.ErrUnresolved) {
			// The venue may still be filling this order; trading the symbol
			// again could double the exposure.
			o.halt(l, errors.New(out.Cause))
			rec.ErrorKind, rec.Cause = out.ErrorKind, out.Cause
			if filled {
				return finish(domain.RecordAccepted, nil)
			}
			return finish(domain.RecordFailed, nil)
		}

		switch out.Status {
		case domain.StatusFilled:
			return finish(domain.RecordAccepted, nil)
		case domain.StatusRejected, domain.StatusFailed:
			if filled {
				// Earlier rounds filled; the remainder is what failed.
				rec.ErrorKind, rec.Cause = out.ErrorKind, "remainder not filled: "+out.Cause
				return finish(domain.RecordAccepted, nil)
			}
			rec.ErrorKind, rec.Cause = out.ErrorKind, out.Cause
			if out.Status == domain.StatusRejected {
				return finish(domain.RecordRejected, nil)
			}
			return finish(domain.RecordFailed, nil)
		}

		// Partial: resubmit the remainder as a linked plan unless the round
		// budget is spent or the symbol was cancelled.
		remaining := plan.Size.Sub(out.FilledSize)
		if round >= o.opts.MaxResubmitRounds || o.roundsStopped(l) || o.baseCtx.Err() != nil {
			rec.Cause = fmt.Sprintf("remainder %s abandoned after %d rounds", remaining, round)
			return finish(domain.RecordAccepted, nil)
		}
		next := plan.Remainder(out.FilledSize)
		next.ID = uuid.NewString()
		next.IdempotencyToken = uuid.NewString()
		next.SnapshotSeq = o.Ledger.Sequence()
		if next.Closing {
			pos, ok := o.Ledger.Snapshot().Position(next.Symbol)
			if !ok {
				return finish(domain.RecordAccepted, nil)
			}
			if pos.Size.LessThan(next.Size) {
				next.Size = pos.Size
			}
		}
		if o.Logger != nil {
			o.Logger.Info("resubmitting remainder",
				zap.String("symbol", next.Symbol),
				zap.String("parent_id", next.ParentID),
				zap.Int("round", next.Round),
				zap.String("size", next.Size.String()),
			)
		}
		plan = next
	}
}

// decide sizes the signal once its turn comes, against the ledger as all
// earlier signals left it.
func (o *Orchestrator) decide(w work) (domain.OrderPlan, error) {
	sig := w.parsed.Signal
	if err := o.awaitTurn(w.seq, sig.Opening()); err != nil {
		return domain.OrderPlan{}, err
	}
	if o.opts.Freshness != nil {
		if err := o.opts.Freshness.Check(sig, o.opts.Now()); err != nil {
			return domain.OrderPlan{}, err
		}
	}
	decision := risk.DecisionAvailable
	if w.parsed.Degraded {
		decision = risk.DecisionUnavailable
	}

	ctx := o.baseCtx
	if o.opts.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.DecisionTimeout)
		defer cancel()
	}
	lim := o.limits(ctx)
	if err := ctx.Err(); err != nil {
		return domain.OrderPlan{}, err
	}

	plan, err := risk.Size(sig, o.Ledger.Snapshot(), lim, decision)
	if err != nil {
		return domain.OrderPlan{}, err
	}
	plan.ID = uuid.NewString()
	plan.IdempotencyToken = uuid.NewString()
	return plan, nil
}

func (o *Orchestrator) execute(plan domain.OrderPlan) domain.ExecutionOutcome {
	ctx := o.baseCtx
	if o.opts.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ExecuteTimeout)
		defer cancel()
	}
	return o.Gateway.Execute(ctx, plan)
}

// settle applies a fill to the ledger. A stale snapshot is re-stamped
// against the current sequence and retried a bounded number of times.
func (o *Orchestrator) settle(out domain.ExecutionOutcome) (domain.ExecutionOutcome, error) {
	for attempt := 0; ; attempt++ {
		_, err := o.Ledger.ApplyOutcome(out)
		if !errors.Is(err, domain.ErrStaleSnapshot) || attempt >= o.opts.StaleRetries {
			return out, err
		}
		if o.Logger != nil {
			o.Logger.Info("stale snapshot, retrying against current state",
				zap.String("symbol", out.Symbol),
				zap.Uint64("snapshot_seq", out.SnapshotSeq),
				zap.Error(err),
			)
		}
		out.SnapshotSeq = o.Ledger.Sequence()
	}
}

func (o *Orchestrator) roundsStopped(l *lane) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return l.stopRounds
}

// halt stops the lane pending operator intervention. Queued signals are
// rejected as halted.
func (o *Orchestrator) halt(l *lane, cause error) {
	o.mu.Lock()
	l.halted = true
	l.state = StateHalted
	l.haltReason = domain.Cause(cause)
	dropped := l.queue
	l.queue = nil
	var out []domain.ReplayRecord
	for _, w := range dropped {
		out = append(out, o.rejection(w, domain.RecordHalted, domain.ErrSymbolHalted))
	}
	o.mu.Unlock()

	if o.Logger != nil {
		o.Logger.Error("symbol halted", zap.String("symbol", l.symbol), zap.Error(cause))
	}
	if o.Notifier != nil {
		msg := fmt.Sprintf("%s halted: %s", l.symbol, domain.Cause(cause))
		if err := o.Notifier.Notify(o.baseCtx, msg); err != nil && o.Logger != nil {
			o.Logger.Warn("notify failed", zap.Error(err))
		}
	}
	for _, rec := range out {
		o.emit(rec)
	}
}

func (o *Orchestrator) violation(l *lane, out domain.ExecutionOutcome) {
	o.mu.Lock()
	l.violations++
	n := l.violations
	o.mu.Unlock()
	limit := o.opts.MaxViolations
	if limit <= 0 {
		limit = 1
	}
	if n >= limit {
		o.halt(l, fmt.Errorf("%d idempotency violations, last: %s", n, out.Cause))
	}
}
