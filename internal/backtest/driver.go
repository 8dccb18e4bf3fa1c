package backtest

import (
	"context"
	"time"

	"signaltrader/internal/domain"
)

// Admitter is the part of the orchestrator a driver feeds.
type Admitter interface {
	Submit(ctx context.Context, raw domain.RawSignal) error
	Drain(ctx context.Context) error
}

// Driver decides how historical signals are admitted.
type Driver interface {
	Mode() Mode
	Replay(ctx context.Context, o Admitter, signals []domain.RawSignal) error
}

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Sequential admits a signal only after the previous one has settled.
type Sequential struct{}

func (Sequential) Mode() Mode { return ModeSync }

func (Sequential) Replay(ctx context.Context, o Admitter, signals []domain.RawSignal) error {
	for _, s := range signals {
		if err := o.Submit(ctx, s); err != nil {
			return err
		}
		if err := o.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Concurrent admits signals as fast as their timestamps allow. Signals whose
// timestamps fall within Window of the first in a batch are admitted together
// and the batch settles before the next one starts. A zero Window admits the
// whole log at once.
type Concurrent struct {
	Window time.Duration
}

func (Concurrent) Mode() Mode { return ModeAsync }

func (c Concurrent) Replay(ctx context.Context, o Admitter, signals []domain.RawSignal) error {
	var batchStart time.Time
	for i, s := range signals {
		if c.Window > 0 && i > 0 && s.Timestamp.Sub(batchStart) >= c.Window {
			if err := o.Drain(ctx); err != nil {
				return err
			}
			batchStart = s.Timestamp
		}
		if i == 0 {
			batchStart = s.Timestamp
		}
		if err := o.Submit(ctx, s); err != nil {
			return err
		}
	}
	return o.Drain(ctx)
}

// DriverFor maps a configured mode onto its driver.
func DriverFor(mode string, window time.Duration) (Driver, bool) {
	switch Mode(mode) {
	case ModeSync:
		return Sequential{}, true
	case ModeAsync:
		return Concurrent{Window: window}, true
	}
	return nil, false
}
