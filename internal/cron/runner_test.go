package cronrunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunner_RunsAndLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := New(zap.New(core), context.Background())

	var ok, failed atomic.Int32
	_, err := r.Add("ok", "@every 1s", func(context.Context) error {
		ok.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = r.Add("broken", "@every 1s", func(context.Context) error {
		failed.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Entries())

	r.Start()
	assert.Eventually(t, func() bool { return ok.Load() > 0 && failed.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	r.Stop()

	assert.NotZero(t, logs.FilterMessage("cron job failed").FilterField(zap.String("job", "broken")).Len())
}

func TestRunner_SkipsAfterBaseContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(nil, ctx)

	var runs atomic.Int32
	_, err := r.Add("noop", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	r.Start()
	time.Sleep(1500 * time.Millisecond)
	r.Stop()
	assert.Zero(t, runs.Load())
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Add("bad", "not a schedule", func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Zero(t, r.Entries())
}
