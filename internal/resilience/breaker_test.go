package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker("test", 2, time.Second, nil)
	b.Now = func() time.Time { return now }

	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(0, 100*time.Millisecond, time.Second))
	assert.Equal(t, 400*time.Millisecond, Backoff(2, 100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, Backoff(5, 100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, Backoff(64, 100*time.Millisecond, time.Second))
}
