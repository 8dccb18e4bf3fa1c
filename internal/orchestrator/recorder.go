package orchestrator

import (
	"context"
	"sort"
	"sync"

	"signaltrader/internal/domain"
)

// MemoryRecorder keeps records in memory, for replays and tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []domain.ReplayRecord
	next    Recorder
}

// NewMemoryRecorder returns a recorder that also forwards to next when set.
func NewMemoryRecorder(next Recorder) *MemoryRecorder {
	return &MemoryRecorder{next: next}
}

func (r *MemoryRecorder) Record(ctx context.Context, rec domain.ReplayRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	if r.next != nil {
		r.next.Record(ctx, rec)
	}
}

// Records returns the records in arrival order.
func (r *MemoryRecorder) Records() []domain.ReplayRecord {
	r.mu.Lock()
	out := make([]domain.ReplayRecord, len(r.records))
	copy(out, r.records)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Completion returns records in the order they were produced.
func (r *MemoryRecorder) Completion() []domain.ReplayRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ReplayRecord, len(r.records))
	copy(out, r.records)
	return out
}
