package execution

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"signaltrader/internal/domain"
)

// Store persists idempotency entries keyed by token.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memItem struct {
	v       []byte
	expires time.Time
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = newItem(value, ttl)
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	s.mu.Lock()
	s.items[key] = newItem(value, ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expires.IsZero() && time.Now().After(it.expires) {
		delete(s.items, key)
		return memItem{}, false
	}
	return it, true
}

func newItem(value []byte, ttl time.Duration) memItem {
	it := memItem{v: clone(value)}
	if ttl > 0 {
		it.expires = time.Now().Add(ttl)
	}
	return it
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(opt *redis.Options) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt)}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.Client.Del(ctx, key).Err()
}

// entry is what the gateway keeps per token: the plan fingerprint it was
// issued for and, once known, the final outcome.
type entry struct {
	Fingerprint string                   `json:"fingerprint"`
	Outcome     *domain.ExecutionOutcome `json:"outcome,omitempty"`
}

func fingerprint(p domain.OrderPlan) string {
	closing := "open"
	if p.Closing {
		closing = "close"
	}
	return p.Symbol + "|" + string(p.Side) + "|" + p.Size.String() + "|" + closing
}

func encodeEntry(e entry) []byte {
	b, _ := json.Marshal(e)
	return b
}

func decodeEntry(b []byte) (entry, error) {
	var e entry
	err := json.Unmarshal(b, &e)
	return e, err
}
