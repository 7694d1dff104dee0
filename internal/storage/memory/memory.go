package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sendwealth/claw-ai-backend/internal/bucket"
)

const defaultCleanupInterval = 30 * time.Second

type entry struct {
	State  bucket.State
	Expiry time.Time
}

// MemoryStore keeps buckets in process memory. It is atomic per key within
// one process only, so it suits tests and single-instance deployments.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]*entry

	cleanupInterval time.Duration
	now             func() time.Time
}

type Option func(*MemoryStore)

func WithCleanupInterval(d time.Duration) Option {
	return func(s *MemoryStore) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithClock sets the clock used for expiry. Consume uses the time passed by
// the caller for the refill math.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		m:               map[string]*entry{},
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run removes expired entries until ctx is cancelled. It fits errgroup.Go.
func (s *MemoryStore) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.removeExpired()
			}
		}
	}
}

func (s *MemoryStore) removeExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.m {
		if e == nil || e.Expiry.Before(now) {
			delete(s.m, k)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Consume(ctx context.Context, key string, p bucket.Params, requested float64, now time.Time) (bucket.Result, error) {
	if err := ctx.Err(); err != nil {
		return bucket.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	found := ok && e != nil && !e.Expiry.Before(s.now())
	var st bucket.State
	if found {
		st = e.State
	}

	next, res := bucket.Apply(st, found, p, requested, now)
	s.m[key] = &entry{State: next, Expiry: s.now().Add(p.TTL)}

	return res, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (bucket.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return bucket.State{}, false, err
	}

	s.mu.Lock()
	e, ok := s.m[key]
	s.mu.Unlock()
	if !ok || e == nil || e.Expiry.Before(s.now()) {
		return bucket.State{}, false, nil
	}

	return e.State, true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}

// Ping always succeeds; it mirrors the Redis store's health check.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// size reports the number of stored entries, expired or not.
func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
