// Package bucket implements a token bucket whose state lives in a shared
// counter store. Every consume is a single atomic store operation, so
// concurrent requests against the same key are serialized by the store and
// not by any lock in this process.
//
// A bucket never fails closed: when the store is unreachable, slow or returns
// garbage, Consume reports the request as allowed with a full bucket and the
// error is only logged.
package bucket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"
)

// DefaultTTL is how long an idle bucket survives in the store.
const DefaultTTL = 300 * time.Second

var ErrInvalidTokenCount = errors.New("invalid token count")

// Params describes the shape of a single bucket.
type Params struct {
	Capacity   float64       // maximum tokens
	RefillRate float64       // tokens added per second
	TTL        time.Duration // idle expiry of the stored record
}

// NewParams derives bucket parameters from a nominal limit per window and a
// burst multiplier: capacity = limit*burst, refill = limit/window.
func NewParams(limit int, window time.Duration, burst float64, ttl time.Duration) Params {
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rate := 0.0
	if window > 0 {
		rate = float64(limit) / window.Seconds()
	}
	return Params{
		Capacity:   float64(limit) * burst,
		RefillRate: rate,
		TTL:        ttl,
	}
}

// Result is what a Store reports for one atomic consume.
type Result struct {
	Allowed    bool
	Tokens     float64
	RetryAfter time.Duration
}

// State is the persisted part of a bucket.
type State struct {
	Tokens     float64
	LastUpdate time.Time
}

// Store is the shared counter store. Consume must execute the whole
// read-refill-take-write cycle atomically for the key.
type Store interface {
	Consume(ctx context.Context, key string, p Params, requested float64, now time.Time) (Result, error)
	Get(ctx context.Context, key string) (State, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Outcome is the result of TokenBucket.Consume.
type Outcome struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	Capacity   float64
	FailedOpen bool
}

// Snapshot is a read-only view of a bucket.
type Snapshot struct {
	Tokens     float64   `json:"tokens"`
	Available  float64   `json:"available"`
	Capacity   float64   `json:"capacity"`
	RefillRate float64   `json:"refill_rate"`
	LastUpdate time.Time `json:"last_update"`
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithTimeout bounds each store round-trip. Exceeding it counts as a store
// failure.
func WithTimeout(d time.Duration) Option {
	return func(b *TokenBucket) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *TokenBucket) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithErrorHook is called once for every store failure that was recovered
// by failing open.
func WithErrorHook(fn func(key string, err error)) Option {
	return func(b *TokenBucket) {
		b.onError = fn
	}
}

// TokenBucket enforces one rate limit on one key.
type TokenBucket struct {
	store   Store
	key     string
	params  Params
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	onError func(key string, err error)
}

// New returns a bucket bound to key. Creating a bucket does not touch the
// store; the record is created lazily on the first consume.
func New(store Store, key string, p Params, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		store:  store,
		key:    key,
		params: p,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Consume takes tokens from the bucket. Store failures are never returned:
// the bucket fails open and reports a full bucket instead. The only error is
// ErrInvalidTokenCount for a non-positive request.
func (b *TokenBucket) Consume(ctx context.Context, tokens float64) (Outcome, error) {
	if tokens <= 0 || math.IsNaN(tokens) {
		return Outcome{}, ErrInvalidTokenCount
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := b.store.Consume(ctx, b.key, b.params, tokens, b.now())
	if err != nil {
		b.failOpen(ctx, "consume", err)
		return Outcome{
			Allowed:    true,
			Remaining:  b.params.Capacity,
			Capacity:   b.params.Capacity,
			FailedOpen: true,
		}, nil
	}

	return Outcome{
		Allowed:    res.Allowed,
		Remaining:  max(0, res.Tokens),
		RetryAfter: res.RetryAfter,
		Capacity:   b.params.Capacity,
	}, nil
}

// Status reports the stored level without consuming anything. A missing key
// or an unreachable store is reported as a full bucket.
func (b *TokenBucket) Status(ctx context.Context) Snapshot {
	now := b.now()
	full := Snapshot{
		Tokens:     b.params.Capacity,
		Available:  b.params.Capacity,
		Capacity:   b.params.Capacity,
		RefillRate: b.params.RefillRate,
		LastUpdate: now,
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	st, found, err := b.store.Get(ctx, b.key)
	if err != nil {
		b.failOpen(ctx, "status", err)
		return full
	}
	if !found {
		return full
	}

	return Snapshot{
		Tokens:     st.Tokens,
		Available:  Refill(st, b.params, now),
		Capacity:   b.params.Capacity,
		RefillRate: b.params.RefillRate,
		LastUpdate: st.LastUpdate,
	}
}

// Reset removes the stored record so the next consume starts from a full
// bucket.
func (b *TokenBucket) Reset(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.store.Delete(ctx, b.key)
}

func (b *TokenBucket) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *TokenBucket) failOpen(ctx context.Context, op string, err error) {
	b.logger.WarnContext(ctx, "rate limit store failure, failing open",
		slog.String("op", op),
		slog.String("key", b.key),
		slog.Any("error", err),
	)
	if b.onError != nil {
		b.onError(b.key, err)
	}
}
