package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/sendwealth/claw-ai-backend/internal/limiter"
	"github.com/sendwealth/claw-ai-backend/internal/logger"
)

// Checker is the part of limiter.Limiter the middleware needs.
type Checker interface {
	Check(ctx context.Context, req limiter.Request) (*limiter.Decision, error)
	CheckRoute(ctx context.Context, req limiter.Request, rp limiter.RoutePolicy) (*limiter.Decision, error)
}

type Option func(*RateLimitMiddleware)

// WithSkipPaths replaces the default exempt paths.
func WithSkipPaths(paths ...string) Option {
	return func(m *RateLimitMiddleware) { m.skipPaths = paths }
}

// WithEnabled turns admission control on or off. A disabled middleware
// forwards every request untouched.
func WithEnabled(enabled bool) Option {
	return func(m *RateLimitMiddleware) { m.enabled = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(m *RateLimitMiddleware) {
		if now != nil {
			m.now = now
		}
	}
}

type RateLimitMiddleware struct {
	limiter   Checker
	logger    *slog.Logger
	skipPaths []string
	enabled   bool
	now       func() time.Time
}

func NewRateLimitMiddleware(l Checker, log *slog.Logger, opts ...Option) *RateLimitMiddleware {
	if log == nil {
		log = logger.Discard()
	}
	m := &RateLimitMiddleware{
		limiter:   l,
		logger:    log,
		skipPaths: []string{"/health", "/metrics"},
		enabled:   true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler applies the multi-tier check to every request.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next, m.limiter.Check)
	})
}

// Route applies a per-route policy instead of the multi-tier check.
func (m *RateLimitMiddleware) Route(policy limiter.RoutePolicy, next http.HandlerFunc) http.HandlerFunc {
	check := func(ctx context.Context, req limiter.Request) (*limiter.Decision, error) {
		return m.limiter.CheckRoute(ctx, req, policy)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next, check)
	}
}

func (m *RateLimitMiddleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler,
	check func(context.Context, limiter.Request) (*limiter.Decision, error),
) {
	if !m.enabled || slices.Contains(m.skipPaths, r.URL.Path) {
		next.ServeHTTP(w, r)
		return
	}

	req := m.request(r)
	d, err := check(r.Context(), req)
	switch {
	case errors.Is(err, limiter.ErrBlacklisted):
		m.sendForbidden(w)
		return
	case err != nil:
		m.logger.ErrorContext(r.Context(), "rate limiter error, allowing request",
			logger.Error(err),
			logger.ClientIP(req.ClientIP),
			logger.Method(req.Method),
			logger.Path(req.Path),
		)
		next.ServeHTTP(w, r)
		return
	}

	if !d.Allowed {
		m.sendRateLimitError(w, d)
		return
	}

	m.setRateLimitHeaders(w, d)
	next.ServeHTTP(w, r)
}

func (m *RateLimitMiddleware) request(r *http.Request) limiter.Request {
	req := limiter.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		ClientIP: ClientIP(r),
	}
	if id, ok := IdentityFrom(r.Context()); ok {
		req.UserID = id.UserID
		req.UserTier = id.Tier
	}
	return req
}

func (m *RateLimitMiddleware) setRateLimitHeaders(w http.ResponseWriter, d *limiter.Decision) {
	if d.UserTier != "" {
		w.Header().Set("X-RateLimit-UserTier", d.UserTier)
	}
	if d.Whitelisted {
		return
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(wholeTokens(d.Remaining), 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(wholeTokens(d.Limit), 10))
}

func (m *RateLimitMiddleware) sendRateLimitError(w http.ResponseWriter, d *limiter.Decision) {
	retryAfter := retrySeconds(d.RetryAfter)
	remaining := wholeTokens(d.Remaining)

	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(wholeTokens(d.Limit), 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(m.now().Unix()+retryAfter, 10))

	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "Too Many Requests",
		"message":     "Too many requests, please try again later",
		"retry_after": retryAfter,
		"remaining":   remaining,
	})
}

func (m *RateLimitMiddleware) sendForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]any{
		"error":   "Forbidden",
		"message": "Your IP or account has been blocked",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// retrySeconds rounds up so clients never retry early.
func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := math.Ceil(d.Seconds())
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int64(secs)
}

func wholeTokens(f float64) int64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f > math.MaxInt32:
		return math.MaxInt32
	}
	return int64(f)
}
