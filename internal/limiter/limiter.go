// Package limiter decides whether an inbound request may proceed. A request
// is checked against four independent token buckets (global, user tier,
// client IP and API path prefix) after the allow-list and deny-list have been
// consulted. The decision is the conjunction of every evaluated bucket.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sendwealth/claw-ai-backend/internal/bucket"
	"github.com/sendwealth/claw-ai-backend/internal/logger"
)

const (
	DimensionGlobal = "global"
	DimensionUser   = "user"
	DimensionIP     = "ip"
	DimensionAPI    = "api"
	DimensionCustom = "custom"
)

const defaultStoreTimeout = 200 * time.Millisecond

func GlobalKey() string { return "rate_limit:global:all" }

func UserKey(userID string) string { return "rate_limit:user:" + userID }

func IPKey(ip string) string { return "rate_limit:ip:" + ip }

func APIKey(prefix string) string { return "rate_limit:api:" + prefix }

// CustomKey is the bucket key of a per-route override.
func CustomKey(ip, keyPrefix, path string) string {
	if keyPrefix == "" {
		return "rate_limit:custom:" + ip + ":" + path
	}
	return "rate_limit:custom:" + ip + ":" + keyPrefix + ":" + path
}

// Request carries the identity and target of one inbound call.
type Request struct {
	Method   string
	Path     string
	ClientIP string
	UserID   string
	UserTier string
}

// Dimension is the outcome of one bucket.
type Dimension struct {
	Name       string
	Key        string
	Allowed    bool
	Remaining  float64
	Capacity   float64
	RetryAfter time.Duration
	Unlimited  bool
	FailedOpen bool
}

// usage is the consumed fraction of the bucket.
func (d Dimension) usage() float64 {
	if d.Unlimited || d.Capacity <= 0 {
		return 0
	}
	return 1 - d.Remaining/d.Capacity
}

func unlimited(name string) Dimension {
	return Dimension{Name: name, Allowed: true, Remaining: math.Inf(1), Unlimited: true}
}

// Decision is the aggregated verdict for a request.
type Decision struct {
	Allowed     bool
	Remaining   float64
	RetryAfter  time.Duration
	Limit       float64
	Whitelisted bool
	UserTier    string
	Dimensions  []Dimension
}

// Dimension returns the sub-result for name.
func (d *Decision) Dimension(name string) (Dimension, bool) {
	for _, dim := range d.Dimensions {
		if dim.Name == name {
			return dim, true
		}
	}
	return Dimension{}, false
}

func (d *Decision) aggregate() {
	d.Allowed = true
	d.Remaining = math.Inf(1)
	d.RetryAfter = 0
	d.Limit = 0
	for _, dim := range d.Dimensions {
		d.Allowed = d.Allowed && dim.Allowed
		if dim.Remaining < d.Remaining {
			d.Remaining = dim.Remaining
			d.Limit = dim.Capacity
		}
		d.RetryAfter = max(d.RetryAfter, dim.RetryAfter)
	}
}

// RoutePolicy overrides the multi-tier check for a single route with one
// dedicated bucket per client IP.
type RoutePolicy struct {
	KeyPrefix string
	Limit     int
	Window    time.Duration
}

// TierResolver looks up a user's subscription tier when the caller's
// identity did not carry one.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID string) (string, error)
}

type TierResolverFunc func(ctx context.Context, userID string) (string, error)

func (f TierResolverFunc) ResolveTier(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

type Option func(*Limiter)

func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.logger = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

func WithTierResolver(r TierResolver) Option {
	return func(l *Limiter) { l.tiers = r }
}

// WithStoreTimeout bounds every store round-trip. A timeout fails open.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

func WithBucketTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.bucketTTL = d
		}
	}
}

// WithMonitoring toggles per-path statistics and usage alerts.
func WithMonitoring(enabled bool) Option {
	return func(l *Limiter) { l.monitoring = enabled }
}

type Limiter struct {
	store  bucket.Store
	policy *Policy

	logger       *slog.Logger
	now          func() time.Time
	recorder     Recorder
	tiers        TierResolver
	storeTimeout time.Duration
	bucketTTL    time.Duration
	monitoring   bool
	monitor      *monitor
}

func New(store bucket.Store, policy *Policy, opts ...Option) *Limiter {
	l := &Limiter{
		store:        store,
		policy:       policy,
		logger:       logger.Discard(),
		now:          time.Now,
		recorder:     NoopRecorder{},
		storeTimeout: defaultStoreTimeout,
		bucketTTL:    bucket.DefaultTTL,
		monitoring:   true,
		monitor:      newMonitor(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Policy() *Policy { return l.policy }

// Check runs the multi-tier admission decision for req. It returns
// ErrBlacklisted for deny-listed callers; every other outcome, including a
// rejection, is reported through the Decision.
func (l *Limiter) Check(ctx context.Context, req Request) (*Decision, error) {
	start := l.now()
	pl := l.policy.plan(req.ClientIP, req.UserID, l.tierOf(ctx, req), req.Path)

	if d, done, err := l.screen(ctx, req, pl, start); done {
		return d, err
	}

	var global, user, ip, api Dimension
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		global, err = l.consume(gctx, DimensionGlobal, GlobalKey(), pl.global.params(pl.burst, l.bucketTTL))
		return err
	})
	g.Go(func() (err error) {
		ip, err = l.consume(gctx, DimensionIP, IPKey(req.ClientIP), pl.ip.params(pl.burst, l.bucketTTL))
		return err
	})
	if req.UserID != "" {
		g.Go(func() (err error) {
			user, err = l.consume(gctx, DimensionUser, UserKey(req.UserID), pl.user.params(pl.burst, l.bucketTTL))
			return err
		})
	}
	if pl.apiFound {
		g.Go(func() (err error) {
			api, err = l.consume(gctx, DimensionAPI, APIKey(pl.apiPrefix), pl.api.params(pl.burst, l.bucketTTL))
			return err
		})
	} else {
		api = unlimited(DimensionAPI)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	evaluated := []Dimension{global, ip, api}
	if req.UserID == "" {
		// Anonymous callers are limited per user by their IP bucket.
		user = ip
		user.Name = DimensionUser
	} else {
		evaluated = append(evaluated, user)
	}

	d := &Decision{
		UserTier:   pl.tier,
		Dimensions: []Dimension{global, user, ip, api},
	}
	d.aggregate()
	l.finish(ctx, req, d, evaluated, pl.alertThreshold, start)
	return d, nil
}

// CheckRoute applies a per-route override. A policy without a positive limit
// and window falls back to Check.
func (l *Limiter) CheckRoute(ctx context.Context, req Request, rp RoutePolicy) (*Decision, error) {
	if rp.Limit <= 0 || rp.Window <= 0 {
		return l.Check(ctx, req)
	}

	start := l.now()
	pl := l.policy.plan(req.ClientIP, req.UserID, l.tierOf(ctx, req), req.Path)

	if d, done, err := l.screen(ctx, req, pl, start); done {
		return d, err
	}

	key := CustomKey(req.ClientIP, rp.KeyPrefix, req.Path)
	params := limitRule{rp.Limit, rp.Window}.params(pl.burst, l.bucketTTL)
	custom, err := l.consume(ctx, DimensionCustom, key, params)
	if err != nil {
		return nil, err
	}

	d := &Decision{UserTier: pl.tier, Dimensions: []Dimension{custom}}
	d.aggregate()
	l.finish(ctx, req, d, d.Dimensions, pl.alertThreshold, start)
	return d, nil
}

// screen applies the deny-list and then the allow-list. done reports whether
// the request was settled without touching any bucket.
func (l *Limiter) screen(ctx context.Context, req Request, pl plan, start time.Time) (*Decision, bool, error) {
	switch {
	case pl.blacklisted:
		l.logger.WarnContext(ctx, "blacklisted client rejected",
			logger.ClientIP(req.ClientIP),
			slog.String("user_id", req.UserID),
			logger.Method(req.Method),
			logger.Path(req.Path),
		)
		if l.monitoring {
			l.monitor.record(req.Path, req.Method, true)
		}
		l.recorder.RecordDecision(OutcomeBlacklisted, l.now().Sub(start))
		return nil, true, ErrBlacklisted

	case pl.whitelisted:
		if l.monitoring {
			l.monitor.record(req.Path, req.Method, false)
		}
		l.recorder.RecordDecision(OutcomeWhitelisted, l.now().Sub(start))
		return &Decision{
			Allowed:     true,
			Remaining:   math.Inf(1),
			Whitelisted: true,
			UserTier:    pl.tier,
		}, true, nil
	}
	return nil, false, nil
}

// finish records the decision. evaluated lists each consumed bucket once.
func (l *Limiter) finish(ctx context.Context, req Request, d *Decision, evaluated []Dimension, threshold float64, start time.Time) {
	outcome := OutcomeAllowed
	if !d.Allowed {
		outcome = OutcomeLimited
		for _, dim := range evaluated {
			if !dim.Allowed {
				l.recorder.RecordRejection(dim.Name)
			}
		}
		l.logger.InfoContext(ctx, "rate limit exceeded",
			logger.ClientIP(req.ClientIP),
			slog.String("user_id", req.UserID),
			logger.Method(req.Method),
			logger.Path(req.Path),
			slog.Float64("retry_after", d.RetryAfter.Seconds()),
		)
	}
	l.recorder.RecordDecision(outcome, l.now().Sub(start))

	if !l.monitoring {
		return
	}
	l.monitor.record(req.Path, req.Method, !d.Allowed)

	for _, dim := range evaluated {
		usage := dim.usage()
		if dim.Unlimited || usage < threshold {
			continue
		}
		a := Alert{
			ID:        uuid.NewString(),
			Dimension: dim.Name,
			Usage:     usage,
			Path:      req.Path,
			Key:       dim.Key,
			At:        l.now(),
		}
		l.monitor.alert(a)
		l.recorder.RecordAlert(dim.Name)
		l.logger.WarnContext(ctx, "rate limit usage above threshold",
			slog.String("alert_id", a.ID),
			slog.String("dimension", a.Dimension),
			slog.String("key", a.Key),
			slog.Float64("usage", a.Usage),
			logger.Path(a.Path),
		)
	}
}

func (l *Limiter) consume(ctx context.Context, name, key string, p bucket.Params) (Dimension, error) {
	out, err := l.bucket(name, key, p).Consume(ctx, 1)
	if err != nil {
		return Dimension{}, fmt.Errorf("%s bucket: %w", name, err)
	}
	return Dimension{
		Name:       name,
		Key:        key,
		Allowed:    out.Allowed,
		Remaining:  out.Remaining,
		Capacity:   out.Capacity,
		RetryAfter: out.RetryAfter,
		FailedOpen: out.FailedOpen,
	}, nil
}

func (l *Limiter) bucket(name, key string, p bucket.Params) *bucket.TokenBucket {
	return bucket.New(l.store, key, p,
		bucket.WithTimeout(l.storeTimeout),
		bucket.WithClock(l.now),
		bucket.WithLogger(l.logger),
		bucket.WithErrorHook(func(string, error) {
			l.recorder.RecordStoreError(name)
		}),
	)
}

func (l *Limiter) tierOf(ctx context.Context, req Request) string {
	if req.UserTier != "" || req.UserID == "" || l.tiers == nil {
		return req.UserTier
	}
	tier, err := l.tiers.ResolveTier(ctx, req.UserID)
	if err != nil {
		l.logger.WarnContext(ctx, "tier lookup failed, using default tier",
			slog.String("user_id", req.UserID),
			slog.Any("error", err),
		)
		return ""
	}
	return tier
}

// BucketStatus is the read-only state of one of the caller's buckets.
type BucketStatus struct {
	Key   string `json:"key"`
	Limit int    `json:"limit"`
	bucket.Snapshot
}

// StatusReport describes the caller's standing across every dimension.
type StatusReport struct {
	ClientIP    string                  `json:"client_ip"`
	UserID      string                  `json:"user_id,omitempty"`
	UserTier    string                  `json:"user_tier,omitempty"`
	Whitelisted bool                    `json:"whitelisted"`
	Blacklisted bool                    `json:"blacklisted"`
	Buckets     map[string]BucketStatus `json:"buckets"`
}

// Status reads the caller's buckets without consuming tokens.
func (l *Limiter) Status(ctx context.Context, req Request) StatusReport {
	pl := l.policy.plan(req.ClientIP, req.UserID, l.tierOf(ctx, req), req.Path)

	rep := StatusReport{
		ClientIP:    req.ClientIP,
		UserID:      req.UserID,
		UserTier:    pl.tier,
		Whitelisted: pl.whitelisted,
		Blacklisted: pl.blacklisted,
		Buckets:     make(map[string]BucketStatus),
	}

	read := func(name, key string, rule limitRule) {
		b := l.bucket(name, key, rule.params(pl.burst, l.bucketTTL))
		rep.Buckets[name] = BucketStatus{Key: key, Limit: rule.limit, Snapshot: b.Status(ctx)}
	}
	read(DimensionGlobal, GlobalKey(), pl.global)
	read(DimensionIP, IPKey(req.ClientIP), pl.ip)
	if req.UserID != "" {
		read(DimensionUser, UserKey(req.UserID), pl.user)
	}
	if pl.apiFound {
		read(DimensionAPI, APIKey(pl.apiPrefix), pl.api)
	}
	return rep
}

// ResetUser deletes the user's bucket so the next request starts full.
func (l *Limiter) ResetUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidEntry)
	}
	return l.reset(ctx, UserKey(userID))
}

// ResetIP deletes the IP's bucket so the next request starts full.
func (l *Limiter) ResetIP(ctx context.Context, ip string) error {
	if ip == "" {
		return fmt.Errorf("%w: empty ip", ErrInvalidEntry)
	}
	return l.reset(ctx, IPKey(ip))
}

func (l *Limiter) reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	l.logger.InfoContext(ctx, "rate limit bucket reset", slog.String("key", key))
	return nil
}

func (l *Limiter) Monitoring() MonitoringSnapshot { return l.monitor.snapshot() }

func (l *Limiter) ResetMonitoring() {
	l.monitor.reset()
	l.logger.Info("rate limit monitoring reset")
}

func (l *Limiter) AddWhitelist(e Entry) error {
	return l.audit("whitelist add", e, l.policy.AddWhitelist(e))
}

func (l *Limiter) RemoveWhitelist(e Entry) error {
	return l.audit("whitelist remove", e, l.policy.RemoveWhitelist(e))
}

func (l *Limiter) AddBlacklist(e Entry) error {
	return l.audit("blacklist add", e, l.policy.AddBlacklist(e))
}

func (l *Limiter) RemoveBlacklist(e Entry) error {
	return l.audit("blacklist remove", e, l.policy.RemoveBlacklist(e))
}

func (l *Limiter) audit(op string, e Entry, err error) error {
	if err != nil {
		return err
	}
	l.logger.Info("rate limit policy changed",
		slog.String("op", op),
		slog.String("type", string(e.Type)),
		slog.String("value", e.Value),
	)
	return nil
}

// IsPolicyError reports whether err was caused by invalid admin input.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) || errors.Is(err, ErrInvalidLimit) || errors.Is(err, ErrUnknownTier)
}
