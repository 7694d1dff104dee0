package limiter

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sendwealth/claw-ai-backend/config"
	"github.com/sendwealth/claw-ai-backend/internal/bucket"
)

type EntryType string

const (
	EntryIP   EntryType = "ip"
	EntryUser EntryType = "user"
)

// Entry is one allow-list or deny-list member.
type Entry struct {
	Type  EntryType `json:"type"`
	Value string    `json:"value"`
}

func (e Entry) normalize() (Entry, error) {
	e.Value = strings.TrimSpace(e.Value)
	switch {
	case e.Type != EntryIP && e.Type != EntryUser:
		return e, fmt.Errorf("%w: type %q", ErrInvalidEntry, e.Type)
	case e.Value == "":
		return e, fmt.Errorf("%w: empty value", ErrInvalidEntry)
	}
	return e, nil
}

type limitRule struct {
	limit  int
	window time.Duration
}

func (r limitRule) params(burst float64, ttl time.Duration) bucket.Params {
	return bucket.NewParams(r.limit, r.window, burst, ttl)
}

// plan is a consistent copy of everything one check needs, taken under a
// single read lock.
type plan struct {
	blacklisted bool
	whitelisted bool
	tier        string

	global limitRule
	user   limitRule
	ip     limitRule

	apiPrefix string
	api       limitRule
	apiFound  bool

	burst          float64
	alertThreshold float64
}

// Policy is the live rate limit configuration. It is created from the
// startup config and afterwards changed only through its methods.
type Policy struct {
	mu sync.RWMutex

	globalLimit  int
	globalWindow time.Duration

	userLimits      map[string]int
	userWindow      time.Duration
	defaultTier     string
	defaultCapacity int

	ipLimit  int
	ipWindow time.Duration

	apiLimits map[string]int
	apiWindow time.Duration

	burst          float64
	alertThreshold float64

	whitelist map[Entry]struct{}
	blacklist map[Entry]struct{}
}

func NewPolicy(cfg config.RateLimitConfig) *Policy {
	p := &Policy{
		globalLimit:     cfg.GlobalLimit,
		globalWindow:    cfg.GlobalWindow,
		userLimits:      maps.Clone(cfg.UserLimits),
		userWindow:      cfg.UserWindow,
		defaultTier:     cfg.DefaultTier,
		defaultCapacity: cfg.DefaultCapacity,
		ipLimit:         cfg.IPLimit,
		ipWindow:        cfg.IPWindow,
		apiLimits:       maps.Clone(cfg.APILimits),
		apiWindow:       cfg.APIWindow,
		burst:           cfg.BurstCapacity,
		alertThreshold:  cfg.AlertThreshold,
		whitelist:       make(map[Entry]struct{}),
		blacklist:       make(map[Entry]struct{}),
	}
	if p.userLimits == nil {
		p.userLimits = make(map[string]int)
	}
	if p.apiLimits == nil {
		p.apiLimits = make(map[string]int)
	}

	seed := func(set map[Entry]struct{}, typ EntryType, values []string) {
		for _, v := range values {
			if e, err := (Entry{Type: typ, Value: v}).normalize(); err == nil {
				set[e] = struct{}{}
			}
		}
	}
	seed(p.whitelist, EntryIP, cfg.WhitelistIPs)
	seed(p.whitelist, EntryUser, cfg.WhitelistUsers)
	seed(p.blacklist, EntryIP, cfg.BlacklistIPs)
	seed(p.blacklist, EntryUser, cfg.BlacklistUsers)

	return p
}

func (p *Policy) plan(ip, userID, tier, path string) plan {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pl := plan{
		blacklisted:    p.listedLocked(p.blacklist, ip, userID),
		whitelisted:    p.listedLocked(p.whitelist, ip, userID),
		global:         limitRule{p.globalLimit, p.globalWindow},
		ip:             limitRule{p.ipLimit, p.ipWindow},
		burst:          p.burst,
		alertThreshold: p.alertThreshold,
	}

	// Anonymous callers have no tier; their user dimension is the IP bucket.
	if userID != "" {
		var userLimit int
		pl.tier, userLimit = p.tierLimitLocked(tier)
		pl.user = limitRule{userLimit, p.userWindow}
	}

	if prefix, limit, ok := p.matchAPILocked(path); ok {
		pl.apiPrefix = prefix
		pl.api = limitRule{limit, p.apiWindow}
		pl.apiFound = true
	}
	return pl
}

func (p *Policy) listedLocked(set map[Entry]struct{}, ip, userID string) bool {
	if ip != "" {
		if _, ok := set[Entry{Type: EntryIP, Value: ip}]; ok {
			return true
		}
	}
	if userID != "" {
		if _, ok := set[Entry{Type: EntryUser, Value: userID}]; ok {
			return true
		}
	}
	return false
}

// tierLimitLocked maps unknown tiers to the default tier. If even the default
// tier has no limit the default capacity applies.
func (p *Policy) tierLimitLocked(tier string) (string, int) {
	if limit, ok := p.userLimits[tier]; ok {
		return tier, limit
	}
	if limit, ok := p.userLimits[p.defaultTier]; ok {
		return p.defaultTier, limit
	}
	return p.defaultTier, p.defaultCapacity
}

// matchAPILocked returns the longest configured prefix of path.
func (p *Policy) matchAPILocked(path string) (string, int, bool) {
	var (
		best  string
		limit int
		found bool
	)
	for prefix, l := range p.apiLimits {
		if strings.HasPrefix(path, prefix) && (!found || len(prefix) > len(best)) {
			best, limit, found = prefix, l, true
		}
	}
	return best, limit, found
}

// MatchAPI reports which API prefix governs path.
func (p *Policy) MatchAPI(path string) (prefix string, limit int, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.matchAPILocked(path)
}

func (p *Policy) AddWhitelist(e Entry) error { return p.add(p.whitelist, e) }

func (p *Policy) RemoveWhitelist(e Entry) error { return p.remove(p.whitelist, e) }

func (p *Policy) AddBlacklist(e Entry) error { return p.add(p.blacklist, e) }

func (p *Policy) RemoveBlacklist(e Entry) error { return p.remove(p.blacklist, e) }

func (p *Policy) Whitelist() []Entry { return p.list(p.whitelist) }

func (p *Policy) Blacklist() []Entry { return p.list(p.blacklist) }

func (p *Policy) add(set map[Entry]struct{}, e Entry) error {
	e, err := e.normalize()
	if err != nil {
		return err
	}
	p.mu.Lock()
	set[e] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *Policy) remove(set map[Entry]struct{}, e Entry) error {
	e, err := e.normalize()
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(set, e)
	p.mu.Unlock()
	return nil
}

func (p *Policy) list(set map[Entry]struct{}) []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedEntries(set)
}

// sortedEntries must be called with p.mu held.
func sortedEntries(set map[Entry]struct{}) []Entry {
	out := slices.Collect(maps.Keys(set))
	slices.SortFunc(out, compareEntries)
	if out == nil {
		out = []Entry{}
	}
	return out
}

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.Value, b.Value)
}

// SetTierLimit changes the per-window limit of an existing tier.
func (p *Policy) SetTierLimit(tier string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.userLimits[tier]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	p.userLimits[tier] = limit
	return nil
}

// SetAPILimit adds or replaces the limit for an API path prefix.
func (p *Policy) SetAPILimit(prefix string, limit int) error {
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("%w: api prefix %q must start with /", ErrInvalidEntry, prefix)
	}
	if limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	p.mu.Lock()
	p.apiLimits[prefix] = limit
	p.mu.Unlock()
	return nil
}

// PolicySnapshot is the admin view of the policy. Windows are in seconds.
type PolicySnapshot struct {
	GlobalLimit     int            `json:"global_limit"`
	GlobalWindow    float64        `json:"global_window"`
	UserLimits      map[string]int `json:"user_limits"`
	UserWindow      float64        `json:"user_window"`
	DefaultTier     string         `json:"default_tier"`
	DefaultCapacity int            `json:"default_capacity"`
	IPLimit         int            `json:"ip_limit"`
	IPWindow        float64        `json:"ip_window"`
	APILimits       map[string]int `json:"api_limits"`
	APIWindow       float64        `json:"api_window"`
	BurstCapacity   float64        `json:"burst_capacity"`
	AlertThreshold  float64        `json:"alert_threshold"`
	Whitelist       []Entry        `json:"whitelist"`
	Blacklist       []Entry        `json:"blacklist"`
}

func (p *Policy) Snapshot() PolicySnapshot {
	p.mu.RLock()
	s := PolicySnapshot{
		GlobalLimit:     p.globalLimit,
		GlobalWindow:    p.globalWindow.Seconds(),
		UserLimits:      maps.Clone(p.userLimits),
		UserWindow:      p.userWindow.Seconds(),
		DefaultTier:     p.defaultTier,
		DefaultCapacity: p.defaultCapacity,
		IPLimit:         p.ipLimit,
		IPWindow:        p.ipWindow.Seconds(),
		APILimits:       maps.Clone(p.apiLimits),
		APIWindow:       p.apiWindow.Seconds(),
		BurstCapacity:   p.burst,
		AlertThreshold:  p.alertThreshold,
		Whitelist:       sortedEntries(p.whitelist),
		Blacklist:       sortedEntries(p.blacklist),
	}
	p.mu.RUnlock()
	return s
}
