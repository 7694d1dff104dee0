package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	redisstore "github.com/sendwealth/claw-ai-backend/internal/storage/redis"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	StorageType string `env:"STORAGE_TYPE" envDefault:"redis"`
	AdminToken  string `env:"ADMIN_TOKEN"`

	// UpstreamURL is the backend the limiter fronts. Empty serves a local
	// echo endpoint instead.
	UpstreamURL string `env:"UPSTREAM_URL"`
	// TrustIdentityHeaders accepts X-User-ID and X-User-Tier from an auth
	// gateway in front of this process.
	TrustIdentityHeaders bool `env:"TRUST_IDENTITY_HEADERS" envDefault:"false"`
	AdminRateLimit       int  `env:"ADMIN_RATE_LIMIT" envDefault:"60"`

	Log       LogConfig
	Redis     redisstore.Config
	RateLimit RateLimitConfig
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// RateLimitConfig holds the startup policy. Limits are requests per window;
// bucket capacity is limit*BurstCapacity.
type RateLimitConfig struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	GlobalLimit  int           `env:"RATE_LIMIT_GLOBAL_LIMIT" envDefault:"10000"`
	GlobalWindow time.Duration `env:"RATE_LIMIT_GLOBAL_WINDOW" envDefault:"60s"`

	UserLimits  map[string]int `env:"RATE_LIMIT_USER_LIMITS" envDefault:"free:100,professional:500,enterprise:2000"`
	UserWindow  time.Duration  `env:"RATE_LIMIT_USER_WINDOW" envDefault:"60s"`
	DefaultTier string         `env:"RATE_LIMIT_DEFAULT_TIER" envDefault:"free"`

	IPLimit  int           `env:"RATE_LIMIT_IP_LIMIT" envDefault:"200"`
	IPWindow time.Duration `env:"RATE_LIMIT_IP_WINDOW" envDefault:"60s"`

	APILimits map[string]int `env:"RATE_LIMIT_API_LIMITS" envDefault:"/api/v1/conversations:60,/api/v1/messages:120,/api/v1/knowledge:30"`
	APIWindow time.Duration  `env:"RATE_LIMIT_API_WINDOW" envDefault:"60s"`

	BurstCapacity   float64 `env:"RATE_LIMIT_BURST_CAPACITY" envDefault:"2"`
	DefaultCapacity int     `env:"RATE_LIMIT_DEFAULT_CAPACITY" envDefault:"100"`

	WhitelistIPs   []string `env:"RATE_LIMIT_WHITELIST_IPS"`
	WhitelistUsers []string `env:"RATE_LIMIT_WHITELIST_USERS"`
	BlacklistIPs   []string `env:"RATE_LIMIT_BLACKLIST_IPS"`
	BlacklistUsers []string `env:"RATE_LIMIT_BLACKLIST_USERS"`

	Monitoring     bool    `env:"RATE_LIMIT_MONITORING" envDefault:"true"`
	AlertThreshold float64 `env:"RATE_LIMIT_ALERT_THRESHOLD" envDefault:"0.9"`

	BucketTTL    time.Duration `env:"RATE_LIMIT_BUCKET_TTL" envDefault:"300s"`
	StoreTimeout time.Duration `env:"RATE_LIMIT_STORE_TIMEOUT" envDefault:"200ms"`

	SkipPaths []string `env:"RATE_LIMIT_SKIP_PATHS" envDefault:"/health,/metrics"`
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses cfg from the given variables only, ignoring the process
// environment. Unset variables take their defaults.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.StorageType {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.StorageType))
	}
	if c.UpstreamURL != "" {
		if u, err := url.Parse(c.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid upstream url %q", c.UpstreamURL))
		}
	}
	if c.AdminRateLimit < 0 {
		errs = append(errs, fmt.Errorf("admin rate limit must not be negative, got %d", c.AdminRateLimit))
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

func (c RateLimitConfig) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	window := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("global limit", c.GlobalLimit)
	positive("ip limit", c.IPLimit)
	positive("default capacity", c.DefaultCapacity)
	window("global window", c.GlobalWindow)
	window("user window", c.UserWindow)
	window("ip window", c.IPWindow)
	window("api window", c.APIWindow)

	for tier, limit := range c.UserLimits {
		positive("user limit for tier "+tier, limit)
	}
	for prefix, limit := range c.APILimits {
		positive("api limit for "+prefix, limit)
	}
	if c.DefaultTier == "" {
		errs = append(errs, errors.New("default tier must not be empty"))
	}
	if c.BurstCapacity < 1 {
		errs = append(errs, fmt.Errorf("burst capacity must be >= 1, got %g", c.BurstCapacity))
	}
	if c.AlertThreshold < 0 || c.AlertThreshold > 1 {
		errs = append(errs, fmt.Errorf("alert threshold must be within [0,1], got %g", c.AlertThreshold))
	}

	return errors.Join(errs...)
}
