package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "redis", cfg.StorageType)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.ConnectionURL)
	assert.Equal(t, 3, cfg.Redis.RetryAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.TrustIdentityHeaders)
	assert.Equal(t, 60, cfg.AdminRateLimit)

	rl := cfg.RateLimit
	assert.True(t, rl.Enabled)
	assert.Equal(t, 10000, rl.GlobalLimit)
	assert.Equal(t, time.Minute, rl.GlobalWindow)
	assert.Equal(t, map[string]int{"free": 100, "professional": 500, "enterprise": 2000}, rl.UserLimits)
	assert.Equal(t, 200, rl.IPLimit)
	assert.Equal(t, map[string]int{
		"/api/v1/conversations": 60,
		"/api/v1/messages":      120,
		"/api/v1/knowledge":     30,
	}, rl.APILimits)
	assert.Equal(t, 2.0, rl.BurstCapacity)
	assert.Equal(t, 100, rl.DefaultCapacity)
	assert.Equal(t, "free", rl.DefaultTier)
	assert.Equal(t, 0.9, rl.AlertThreshold)
	assert.True(t, rl.Monitoring)
	assert.Equal(t, 300*time.Second, rl.BucketTTL)
	assert.Equal(t, 200*time.Millisecond, rl.StoreTimeout)
	assert.Equal(t, []string{"/health", "/metrics"}, rl.SkipPaths)
	assert.Empty(t, rl.WhitelistIPs)
	assert.Empty(t, rl.BlacklistUsers)
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"STORAGE_TYPE":               "memory",
		"RATE_LIMIT_ENABLED":         "false",
		"RATE_LIMIT_USER_LIMITS":     "free:10,team:50",
		"RATE_LIMIT_API_LIMITS":      "/api/v2/search:5",
		"RATE_LIMIT_BLACKLIST_IPS":   "198.51.100.1,198.51.100.2",
		"RATE_LIMIT_WHITELIST_USERS": "ops",
		"RATE_LIMIT_GLOBAL_WINDOW":   "30s",
		"RATE_LIMIT_BURST_CAPACITY":  "1.5",
		"UPSTREAM_URL":               "http://backend:8000",
		"LOG_FORMAT":                 "text",
	})
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StorageType)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, map[string]int{"free": 10, "team": 50}, cfg.RateLimit.UserLimits)
	assert.Equal(t, map[string]int{"/api/v2/search": 5}, cfg.RateLimit.APILimits)
	assert.Equal(t, []string{"198.51.100.1", "198.51.100.2"}, cfg.RateLimit.BlacklistIPs)
	assert.Equal(t, []string{"ops"}, cfg.RateLimit.WhitelistUsers)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.GlobalWindow)
	assert.Equal(t, 1.5, cfg.RateLimit.BurstCapacity)
	assert.Equal(t, "http://backend:8000", cfg.UpstreamURL)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown storage", map[string]string{"STORAGE_TYPE": "etcd"}},
		{"zero global limit", map[string]string{"RATE_LIMIT_GLOBAL_LIMIT": "0"}},
		{"negative ip window", map[string]string{"RATE_LIMIT_IP_WINDOW": "-1s"}},
		{"burst below one", map[string]string{"RATE_LIMIT_BURST_CAPACITY": "0.5"}},
		{"threshold above one", map[string]string{"RATE_LIMIT_ALERT_THRESHOLD": "1.5"}},
		{"non-positive tier limit", map[string]string{"RATE_LIMIT_USER_LIMITS": "free:0"}},
		{"relative upstream", map[string]string{"UPSTREAM_URL": "backend:8000/api"}},
		{"negative admin limit", map[string]string{"ADMIN_RATE_LIMIT": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadFromParseError(t *testing.T) {
	_, err := LoadFrom(map[string]string{"RATE_LIMIT_GLOBAL_LIMIT": "lots"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RATE_LIMIT_IP_LIMIT=42\nSTORAGE_TYPE=memory\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() {
		os.Unsetenv("RATE_LIMIT_IP_LIMIT")
		os.Unsetenv("STORAGE_TYPE")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.RateLimit.IPLimit)
	assert.Equal(t, "memory", cfg.StorageType)
}
