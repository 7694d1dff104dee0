package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendwealth/claw-ai-backend/config"
	"github.com/sendwealth/claw-ai-backend/internal/limiter"
	"github.com/sendwealth/claw-ai-backend/internal/storage/memory"
)

func newTestServer(t *testing.T, token string) (*http.ServeMux, *limiter.Limiter) {
	t.Helper()
	cfg := config.RateLimitConfig{
		GlobalLimit:     1000,
		GlobalWindow:    time.Minute,
		UserLimits:      map[string]int{"free": 100, "professional": 500, "enterprise": 2000},
		UserWindow:      time.Minute,
		DefaultTier:     "free",
		DefaultCapacity: 100,
		IPLimit:         2,
		IPWindow:        time.Minute,
		APILimits:       map[string]int{"/api/v1/messages": 120},
		APIWindow:       time.Minute,
		BurstCapacity:   1,
		AlertThreshold:  0.9,
	}
	l := limiter.New(memory.NewMemoryStore(), limiter.NewPolicy(cfg))
	mux := http.NewServeMux()
	NewAdminHandler(l, nil, token).Register(mux)
	return mux, l
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestAdminAuthorization(t *testing.T) {
	mux, _ := newTestServer(t, "s3cret")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"valid token", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			rec := do(t, mux, http.MethodGet, AdminPrefix+"/config", "", headers...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminConfig(t *testing.T) {
	mux, l := newTestServer(t, "")

	rec := do(t, mux, http.MethodGet, AdminPrefix+"/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap limiter.PolicySnapshot
	decodeBody(t, rec, &snap)
	assert.Equal(t, 1000, snap.GlobalLimit)
	assert.Equal(t, 60.0, snap.GlobalWindow)
	assert.Equal(t, 100, snap.UserLimits["free"])

	rec = do(t, mux, http.MethodPut, AdminPrefix+"/config/tiers/free", `{"limit": 50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, l.Policy().Snapshot().UserLimits["free"])

	rec = do(t, mux, http.MethodPut, AdminPrefix+"/config/tiers/platinum", `{"limit": 50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPut, AdminPrefix+"/config/tiers/free", `{"limit": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPut, AdminPrefix+"/config/api", `{"prefix": "/api/v1/export", "limit": 5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	prefix, limit, ok := l.Policy().MatchAPI("/api/v1/export/1")
	assert.True(t, ok)
	assert.Equal(t, "/api/v1/export", prefix)
	assert.Equal(t, 5, limit)

	rec = do(t, mux, http.MethodPut, AdminPrefix+"/config/api", `{"prefix": "/x", "limit": 5, "extra": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = do(t, mux, http.MethodPut, AdminPrefix+"/config/api", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminLists(t *testing.T) {
	mux, l := newTestServer(t, "")

	rec := do(t, mux, http.MethodPost, AdminPrefix+"/blacklist", `{"type": "ip", "value": "198.51.100.7"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	_, err := l.Check(context.Background(), limiter.Request{Path: "/", ClientIP: "198.51.100.7"})
	assert.ErrorIs(t, err, limiter.ErrBlacklisted)

	rec = do(t, mux, http.MethodGet, AdminPrefix+"/blacklist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Entries []limiter.Entry `json:"entries"`
	}
	decodeBody(t, rec, &list)
	assert.Equal(t, []limiter.Entry{{Type: limiter.EntryIP, Value: "198.51.100.7"}}, list.Entries)

	rec = do(t, mux, http.MethodDelete, AdminPrefix+"/blacklist", `{"type": "ip", "value": "198.51.100.7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, l.Policy().Blacklist())

	rec = do(t, mux, http.MethodPost, AdminPrefix+"/whitelist", `{"type": "user", "value": "ops"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []limiter.Entry{{Type: limiter.EntryUser, Value: "ops"}}, l.Policy().Whitelist())

	rec = do(t, mux, http.MethodPost, AdminPrefix+"/whitelist", `{"type": "email", "value": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodGet, AdminPrefix+"/whitelist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	assert.Len(t, list.Entries, 1)
}

func TestAdminResetAndStatus(t *testing.T) {
	mux, l := newTestServer(t, "")
	ctx := context.Background()
	req := limiter.Request{Method: "GET", Path: "/api/v1/messages", ClientIP: "10.0.0.1"}

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, req)
		require.NoError(t, err)
	}
	d, err := l.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	rec := do(t, mux, http.MethodGet, AdminPrefix+"/status?ip=10.0.0.1&path=/api/v1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep limiter.StatusReport
	decodeBody(t, rec, &rep)
	assert.Equal(t, "10.0.0.1", rep.ClientIP)
	assert.InDelta(t, 0.0, rep.Buckets[limiter.DimensionIP].Tokens, 0.01)
	assert.Contains(t, rep.Buckets, limiter.DimensionAPI)

	rec = do(t, mux, http.MethodPost, AdminPrefix+"/reset", `{"type": "ip", "identifier": "10.0.0.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	d, err = l.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec = do(t, mux, http.MethodPost, AdminPrefix+"/reset", `{"type": "user", "identifier": "u1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodPost, AdminPrefix+"/reset", `{"type": "tenant", "identifier": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, AdminPrefix+"/reset", `{"type": "user", "identifier": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminMonitoring(t *testing.T) {
	mux, l := newTestServer(t, "")

	for i := 0; i < 3; i++ {
		_, err := l.Check(context.Background(), limiter.Request{Method: "POST", Path: "/api/v1/messages", ClientIP: "10.0.0.2"})
		require.NoError(t, err)
	}

	rec := do(t, mux, http.MethodGet, AdminPrefix+"/monitor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap limiter.MonitoringSnapshot
	decodeBody(t, rec, &snap)
	stats := snap.Paths["/api/v1/messages"]
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
	assert.Equal(t, limiter.MethodStats{Total: 3, Blocked: 1}, stats.Methods["POST"])
	assert.NotEmpty(t, snap.Alerts)

	rec = do(t, mux, http.MethodDelete, AdminPrefix+"/monitor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, l.Monitoring().Paths)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		ping   func(context.Context) error
		status string
		store  string
	}{
		{"no ping", nil, "ok", "ok"},
		{"store up", func(context.Context) error { return nil }, "ok", "ok"},
		{"store down", func(context.Context) error { return errors.New("down") }, "degraded", "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, HealthHandler(tt.ping), http.MethodGet, "/health", "")
			require.Equal(t, http.StatusOK, rec.Code)

			var body map[string]string
			decodeBody(t, rec, &body)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.store, body["store"])
			_, err := time.Parse(time.RFC3339, body["time"])
			assert.NoError(t, err)
		})
	}
}

func TestRegisterAppliesMiddleware(t *testing.T) {
	_, l := newTestServer(t, "")
	mux := http.NewServeMux()
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Add("X-Chain", name)
				next.ServeHTTP(w, r)
			})
		}
	}
	NewAdminHandler(l, nil, "").Register(mux, tag("outer"), tag("inner"))

	rec := do(t, mux, http.MethodGet, AdminPrefix+"/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"outer", "inner"}, rec.Header().Values("X-Chain"))
}

func TestAdminSubtreeRejectsUnknownRoutes(t *testing.T) {
	mux, _ := newTestServer(t, "")
	mux.HandleFunc("/", EchoHandler)

	rec := do(t, mux, http.MethodPost, AdminPrefix+"/config", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodGet)

	rec = do(t, mux, http.MethodGet, AdminPrefix+"/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/v1/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code, "paths outside the admin subtree still reach the catch-all")
}

func TestEchoHandler(t *testing.T) {
	rec := do(t, http.HandlerFunc(EchoHandler), http.MethodGet, "/api/v1/messages", "", "X-Real-IP", "203.0.113.9")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "/api/v1/messages", body["path"])
	assert.Equal(t, "203.0.113.9", body["client_ip"])
}
