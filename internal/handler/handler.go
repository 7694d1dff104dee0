package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sendwealth/claw-ai-backend/internal/limiter"
	"github.com/sendwealth/claw-ai-backend/internal/logger"
	"github.com/sendwealth/claw-ai-backend/internal/middleware"
)

const AdminPrefix = "/admin/rate-limit"

type AdminHandler struct {
	limiter *limiter.Limiter
	logger  *slog.Logger
	token   string
}

// NewAdminHandler serves the rate limit admin API. An empty token leaves the
// API unauthenticated.
func NewAdminHandler(l *limiter.Limiter, log *slog.Logger, token string) *AdminHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &AdminHandler{limiter: l, logger: log, token: token}
}

// Register mounts the admin routes under AdminPrefix on mux, wrapped by mws
// in order.
func (h *AdminHandler) Register(mux *http.ServeMux, mws ...func(http.Handler) http.Handler) {
	routes := map[string]http.HandlerFunc{
		"GET /config":              h.GetConfig,
		"PUT /config/tiers/{tier}": h.SetTierLimit,
		"PUT /config/api":          h.SetAPILimit,
		"GET /monitor":             h.GetMonitoring,
		"DELETE /monitor":          h.ResetMonitoring,
		"GET /status":              h.GetStatus,
		"GET /whitelist":           h.listEntries(h.limiter.Policy().Whitelist),
		"POST /whitelist":          h.changeEntry("whitelist", h.limiter.AddWhitelist, http.StatusCreated),
		"DELETE /whitelist":        h.changeEntry("whitelist", h.limiter.RemoveWhitelist, http.StatusOK),
		"GET /blacklist":           h.listEntries(h.limiter.Policy().Blacklist),
		"POST /blacklist":          h.changeEntry("blacklist", h.limiter.AddBlacklist, http.StatusCreated),
		"DELETE /blacklist":        h.changeEntry("blacklist", h.limiter.RemoveBlacklist, http.StatusOK),
		"POST /reset":              h.Reset,
	}
	// The admin subtree is owned by its own mux so a method mismatch gets a
	// 405 and an unknown path a 404 instead of reaching the outer catch-all.
	admin := http.NewServeMux()
	for pattern, fn := range routes {
		method, path, _ := strings.Cut(pattern, " ")
		admin.HandleFunc(method+" "+AdminPrefix+path, fn)
	}

	var wrapped http.Handler = h.authorize(admin.ServeHTTP)
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	mux.Handle(AdminPrefix+"/", wrapped)
}

func (h *AdminHandler) authorize(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid admin token")
				return
			}
		}
		next(w, r)
	})
}

func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.limiter.Policy().Snapshot())
}

type limitRequest struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit"`
}

func (h *AdminHandler) SetTierLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !decode(w, r, &req) {
		return
	}
	tier := r.PathValue("tier")
	if err := h.limiter.Policy().SetTierLimit(tier, req.Limit); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "tier limit changed", slog.String("tier", tier), slog.Int("limit", req.Limit))
	writeJSON(w, http.StatusOK, h.limiter.Policy().Snapshot())
}

func (h *AdminHandler) SetAPILimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.limiter.Policy().SetAPILimit(req.Prefix, req.Limit); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "api limit changed", slog.String("prefix", req.Prefix), slog.Int("limit", req.Limit))
	writeJSON(w, http.StatusOK, h.limiter.Policy().Snapshot())
}

func (h *AdminHandler) GetMonitoring(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.limiter.Monitoring())
}

func (h *AdminHandler) ResetMonitoring(w http.ResponseWriter, r *http.Request) {
	h.limiter.ResetMonitoring()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GetStatus reports the caller's buckets. Admins may inspect another client
// with the ip, user_id, tier and path query parameters.
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := limiter.Request{
		Method:   http.MethodGet,
		Path:     q.Get("path"),
		ClientIP: q.Get("ip"),
		UserID:   q.Get("user_id"),
		UserTier: q.Get("tier"),
	}
	if req.ClientIP == "" {
		req.ClientIP = middleware.ClientIP(r)
	}
	if req.UserID == "" {
		if id, ok := middleware.IdentityFrom(r.Context()); ok {
			req.UserID, req.UserTier = id.UserID, id.Tier
		}
	}
	writeJSON(w, http.StatusOK, h.limiter.Status(r.Context(), req))
}

func (h *AdminHandler) listEntries(list func() []limiter.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]limiter.Entry{"entries": list()})
	}
}

func (h *AdminHandler) changeEntry(name string, apply func(limiter.Entry) error, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e limiter.Entry
		if !decode(w, r, &e) {
			return
		}
		if err := apply(e); err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, status, map[string]any{"list": name, "entry": e})
	}
}

type resetRequest struct {
	Type       limiter.EntryType `json:"type"`
	Identifier string            `json:"identifier"`
}

func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}

	var err error
	switch req.Type {
	case limiter.EntryUser:
		err = h.limiter.ResetUser(r.Context(), req.Identifier)
	case limiter.EntryIP:
		err = h.limiter.ResetIP(r.Context(), req.Identifier)
	default:
		writeError(w, http.StatusBadRequest, "Bad Request", `type must be "user" or "ip"`)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "type": string(req.Type), "identifier": req.Identifier})
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if limiter.IsPolicyError(err) {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "admin request failed", logger.Error(err), logger.Path(r.URL.Path))
	writeError(w, http.StatusInternalServerError, "Internal Server Error", "the operation could not be completed")
}

// HealthHandler reports liveness. The store probe only downgrades the status
// to "degraded" since requests are still admitted while the store is down.
func HealthHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"status": "ok",
			"store":  "ok",
			"time":   time.Now().Format(time.RFC3339),
		}
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				response["status"] = "degraded"
				response["store"] = "unavailable"
			}
		}
		writeJSON(w, http.StatusOK, response)
	}
}

// EchoHandler answers for the protected API when no upstream is configured.
func EchoHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"message":   "Hello! Your request was successful.",
		"path":      r.URL.Path,
		"client_ip": middleware.ClientIP(r),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if id, ok := middleware.IdentityFrom(r.Context()); ok {
		response["user_id"] = id.UserID
	}
	writeJSON(w, http.StatusOK, response)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "request body too large"
		}
		writeError(w, http.StatusBadRequest, "Bad Request", msg)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, map[string]string{"error": title, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
