package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/schedrelay/schedrelay/internal/schedrelay"
)

const sourceNotSharedHint = "The source database could not be found. Share it with the integration and try again."

type ServerConfig struct {
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	syncer      *schedrelay.Syncer
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(syncer *schedrelay.Syncer) *Server {
	return NewServerWithConfig(syncer, ServerConfig{})
}

func NewServerWithConfig(syncer *schedrelay.Syncer, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{syncer: syncer, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "tenants" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	tenantID := parts[2]
	if strings.TrimSpace(tenantID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant id is required", correlationID)
		return
	}

	switch {
	case parts[3] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, tenantID, correlationID)
	case parts[3] == "config" && r.Method == http.MethodGet:
		s.handleGetConfig(w, tenantID, correlationID)
	case parts[3] == "config" && r.Method == http.MethodPut:
		s.handlePutConfig(w, r, tenantID, correlationID)
	case parts[3] == "bindings" && r.Method == http.MethodGet:
		s.handleBindings(w, tenantID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type syncRequest struct {
	Scope string `json:"scope"`
	Month string `json:"month,omitempty"`
}

type syncResponse struct {
	TenantID string                  `json:"tenantId"`
	Results  []schedrelay.SyncResult `json:"results"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var req syncRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx := r.Context()

	if strings.TrimSpace(req.Scope) == "all" {
		results, err := s.syncer.SyncAll(ctx, tenantID)
		if err != nil {
			s.writeSyncError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, syncResponse{TenantID: tenantID, Results: results})
		return
	}

	scope, ok := schedrelay.ParseScope(req.Scope)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown scope: "+req.Scope, correlationID)
		return
	}
	result, err := s.syncer.SyncScope(ctx, tenantID, scope, strings.TrimSpace(req.Month))
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{TenantID: tenantID, Results: []schedrelay.SyncResult{result}})
}

// writeSyncError is the single place pipeline failures become user-visible
// text. The well-known source not-found signature is rewritten into an
// actionable instruction; everything else surfaces its raw message.
func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case schedrelay.IsSourceNotFound(err):
		writeError(w, http.StatusBadGateway, "source_not_shared", sourceNotSharedHint, correlationID)
	case errors.Is(err, schedrelay.ErrConfigIncomplete):
		writeError(w, http.StatusBadRequest, "config_incomplete", err.Error(), correlationID)
	case errors.Is(err, schedrelay.ErrDestinationUnreachable):
		writeError(w, http.StatusBadGateway, "destination_unreachable", err.Error(), correlationID)
	case errors.Is(err, schedrelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error(), correlationID)
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, tenantID, correlationID string) {
	cfg, ok, err := s.syncer.Configs().Get(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "tenant not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var cfg schedrelay.TenantConfig
	if !s.decodeJSONBody(w, r, correlationID, &cfg) {
		return
	}
	if err := s.syncer.Configs().Put(tenantID, &cfg); err != nil {
		if errors.Is(err, schedrelay.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleBindings(w http.ResponseWriter, tenantID, correlationID string) {
	all, err := s.syncer.Bindings().All()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error(), correlationID)
		return
	}
	prefix := tenantID + ":"
	filtered := map[string]schedrelay.MessageBinding{}
	for key, binding := range all {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = binding
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) authorized(r *http.Request) bool {
	if strings.TrimSpace(s.cfg.AdminToken) == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(header, "Bearer ") == s.cfg.AdminToken
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
