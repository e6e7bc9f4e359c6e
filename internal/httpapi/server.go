// Package httpapi exposes one engine to operators over HTTP: the override
// list, batch apply, removal and renewal, the keep/reset decision, the
// operator session, a WebSocket event stream and the broadcast relay.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaylevel/internal/engine"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
	"github.com/agentworkforce/relaylevel/internal/remote"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Broadcast serves GET /v1/broadcast when set.
	Broadcast *pubsub.Hub
	Logger    zerolog.Logger
}

type Server struct {
	engine      *engine.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      zerolog.Logger
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

func NewServer(e *engine.Engine) *Server {
	return NewServerWithConfig(e, ServerConfig{})
}

func NewServerWithConfig(e *engine.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
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
	return &Server{
		engine:      e,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"tabId":  s.engine.TabID(),
			"demo":   s.engine.Demo(),
		})
		return
	}
	if r.URL.Path == "/" || r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var scopes []string
	var route string
	websocketRoute := false
	switch {
	case len(parts) == 2 && parts[1] == "overrides" && r.Method == http.MethodGet:
		scopes, route = []string{scopeRead, scopeWrite}, "list"
	case len(parts) == 2 && parts[1] == "overrides" && r.Method == http.MethodPost:
		scopes, route = []string{scopeWrite}, "apply"
	case len(parts) == 3 && parts[1] == "overrides" && parts[2] == "renew" && r.Method == http.MethodPost:
		scopes, route = []string{scopeWrite}, "renew"
	case len(parts) == 3 && parts[1] == "overrides" && r.Method == http.MethodGet:
		scopes, route = []string{scopeRead, scopeWrite}, "get"
	case len(parts) == 3 && parts[1] == "overrides" && r.Method == http.MethodDelete:
		scopes, route = []string{scopeWrite}, "remove"
	case len(parts) == 4 && parts[1] == "services" && parts[3] == "override" && r.Method == http.MethodDelete:
		scopes, route = []string{scopeWrite}, "remove_service"
	case len(parts) == 2 && parts[1] == "decision" && r.Method == http.MethodGet:
		scopes, route = []string{scopeRead, scopeWrite}, "decision"
	case len(parts) == 2 && parts[1] == "decision" && r.Method == http.MethodPost:
		scopes, route = []string{scopeWrite}, "resolve"
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodGet:
		scopes, route = []string{scopeRead, scopeWrite}, "session"
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodPost:
		scopes, route = []string{scopeWrite}, "begin_session"
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodDelete:
		scopes, route = []string{scopeWrite}, "end_session"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		scopes, route = []string{scopeWrite, scopeSync}, "sync"
	case len(parts) == 2 && parts[1] == "queue" && r.Method == http.MethodGet:
		scopes, route = []string{scopeRead, scopeWrite}, "queue"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		scopes, route, websocketRoute = []string{scopeRead, scopeWrite}, "stream", true
	case len(parts) == 2 && parts[1] == "broadcast" && r.Method == http.MethodGet && s.cfg.Broadcast != nil:
		scopes, route, websocketRoute = []string{scopeSync, scopeWrite}, "broadcast", true
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if websocketRoute && authHeader == "" {
		// Browsers cannot set headers on a WebSocket handshake.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, time.Now().UTC(), scopes...)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		if !websocketRoute {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		correlationID = "corr_" + uuid.NewString()
	}
	if s.rateLimiter != nil && !websocketRoute {
		if !s.rateLimiter.allow(claims.Operator, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list":
		s.handleList(w, correlationID)
	case "apply":
		s.handleApply(w, r, correlationID)
	case "renew":
		s.handleRenew(w, r, correlationID)
	case "get":
		s.handleGet(w, parts[2], correlationID)
	case "remove":
		s.handleRemove(w, r, parts[2], correlationID)
	case "remove_service":
		s.handleRemoveService(w, r, parts[2], correlationID)
	case "decision":
		writeJSON(w, http.StatusOK, s.engine.Decision())
	case "resolve":
		s.handleResolve(w, r, correlationID)
	case "session":
		s.handleSession(w)
	case "begin_session":
		s.handleBeginSession(w, r, claims, correlationID)
	case "end_session":
		s.engine.EndSession()
		s.handleSession(w)
	case "sync":
		s.handleSync(w, r, correlationID)
	case "queue":
		s.handleQueue(w, r)
	case "stream":
		s.handleStream(w, r, correlationID)
	case "broadcast":
		s.cfg.Broadcast.ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type overrideView struct {
	override.Override
	IsExpiringSoon    bool    `json:"isExpiringSoon"`
	RemainingMs       int64   `json:"remainingMs"`
	RemainingFraction float64 `json:"remainingFraction"`
}

func viewsOf(entries []override.Override, now time.Time) []overrideView {
	views := make([]overrideView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, overrideView{
			Override:          entry,
			IsExpiringSoon:    entry.IsExpiringSoon,
			RemainingMs:       entry.Remaining(now).Milliseconds(),
			RemainingFraction: entry.RemainingFraction(now),
		})
	}
	return views
}

type listResponse struct {
	Overrides []overrideView  `json:"overrides"`
	Alerting  bool            `json:"alerting"`
	Decision  engine.Decision `json:"decision"`
	Now       int64           `json:"now"`
}

func (s *Server) handleList(w http.ResponseWriter, _ string) {
	entries := s.engine.Snapshot()
	now := s.engine.Now()
	alerting := false
	for _, entry := range entries {
		if entry.IsExpiringSoon {
			alerting = true
			break
		}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Overrides: viewsOf(entries, now),
		Alerting:  alerting,
		Decision:  s.engine.Decision(),
		Now:       now.UnixMilli(),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, id, correlationID string) {
	entry, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf([]override.Override{entry}, s.engine.Now())[0])
}

type applyRequest struct {
	Services   []engine.ServiceRef `json:"services"`
	EnvID      string              `json:"envId"`
	Level      string              `json:"level"`
	DurationMs int64               `json:"durationMs"`
}

type applyResponse struct {
	Created []overrideView `json:"created"`
	Failed  []string       `json:"failed"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req applyRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	level, err := override.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	result, err := s.engine.Apply(r.Context(), engine.ApplyRequest{
		Services: req.Services,
		EnvID:    strings.TrimSpace(req.EnvID),
		Level:    level,
		Duration: time.Duration(req.DurationMs) * time.Millisecond,
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, applyResponse{
		Created: viewsOf(result.Created, s.engine.Now()),
		Failed:  result.Failed,
	})
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type overridesResponse struct {
	Overrides []overrideView `json:"overrides"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req idsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids are required", correlationID)
		return
	}
	renewed, err := s.engine.Renew(r.Context(), req.IDs...)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, overridesResponse{Overrides: viewsOf(renewed, s.engine.Now())})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	removed, err := s.engine.Remove(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, overridesResponse{Overrides: viewsOf(removed, s.engine.Now())})
}

func (s *Server) handleRemoveService(w http.ResponseWriter, r *http.Request, serviceID, correlationID string) {
	envID := strings.TrimSpace(r.URL.Query().Get("envId"))
	removed, err := s.engine.RemoveService(r.Context(), serviceID, envID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, overridesResponse{Overrides: viewsOf(removed, s.engine.Now())})
}

type resolveRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req resolveRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	action, err := engine.ParseDecisionAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	result, err := s.engine.ResolveDecision(r.Context(), action)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":    result.Action,
		"cycle":     result.Cycle,
		"overrides": viewsOf(result.Overrides, s.engine.Now()),
		"decision":  s.engine.Decision(),
	})
}

type sessionResponse struct {
	Active  bool            `json:"active"`
	Session *engine.Session `json:"session,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter) {
	session, active := s.engine.Session()
	resp := sessionResponse{Active: active}
	if active {
		resp.Session = &session
	}
	writeJSON(w, http.StatusOK, resp)
}

type beginSessionRequest struct {
	Operator string `json:"operator"`
}

// handleBeginSession starts the operator session for as long as the
// presented token stays valid.
func (s *Server) handleBeginSession(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req beginSessionRequest
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = claims.Operator
	}
	if err := s.engine.BeginSession(operator, claims.Expiry()); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	s.handleSession(w)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.engine.Resync(r.Context()); err != nil {
		if errors.Is(err, override.ErrMalformedSnapshot) {
			writeError(w, http.StatusUnprocessableEntity, "malformed_snapshot", err.Error(), correlationID)
			return
		}
		s.writeEngineError(w, err, correlationID)
		return
	}
	s.handleList(w, correlationID)
}

type queueResponse struct {
	Depth    int           `json:"depth"`
	Capacity int           `json:"capacity"`
	Tasks    []remote.Task `json:"tasks"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue := s.engine.Worker().Queue()
	tasks := queue.Snapshot()
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	writeJSON(w, http.StatusOK, queueResponse{
		Depth:    queue.Depth(),
		Capacity: queue.Capacity(),
		Tasks:    tasks,
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, override.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, override.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, engine.ErrSessionInactive):
		writeError(w, http.StatusConflict, "session_inactive", err.Error(), correlationID)
	case errors.Is(err, engine.ErrNoPendingDecision):
		writeError(w, http.StatusConflict, "no_pending_decision", err.Error(), correlationID)
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
