package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
	"github.com/agentworkforce/relayshare/internal/replication"
	"github.com/agentworkforce/relayshare/internal/scheduler"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

type ServerConfig struct {
	JWTSecret string
	// RateLimitRPS and RateLimitBurst bound requests per bearer subject.
	// Zero RPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
}

type Deps struct {
	Store     *docstore.Store
	Sharings  *sharing.Manager
	Tokens    *sharing.TokenIssuer
	Engine    *replication.Engine
	Scheduler *scheduler.Scheduler
	// Realtime serves GET /realtime/. It authenticates its own clients.
	Realtime http.Handler
	Logger   logging.Logger
}

type Server struct {
	store     *docstore.Store
	sharings  *sharing.Manager
	tokens    *sharing.TokenIssuer
	engine    *replication.Engine
	scheduler *scheduler.Scheduler
	realtime  http.Handler
	logger    logging.Logger
	cfg       ServerConfig
	limiter   *rateLimiter
	started   time.Time
}

type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitRPS) + 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = &rateLimiter{
			limit:    rate.Limit(cfg.RateLimitRPS),
			burst:    cfg.RateLimitBurst,
			limiters: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		store:     deps.Store,
		sharings:  deps.Sharings,
		tokens:    deps.Tokens,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		realtime:  deps.Realtime,
		logger:    deps.Logger,
		cfg:       cfg,
		limiter:   limiter,
		started:   time.Now().UTC(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "req_" + uuid.NewString()
		r.Header.Set("X-Correlation-Id", correlationID)
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	path := strings.Trim(r.URL.Path, "/")
	parts := []string{}
	if path != "" {
		parts = strings.Split(path, "/")
	}
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	switch parts[0] {
	case "status":
		if len(parts) == 1 && r.Method == http.MethodGet {
			s.handleStatus(w)
			return
		}
	case "realtime":
		if len(parts) == 1 && r.Method == http.MethodGet && s.realtime != nil {
			s.realtime.ServeHTTP(w, r)
			return
		}
	case "files":
		s.routeFiles(w, r, parts[1:], correlationID)
		return
	case "data":
		s.routeData(w, r, parts[1:], correlationID)
		return
	case "sharings":
		s.routeSharings(w, r, parts[1:], correlationID)
		return
	case "auth":
		s.routeAuth(w, r, parts[1:], correlationID)
		return
	case "jobs":
		s.routeJobs(w, r, parts[1:], correlationID)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	body := map[string]any{
		"status":     "ok",
		"started_at": s.started,
	}
	if s.scheduler != nil {
		body["jobs_idle"] = s.scheduler.Idle()
	}
	writeJSON(w, http.StatusOK, body)
}

// user authenticates the instance owner's app and applies the rate limit.
func (s *Server) user(w http.ResponseWriter, r *http.Request, scope, correlationID string) (*userClaims, bool) {
	claims, authErr := authorizeUser(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.allow(w, "user:"+claims.Subject, correlationID) {
		return nil, false
	}
	return claims, true
}

// peer authenticates another member of sharingID.
func (s *Server) peer(w http.ResponseWriter, r *http.Request, sharingID, correlationID string) (*peerCaller, bool) {
	caller, authErr := s.authorizePeer(r.Header.Get("Authorization"), sharingID)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.allow(w, "peer:"+caller.clientID, correlationID) {
		return nil, false
	}
	return caller, true
}

func (s *Server) allow(w http.ResponseWriter, key, correlationID string) bool {
	if s.limiter == nil || s.limiter.allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

// writeStoreError renders the error taxonomy of the domain packages.
func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *docstore.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "revision_conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"currentRevision": conflict.CurrentRevision,
		})
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, sharing.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrNameConflict):
		writeError(w, http.StatusConflict, "name_conflict", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrMissingPrecondition):
		writeError(w, http.StatusPreconditionRequired, "precondition_required", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrContentPending):
		writeError(w, http.StatusConflict, "content_pending", err.Error(), correlationID)
	case errors.Is(err, sharing.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, sharing.ErrRevoked):
		writeError(w, http.StatusGone, "revoked", err.Error(), correlationID)
	case errors.Is(err, sharing.ErrInvalidState), errors.Is(err, docstore.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, sharing.ErrPeerNotReady), errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, docstore.ErrInvalidInput), errors.Is(err, docstore.ErrUnknownDoctype),
		errors.Is(err, sharing.ErrInvalidInput), errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, scheduler.ErrUnknownWorker):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
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

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalUint(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", raw)
	}
	return parsed, nil
}

func setETag(w http.ResponseWriter, rev string) {
	if rev != "" {
		w.Header().Set("ETag", `"`+rev+`"`)
	}
}
