package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/ingest"
	"github.com/agentworkforce/pulserelay/internal/registrar"
	"github.com/agentworkforce/pulserelay/internal/session"
	"github.com/agentworkforce/pulserelay/internal/userstate"
)

const (
	webhookPath      = "/v1/webhooks/whoop"
	registrationPath = "/v1/webhooks/registrations"
	streamPath       = "/v1/stream"
	maxRateEntries   = 4096
)

type ServerConfig struct {
	SignatureHeader string
	// PublicBaseURL is where the provider can reach this service. Registration
	// is refused while it is empty.
	PublicBaseURL   string
	MaxBodyBytes    int64
	ReadJWTSecret   string
	AllowedOrigins  []string
	WSWriteTimeout  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type StateReader interface {
	Get(userID string) (userstate.UserState, bool)
}

type WebhookRegistrar interface {
	Register(ctx context.Context, accessToken, callbackURL string) (registrar.Receipt, error)
}

type Deps struct {
	Pipeline  *ingest.Pipeline
	States    StateReader
	Sessions  *session.Registry
	Registrar WebhookRegistrar
	Logger    *zap.Logger
}

type Server struct {
	pipeline    *ingest.Pipeline
	states      StateReader
	sessions    *session.Registry
	registrar   WebhookRegistrar
	logger      *zap.Logger
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler

	// streamsMu orders stream admission against CloseStreams so no Add
	// happens once the wait has begun.
	streamsMu   sync.Mutex
	streams     sync.WaitGroup
	streamsCtx  context.Context
	stopStreams context.CancelFunc
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

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if strings.TrimSpace(cfg.SignatureHeader) == "" {
		cfg.SignatureHeader = "X-Whoop-Signature"
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WSWriteTimeout <= 0 {
		cfg.WSWriteTimeout = 5 * time.Second
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	streamsCtx, stopStreams := context.WithCancel(context.Background())
	return &Server{
		streamsCtx:  streamsCtx,
		stopStreams: stopStreams,
		pipeline:    deps.Pipeline,
		states:      deps.States,
		sessions:    deps.Sessions,
		registrar:   deps.Registrar,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     promhttp.Handler(),
	}
}

// CloseStreams ends every open stream and waits for their handlers. Hijacked
// websocket connections are not covered by http.Server.Shutdown.
func (s *Server) CloseStreams() {
	s.streamsMu.Lock()
	s.stopStreams()
	s.streamsMu.Unlock()
	s.streams.Wait()
}

// trackStream counts a new stream handler, or reports false once
// CloseStreams has been called.
func (s *Server) trackStream() bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streamsCtx.Err() != nil {
		return false
	}
	s.streams.Add(1)
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == webhookPath && r.Method == http.MethodPost:
		s.handleWebhook(w, r, correlationID)
		return
	case r.URL.Path == registrationPath && r.Method == http.MethodPost:
		s.handleRegistration(w, r, correlationID)
		return
	case r.URL.Path == streamPath && r.Method == http.MethodGet:
		s.handleStream(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" && parts[2] != "" && r.Method == http.MethodGet {
		switch parts[3] {
		case "state":
			s.handleUserState(w, r, parts[2], correlationID, true)
			return
		case "metrics":
			s.handleUserState(w, r, parts[2], correlationID, false)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	ctx := ingest.WithCorrelationID(r.Context(), correlationID)
	out := s.pipeline.Process(ctx, body, r.Header.Get(s.cfg.SignatureHeader))
	if out.Status >= http.StatusBadRequest {
		writeError(w, out.Status, out.Code, out.Message, correlationID)
		return
	}
	writeJSON(w, out.Status, map[string]any{
		"status":        out.Code,
		"correlationId": correlationID,
	})
}

func (s *Server) handleUserState(w http.ResponseWriter, r *http.Request, userID, correlationID string, withState bool) {
	if s.cfg.ReadJWTSecret != "" {
		raw, authErr := bearerToken(r.Header.Get("Authorization"))
		if authErr == nil {
			authErr = authorizeRead(raw, s.cfg.ReadJWTSecret, userID, time.Now().UTC())
		}
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	state, ok := s.states.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "user state not found", correlationID)
		return
	}
	derived := userstate.Derive(state)
	if !withState {
		writeJSON(w, http.StatusOK, derived)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   state,
		"derived": derived,
	})
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request, correlationID string) {
	token, authErr := bearerToken(r.Header.Get("Authorization"))
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.registrar == nil || s.cfg.PublicBaseURL == "" {
		writeError(w, http.StatusServiceUnavailable, "registration_unconfigured", "public base url is not configured", correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	receipt, err := s.registrar.Register(r.Context(), token, s.cfg.PublicBaseURL+webhookPath)
	if err != nil {
		var regErr *registrar.RegistrationError
		switch {
		case errors.As(err, &regErr):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":           "registration_failed",
				"message":        "provider rejected the registration",
				"correlationId":  correlationID,
				"providerStatus": regErr.StatusCode,
				"providerBody":   regErr.Body,
			})
		case errors.Is(err, registrar.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			s.logger.Warn("webhook registration failed", zap.String("correlation_id", correlationID), zap.Error(err))
			writeError(w, http.StatusBadGateway, "registration_failed", "provider unreachable", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

	if len(r.entries) > maxRateEntries {
		for k, e := range r.entries {
			if now.After(e.resetAt) {
				delete(r.entries, k)
			}
		}
	}
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
