// Package http is the factory's single HTTP surface: the per-token
// webhook entry point, the health probe, the widget dashboard, and the
// admin-gated funnel analytics API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modularbot/bot-factory/internal/application/analytics"
	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/telegram"
	"github.com/modularbot/bot-factory/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 5000).
	Port int

	// ReadTimeout - maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout - maximum duration for writing the response.
	WriteTimeout time.Duration

	// IdleTimeout - maximum duration for idle connections.
	IdleTimeout time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// APIRateLimit - requests per minute per IP on /api routes
	// (0 = disabled). The webhook path is never rate limited.
	APIRateLimit int

	// APIRateBurst - extra requests allowed above the per-minute rate.
	APIRateBurst int

	// BotName is reported by /health and the dashboard.
	BotName string

	// AdminToken gates the /api/funnel endpoints (X-Admin-Token).
	AdminToken string

	// AllowOpen serves the analytics API without a token when no
	// AdminToken is configured. Development only.
	AllowOpen bool

	// AnalyticsEnabled toggles the /api/funnel endpoints entirely.
	AnalyticsEnabled bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             5000,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      60 * time.Second,
		MaxHeaderBytes:   1 << 20, // 1 MB
		APIRateLimit:     60,
		APIRateBurst:     20,
		BotName:          "Bot Factory",
		AnalyticsEnabled: true,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher routes one decoded webhook update. Implemented by
// dispatch.Service.
type Dispatcher interface {
	HandleUpdate(ctx context.Context, token shared.BotToken, update *telegram.Update)
}

// WidgetSource enumerates loaded handlers for the dashboard.
// Implemented by plugin.Cache.
type WidgetSource interface {
	Handlers() []handler.Handler
	Count() int
}

// Pinger reports persistence reachability for the health probe.
// Implemented by the Mongo gateway.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	Dispatcher Dispatcher
	Widgets    WidgetSource
	Analytics  *analytics.Service
	Pinger     Pinger
	Logger     *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     *http.ServeMux
	logger     *logger.Logger

	rateLimiter *rateLimiter

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and
// dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	s := &Server{
		config: config,
		deps:   deps,
		router: http.NewServeMux(),
		logger: deps.Logger,
	}

	if s.logger == nil {
		s.logger = logger.Default()
	}
	s.logger = s.logger.With(logger.Component("http"))

	if config.APIRateLimit > 0 {
		s.rateLimiter = newRateLimiter(config.APIRateLimit+config.APIRateBurst, time.Minute)
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.buildMiddlewareChain(s.router),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

// setupRoutes configures all HTTP routes. Literal method+path patterns
// take precedence over the wildcard webhook route, which keeps /health
// and /api disjoint from POST /{token}.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /{$}", s.handleDashboard)
	s.router.HandleFunc("GET /api/widgets", s.handleWidgets)

	if s.config.AnalyticsEnabled {
		s.router.HandleFunc("GET /api/funnel", s.adminGate(s.handleFunnel))
		s.router.HandleFunc("GET /api/funnel/users", s.adminGate(s.handleFunnelUsers))
		s.router.HandleFunc("GET /api/funnel/errors", s.adminGate(s.handleFunnelErrors))
	}

	s.router.HandleFunc("POST /{token}", s.handleWebhook)
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE CHAIN
// ══════════════════════════════════════════════════════════════════════════════

// buildMiddlewareChain wraps the router with all middleware.
func (s *Server) buildMiddlewareChain(h http.Handler) http.Handler {
	h = s.requestIDMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	if s.rateLimiter != nil {
		h = s.rateLimitMiddleware(h)
	}
	return h
}

// requestIDMiddleware adds a unique request ID to each request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs all HTTP requests. Webhook paths are logged
// with the token redacted.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.Info("http request",
			logger.String("method", r.Method),
			logger.String("path", redactPath(r)),
			logger.Int("status", rw.statusCode),
			logger.Int64("duration_ms", time.Since(start).Milliseconds()),
			logger.String("ip", getClientIP(r)),
			logger.String("request_id", getRequestID(r.Context())),
		)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					logger.Any("error", err),
					logger.String("stack", string(debug.Stack())),
					logger.String("path", redactPath(r)),
					logger.String("request_id", getRequestID(r.Context())),
				)
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware implements per-IP rate limiting on /api routes.
// The webhook route is exempt: Telegram retries on 429 and the
// dispatcher must stay reachable for every tenant.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !s.rateLimiter.Allow(getClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminGate enforces D.1 deny-by-default auth on the analytics API.
func (s *Server) adminGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminToken == "" {
			if s.config.AllowOpen {
				next(w, r)
				return
			}
			writeJSONError(w, http.StatusForbidden, "forbidden", "analytics API is not configured")
			return
		}
		if r.Header.Get("X-Admin-Token") != s.config.AdminToken {
			writeJSONError(w, http.StatusForbidden, "forbidden", "invalid admin token")
			return
		}
		next(w, r)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// writeJSON writes data verbatim as a JSON response. The analytics and
// health payloads are spec-shaped; no envelope is added.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONError writes an error JSON response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER TYPES AND FUNCTIONS
// ══════════════════════════════════════════════════════════════════════════════

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// redactPath hides bot tokens in webhook paths. Tokens are secrets and
// must never reach the logs.
func redactPath(r *http.Request) string {
	if r.Method == http.MethodPost {
		if token := r.PathValue("token"); token != "" {
			if t, err := shared.NewBotToken(token); err == nil {
				return "/" + t.TokenID().String() + ":***"
			}
			return "/***"
		}
	}
	return r.URL.Path
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// getRequestID extracts the request ID from context.
func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// getQueryParamInt extracts an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER
// ══════════════════════════════════════════════════════════════════════════════

type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
