package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/stakeboard/stakeboard/internal/config"
	"github.com/stakeboard/stakeboard/internal/logging"
	"github.com/stakeboard/stakeboard/internal/metrics"
	"github.com/stakeboard/stakeboard/internal/staking"
	"github.com/stakeboard/stakeboard/internal/util"
)

// Service is the part of staking.Service the gateway needs.
type Service interface {
	State() staking.ConnState
	Ready() bool
	Snapshot() *staking.Snapshot
	Subscribe() (<-chan *staking.Snapshot, func())
	Estimate() staking.EstimateView
	OnInputChanged(ctx context.Context, amount string, token common.Address) staking.EstimateView
	ExecuteRequest(ctx context.Context, req staking.ActionRequest) (*staking.ActionResult, error)
	Registry() *staking.TokenRegistry
}

// Server is the HTTP gateway in front of a staking Service
type Server struct {
	config  *ServerConfig
	svc     Service
	metrics *metrics.PrometheusCollector

	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	running    bool
	mu         sync.RWMutex

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Per-IP rate limiting
	rateLimiters sync.Map // map[string]*rateLimiterEntry
}

// rateLimiterEntry pairs a limiter with the last time it was used, in
// UnixNano.
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// ServerConfig contains API server configuration
type ServerConfig struct {
	HTTPAddr string

	// Rate limiting
	RateLimit      int // requests per minute per IP
	RateLimitBurst int

	// CORS. Empty allows any origin for reads; actions from a browser
	// need an explicit entry.
	AllowedOrigins []string

	EnableWebSocket bool
	EnableActions   bool

	// Only trust X-Forwarded-For / X-Real-IP when behind a proxy.
	TrustProxy bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	// Reported by /health.
	Version string

	// Upper bound on one action request, covering submit, mining and the
	// follow-up refresh.
	ActionTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPAddr:          "127.0.0.1:8080",
		RateLimit:         120,
		RateLimitBurst:    20,
		EnableWebSocket:   true,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ActionTimeout:     6 * time.Minute,
		Version:           "dev",
	}
}

// ServerConfigFromConfig maps the api section of the client configuration.
func ServerConfigFromConfig(cfg *config.Config) *ServerConfig {
	sc := DefaultServerConfig()
	sc.HTTPAddr = cfg.API.HTTPAddr
	sc.RateLimit = cfg.API.RateLimit
	sc.RateLimitBurst = cfg.API.RateLimitBurst
	sc.AllowedOrigins = cfg.API.AllowedOrigins
	sc.EnableWebSocket = cfg.API.EnableWebSocket
	sc.EnableActions = cfg.API.EnableActions
	if tx := cfg.Chain.TxTimeout(); tx > 0 {
		sc.ActionTimeout = tx + time.Minute
	}
	return sc
}

// NewServer creates a new API server. collector may be nil.
func NewServer(cfg *ServerConfig, svc Service, collector *metrics.PrometheusCollector) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		config:  cfg,
		svc:     svc,
		metrics: collector,
	}
	if cfg.EnableWebSocket {
		s.wsHub = NewWebSocketHub(collector)
	}
	return s
}

// Start binds the listener and serves in the background. The snapshot
// broadcaster and the rate limiter janitor stop with Stop or ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx, s.cancel = runCtx, cancel

	if s.config.RateLimit > 0 {
		util.GoTracked(&s.wg, "api-ratelimit-cleanup", func() { s.runRateLimiterCleanup(runCtx) })
	}
	if s.wsHub != nil {
		util.GoTracked(&s.wg, "api-ws-hub", func() { s.wsHub.Run(runCtx) })
		util.GoTracked(&s.wg, "api-ws-snapshots", func() { s.broadcastSnapshots(runCtx) })
	}

	// ReadHeaderTimeout rather than ReadTimeout so WebSocket connections
	// outlive the header deadline.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	util.GoTracked(&s.wg, "api-http", func() {
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	})

	s.running = true
	return nil
}

// Stop shuts the HTTP server down and waits for the background goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("HTTP server shutdown: %w", err)
	}

	// Hijacked WebSocket connections are not tracked by Shutdown; cancelling
	// the run context makes the hub close them.
	s.cancel()
	s.wg.Wait()

	logging.Info("API server stopped", logging.Component("api"))
	return shutdownErr
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// runContext bounds work that outlives a request, such as WebSocket input.
func (s *Server) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Probes and scraping bypass rate limiting.
	mux.HandleFunc("GET /health", s.withCORS(s.handleHealthCheck))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.PrometheusHandler())
	}

	mux.HandleFunc("GET /api/v1/snapshot", s.withMiddleware(s.handleSnapshot))
	mux.HandleFunc("GET /api/v1/estimate", s.withMiddleware(s.handleEstimate))
	mux.HandleFunc("POST /api/v1/input", s.withMiddleware(s.handleInput))
	mux.HandleFunc("GET /api/v1/tokens", s.withMiddleware(s.handleTokens))
	mux.HandleFunc("GET /api/v1/stats", s.withMiddleware(s.handleStats))
	mux.HandleFunc("OPTIONS /api/v1/", s.withCORS(func(http.ResponseWriter, *http.Request) {}))

	if s.config.EnableActions {
		mux.HandleFunc("POST /api/v1/actions/{intent}", s.withMiddleware(s.handleAction))
	}
	if s.wsHub != nil {
		mux.HandleFunc("GET /ws", s.withMiddleware(s.handleWebSocket))
	}

	return mux
}

// withCORS wraps a handler with CORS support only
func (s *Server) withCORS(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}
}

// withMiddleware wraps a handler with CORS and per-IP rate limiting
func (s *Server) withMiddleware(handler http.HandlerFunc) http.HandlerFunc {
	return s.withCORS(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RateLimit > 0 {
			ip := s.extractClientIP(r)
			if !s.getRateLimiter(ip).Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
					logging.Component("api"))
				w.Header().Set("Retry-After", "60")
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		handler(w, r)
	})
}

// getRateLimiter returns the rate limiter for the given IP address,
// creating it on first use.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen.Store(now.UnixNano())
		return entry.limiter
	}

	// Requests per minute to requests per second
	rps := rate.Limit(float64(s.config.RateLimit) / 60.0)
	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	entry := &rateLimiterEntry{limiter: rate.NewLimiter(rps, burst)}
	entry.lastSeen.Store(now.UnixNano())
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP returns the TCP peer address unless TrustProxy is set.
func (s *Server) extractClientIP(r *http.Request) string {
	if s.config.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.IndexByte(xff, ','); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) runRateLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
		}
	}
}

// cleanupRateLimiters removes limiters not used since staleBefore
func (s *Server) cleanupRateLimiters(staleBefore time.Time) int {
	var cleaned int

	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Load() < staleBefore.UnixNano() {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
	return cleaned
}

// originAllowed reports whether origin may call the API.
func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// actionOriginAllowed reports whether a request carrying origin may send
// transactions. Requests without an Origin header do not come from a web
// page. The wildcard does not apply.
func (s *Server) actionOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o != "*" && strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// setCORSHeaders sets CORS headers on the response
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	if !s.originAllowed(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

// broadcastSnapshots forwards every published snapshot to WebSocket clients.
func (s *Server) broadcastSnapshots(ctx context.Context) {
	updates, cancel := s.svc.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			s.wsHub.Broadcast(MessageSnapshot, NewSnapshotView(snap, s.svc.Registry()))
		}
	}
}
