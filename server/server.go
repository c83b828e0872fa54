// Package server implements the Conductor HTTP server: REST API, auth,
// metrics and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/internal/metrics"
	"github.com/GoCodeAlone/conductor/server/api"
	"github.com/GoCodeAlone/conductor/server/ws"
)

// Server is the Conductor HTTP server.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	mu      sync.Mutex
	httpSrv *http.Server

	dispatcher api.Dispatcher
	bus        comms.Bus
	metrics    *metrics.Collector
	hub        *ws.Hub

	buildOnce sync.Once
	handler   http.Handler
	detach    func()

	// background work (rate limiter sweeper) stops with the server
	ctx    context.Context
	cancel context.CancelFunc

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "server"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logger,
		hub:       ws.NewHub(logger),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		version:   ver,
	}
}

// SetDispatcher attaches the dispatcher served by the API.
func (s *Server) SetDispatcher(d api.Dispatcher) {
	s.dispatcher = d
}

// SetBus attaches the comms bus whose messages are streamed on /events.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// SetMetrics exposes collector on /metrics and records HTTP requests in it.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// Handler builds the routed and wrapped handler on first use. Setters must
// be called before.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() {
		s.handler = s.buildHandler()
	})
	return s.handler
}

// Start begins listening on the configured address. It blocks until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server. Open SSE streams are closed.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
	}
	s.cancel()
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) addr() string {
	if s.cfg.Server.Addr == "" {
		return ":9090"
	}
	return s.cfg.Server.Addr
}

// buildHandler sets up all HTTP routes and middleware.
func (s *Server) buildHandler() http.Handler {
	h := &api.Handlers{
		Dispatcher: s.dispatcher,
		Bus:        s.bus,
		Logger:     s.logger,
		Version:    s.version,
		StartAt:    s.startTime,
	}
	if s.bus != nil {
		s.detach = s.hub.Attach(s.bus)
	}

	mux := http.NewServeMux()

	// Public routes (no auth required)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// SSE accepts the token as a query parameter because EventSource can't set headers
	mux.Handle("GET /events", s.authMiddleware(http.HandlerFunc(s.hub.ServeSSE)))

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	mux.Handle("/api/", s.authMiddleware(apiMux))

	middlewares := []Middleware{Recovery(s.logger), Observe(s.logger, s.metrics)}
	if s.cfg.Server.RateLimit > 0 {
		middlewares = append(middlewares, RateLimiter(s.ctx, s.cfg.Server.RateLimit, s.cfg.Server.RateBurst))
	}
	return Chain(mux, middlewares...)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
