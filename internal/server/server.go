package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/flowq/internal/events"
	"github.com/user/flowq/internal/observability"
	"github.com/user/flowq/internal/store"
)

// ClusterInfo is the subset of the Raft cluster the HTTP layer uses. It
// is nil for single-node (direct applier) servers.
type ClusterInfo interface {
	IsLeader() bool
	LeaderAddr() string
	State() string
	ClusterStatus() map[string]any
	AddVoter(nodeID, addr string) error
}

// Option configures a Server.
type Option func(*Server)

// WithCluster exposes cluster status and join endpoints.
func WithCluster(c ClusterInfo) Option {
	return func(s *Server) { s.cluster = c }
}

// WithBroker enables the SSE event stream.
func WithBroker(b *events.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit enables per-client request rate limiting.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) { s.rateCfg = cfg }
}

// WithAuth enables bearer-token authentication.
func WithAuth(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRPCHandler mounts an additional handler (the Connect worker
// service) at path.
func WithRPCHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.rpcPath = path
		s.rpcHandler = h
	}
}

// WithMaxBodyBytes bounds request bodies. Zero disables the bound.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithDefaultLease sets the claim lease used when a request gives none.
func WithDefaultLease(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.defaultLease = d
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server is the HTTP server for flowq.
type Server struct {
	store        *store.Store
	cluster      ClusterInfo
	broker       *events.Broker
	metrics      *observability.Metrics
	auth         Authenticator
	rateCfg      RateLimitConfig
	limiter      *rateLimiter
	rpcPath      string
	rpcHandler   http.Handler
	maxBody      int64
	defaultLease time.Duration
	logger       *slog.Logger
	httpServer   *http.Server
	router       chi.Router
}

// New creates a new Server.
func New(s *store.Store, bindAddr string, opts ...Option) *Server {
	srv := &Server{
		store:        s,
		maxBody:      1 << 20,
		defaultLease: store.DefaultLeaseDuration,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(srv)
	}
	if srv.rateCfg.Enabled {
		srv.limiter = newRateLimiter(srv.rateCfg)
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           h2cHandler(srv.router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.tracingMiddleware)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Joining nodes authenticate at the transport layer.
		r.Post("/cluster/join", s.handleClusterJoin)

		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.authMiddleware)
			}
			r.Get("/queues", s.handleListQueues)
			r.Get("/queues/{queue}", s.handleGetQueue)
			r.Get("/queues/{queue}/counts", s.handleCounts)
			r.Post("/queues/{queue}/pause", s.handlePause)
			r.Post("/queues/{queue}/resume", s.handleResume)
			r.Post("/queues/{queue}/drain", s.handleDrain)
			r.Post("/queues/{queue}/retry", s.handleRetryJobs)
			r.Post("/queues/{queue}/promote", s.handlePromoteJobs)
			r.Post("/queues/{queue}/clean", s.handleClean)
			r.Delete("/queues/{queue}/legacy-priority", s.handleRemoveLegacyPriority)

			r.Post("/queues/{queue}/jobs", s.handleAddJob)
			r.Get("/queues/{queue}/jobs", s.handleListJobs)
			r.Post("/queues/{queue}/jobs/bulk", s.handleAddBulk)
			r.Get("/queues/{queue}/jobs/{id}", s.handleGetJob)
			r.Delete("/queues/{queue}/jobs/{id}", s.handleRemoveJob)
			r.Get("/queues/{queue}/jobs/{id}/children", s.handleChildren)
			r.Post("/flows", s.handleAddFlow)
			r.Post("/jobs/search", s.handleSearch)

			r.Post("/queues/{queue}/claim", s.handleClaim)
			r.Post("/queues/{queue}/jobs/{id}/complete", s.handleComplete)
			r.Post("/queues/{queue}/jobs/{id}/fail", s.handleFail)
			r.Post("/queues/{queue}/jobs/{id}/extend", s.handleExtendLease)

			r.Get("/events", s.handleSSE)
			r.Get("/cluster/status", s.handleClusterStatus)
		})
	})

	if s.rpcHandler != nil {
		h := s.rpcHandler
		if s.auth != nil {
			h = s.authMiddleware(h)
		}
		r.Mount(s.rpcPath, h)
	}

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Close force-closes listeners and connections.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ready(); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeStoreError maps typed store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	code := store.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case store.ErrorCodeValidation:
		status = http.StatusBadRequest
	case store.ErrorCodeNotFound:
		status = http.StatusNotFound
	case store.ErrorCodeConflict:
		status = http.StatusConflict
	case store.ErrorCodeUnavailable:
		status = http.StatusServiceUnavailable
	case "":
		code = "INTERNAL_ERROR"
	}
	writeError(w, status, err.Error(), string(code))
}

// decodeJSON reads an optional JSON body. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Middleware

func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if s.maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(ww, r.Body, s.maxBody)
		}
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, time.Since(start))
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// routePattern returns the matched chi pattern so metric labels stay
// bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Connect-Protocol-Version")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
