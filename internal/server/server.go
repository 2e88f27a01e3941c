package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/metrics"
	"github.com/michaelbrown/nanobox/internal/sandbox"
	"github.com/michaelbrown/nanobox/internal/storage"
)

// Server is the HTTP server for the nanobox API.
type Server struct {
	sandbox *sandbox.Sandbox
	store   storage.Store
	metrics *metrics.Metrics
	runs    *RunManager
	logger  *zap.Logger
	router  chi.Router
	http    *http.Server
}

// New creates a new Server. store and m may be nil, which disables the
// history and /metrics endpoints respectively.
func New(sb *sandbox.Sandbox, store storage.Store, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sandbox: sb,
		store:   store,
		metrics: m,
		runs:    NewRunManager(),
		logger:  logger,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/runs/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Get("/health", s.handleHealth)

			// Runs
			r.Post("/runs", s.handleCreateRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/active", s.handleListActive)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Delete("/runs/{id}", s.handleDeleteRun)
			r.Post("/runs/{id}/cancel", s.handleCancelRun)

			// Cache
			r.Get("/cache", s.handleCacheStats)
			r.Delete("/cache", s.handleClearCache)
		})
	})
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("nanobox server starting", zap.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown cancels in-flight runs and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.runs.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
