package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/notify"
	"github.com/seantiz/kiln/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the components the HTTP API fronts.
type Deps struct {
	Engine    *engine.Engine
	Sequencer *engine.Sequencer
	Broker    *notify.Broker
	Gateway   *notify.Gateway
	Store     store.Store
	Executors *executor.Registry
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	engine    *engine.Engine
	sequencer *engine.Sequencer
	broker    *notify.Broker
	gateway   *notify.Gateway
	store     store.Store
	executors *executor.Registry
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		engine:    deps.Engine,
		sequencer: deps.Sequencer,
		broker:    deps.Broker,
		gateway:   deps.Gateway,
		store:     deps.Store,
		executors: deps.Executors,
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/executors", s.handleListExecutors)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/events", s.handleStreamAll)
	s.router.Get("/v1/notifications", s.handleListNotifications)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Delete("/", s.handleCancelAll)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleCancelJob)
		r.Get("/{id}/events", s.handleStreamJob)
		r.Post("/{id}/artifacts", s.handleArtifactReady)
		r.Post("/{id}/failure", s.handleJobFailure)
	})

	s.router.Route("/v1/sequences", func(r chi.Router) {
		r.Post("/", s.handleSubmitSequence)
		r.Get("/current", s.handleCurrentSequence)
		r.Delete("/current", s.handleCancelSequence)
		r.Post("/current/outcome", s.handleStepOutcome)
	})

	s.router.Route("/v1/history", func(r chi.Router) {
		r.Get("/jobs", s.handleJobHistory)
		r.Get("/jobs/{id}", s.handleArchivedJob)
		r.Get("/sequences", s.handleSequenceHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
