package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/finalize"
	"github.com/seantiz/switchyard/internal/store"
	"github.com/seantiz/switchyard/internal/workers"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Engine  *engine.Engine
	Workers *workers.Registry
	Store   store.Store
	Bridge  *finalize.Bridge
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	workers *workers.Registry
	store   store.Store
	bridge  *finalize.Bridge
	logger  *slog.Logger
	addr    string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		engine:  deps.Engine,
		workers: deps.Workers,
		store:   deps.Store,
		bridge:  deps.Bridge,
		logger:  logger,
		addr:    addr,
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

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/breakers", s.handleListBreakers)
	s.router.Get("/v1/events", s.handleEventSocket)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleSubmitExecution)
		r.Get("/", s.handleListActive)
		r.Get("/archive", s.handleListArchived)
		r.Get("/{id}", s.handleGetExecution)
		r.Delete("/{id}", s.handleCancelExecution)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Post("/{id}/finalize", s.handleFinalizeExecution)
	})

	s.router.Route("/v1/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Get("/{id}", s.handleGetWorker)
		r.Get("/{id}/subworkers", s.handleListSubWorkers)
	})

	s.router.Route("/v1/owners/{owner}/workers", func(r chi.Router) {
		r.Post("/invalidate", s.handleInvalidateWorkers)
		r.Put("/{id}", s.handleUpsertWorker)
		r.Delete("/{id}", s.handleDeleteWorker)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
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
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err().Error())
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
