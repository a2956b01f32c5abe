package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geotile-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/geotile-cache/internal/core/middleware"
	"github.com/mohammed-shakir/geotile-cache/internal/core/router"
	"github.com/mohammed-shakir/geotile-cache/internal/metrics"
)

type Deps struct {
	Engine      router.Engine
	Invalidator router.Invalidator
	Metrics     *metrics.Provider
	// Checks back /readyz; Consumer adds its partitions to the answer.
	Checks   map[string]health.Check
	Consumer health.ReadinessReporter
	Logger   *slog.Logger
}

// NewHandler assembles the chi router with middleware, health checks, metrics and
// the engine routes.
func NewHandler(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics.Recorder()))
	}

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Checks, d.Consumer, 2*time.Second))
	if d.Metrics != nil && d.Metrics.Enabled() {
		r.Method(http.MethodGet, d.Metrics.Path(), d.Metrics.Handler())
	}
	router.Mount(r, d.Engine, d.Invalidator, logger)
	return r
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func New(addr string, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) String() string { return "http-server" }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listen", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
