package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/coderun/internal/config"
	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/language"
	"github.com/michaelbrown/coderun/internal/storage"
	"github.com/michaelbrown/coderun/internal/worker"
)

// Service is the execution backend the API exposes.
type Service interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Response, error)
	Submissions(ctx context.Context, caller string, opts storage.ListOptions) ([]storage.Record, error)
	Submission(ctx context.Context, caller, id string) (*storage.Record, error)
	Languages() []language.Language
	PoolStats() worker.Stats
}

// Server is the HTTP server for the execution API.
type Server struct {
	cfg    config.ServerConfig
	svc    Service
	logger *slog.Logger
	router chi.Router
	http   *http.Server
}

// New creates a new Server.
func New(cfg config.ServerConfig, svc Service, logger *slog.Logger) *Server {
	if cfg.CallerHeader == "" {
		cfg.CallerHeader = "X-Caller-ID"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/languages", s.handleLanguages)

		r.Group(func(r chi.Router) {
			r.Use(s.requireCaller)

			r.Post("/execute", s.handleExecute)
			r.Post("/submit", s.handleSubmit)

			// WebSocket (no JSON body)
			r.Get("/execute/ws", s.handleWebSocket)

			r.Get("/submissions", s.handleListSubmissions)
			r.Get("/submissions/{id}", s.handleGetSubmission)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type callerKey struct{}

// requireCaller rejects requests without the caller identity header.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(s.cfg.CallerHeader)
		if caller == "" {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("missing %s header", s.cfg.CallerHeader))
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFrom(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(string)
	return c
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"http_request_id", middleware.GetReqID(r.Context()))
	})
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("coderun server starting", "addr", "http://localhost"+addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server, letting in-flight executions
// finish within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("shutting down server")

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
