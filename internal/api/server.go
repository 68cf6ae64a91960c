// Package api serves the read-mostly operations HTTP surface: health, ledger
// statistics and live execution events, the capability catalog, work results,
// and a direct invoke endpoint backed by the protocol server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/protocol"
	"github.com/mattjoyce/toolgate/internal/queue"
)

// ExecutionLedger is the part of the ledger the API reads.
type ExecutionLedger interface {
	Stats() ledger.Stats
	Recent(n int) []ledger.Record
	Since(seq int64) []ledger.Record
	Subscribe() (<-chan ledger.Record, func())
}

// HealthReporter supplies the current health report.
type HealthReporter interface {
	Current(ctx context.Context) health.Report
}

// Catalog lists and invokes capabilities.
type Catalog interface {
	ListCapabilities() []protocol.CapabilityInfo
	Invoke(ctx context.Context, name string, args map[string]any) (*protocol.InvokeResult, *protocol.RPCError)
}

// Fingerprinter identifies the current catalog contents.
type Fingerprinter interface {
	Fingerprint() string
}

// WorkResults looks up dispatcher results.
type WorkResults interface {
	Result(id string) (*queue.WorkResult, bool)
	State(id string) dispatch.ItemState
	Pending() int
}

// Config holds API server configuration
type Config struct {
	Listen string
}

// Deps are the components the API reads from. Any may be nil; the matching
// endpoints then answer 503.
type Deps struct {
	Ledger      ExecutionLedger
	Health      HealthReporter
	Catalog     Catalog
	Fingerprint Fingerprinter
	Results     WorkResults
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/ledger", func(r chi.Router) {
		r.Use(s.require(s.deps.Ledger != nil, "ledger"))
		r.Get("/stats", s.handleLedgerStats)
		r.Get("/recent", s.handleLedgerRecent)
		r.Get("/events", s.handleEvents)
	})

	r.Route("/capabilities", func(r chi.Router) {
		r.Use(s.require(s.deps.Catalog != nil, "capability catalog"))
		r.Get("/", s.handleCapabilities)
		r.Post("/{name}/invoke", s.handleInvoke)
	})

	r.With(s.require(s.deps.Results != nil, "dispatcher")).Get("/results/{id}", s.handleResult)

	return r
}

// require answers 503 for a route group whose backing component is absent.
func (s *Server) require(present bool, what string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !present {
				s.writeError(w, http.StatusServiceUnavailable, what+" not configured")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
