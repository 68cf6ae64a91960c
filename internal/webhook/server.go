package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/toolgate/internal/queue"
)

// Server is the webhook HTTP listener.
type Server struct {
	config    Config
	submitter Submitter
	logger    *slog.Logger
	server    *http.Server

	endpoints map[string]*Endpoint
}

// New builds a server. Endpoints without a body limit get
// the default of one megabyte.
func New(config Config, submitter Submitter, logger *slog.Logger) *Server {
	endpoints := make(map[string]*Endpoint, len(config.Endpoints))
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = 1 << 20
		}
		endpoints[ep.Path] = ep
	}
	return &Server{
		config:    config,
		submitter: submitter,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start listens until ctx is done (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if err := verifySignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature rejected",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
			"present", signature != "",
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	item := &queue.WorkItem{
		Type:     endpoint.Type,
		Priority: endpoint.Priority,
		Input:    decodeBody(body),
		Params: map[string]any{
			"webhook_path": endpoint.Path,
			"request_id":   middleware.GetReqID(r.Context()),
		},
		SubmittedBy: "webhook:" + endpoint.Path,
	}
	id, err := s.submitter.Submit(item)
	if err != nil {
		s.logger.Error("failed to submit webhook work", "path", r.URL.Path, "type", endpoint.Type, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to submit work")
		return
	}

	s.logger.Info("webhook work submitted", "path", r.URL.Path, "type", endpoint.Type, "work_id", id)
	s.respondJSON(w, http.StatusAccepted, TriggerResponse{WorkID: id})
}

// decodeBody returns the body as decoded JSON when it parses, else as a string.
func decodeBody(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(body)
	}
	return v
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write webhook response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
