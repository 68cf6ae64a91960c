package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/protocol"
)

const (
	defaultRecent = 20
	maxRecent     = 1000
	maxBodyBytes  = 4 << 20
)

// handleHealthz handles GET /healthz. Unhealthy processes answer 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        string(health.StatusHealthy),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Health != nil {
		report := s.deps.Health.Current(r.Context())
		resp.Status = string(report.Status)
		resp.Issues = report.Issues
	}
	if s.deps.Results != nil {
		resp.QueueDepth = s.deps.Results.Pending()
	}
	if s.deps.Catalog != nil {
		resp.Capabilities = len(s.deps.Catalog.ListCapabilities())
	}

	status := http.StatusOK
	if resp.Status == string(health.StatusUnhealthy) {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleLedgerStats handles GET /ledger/stats.
func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Ledger.Stats())
}

// handleLedgerRecent handles GET /ledger/recent?n=.
func (s *Server) handleLedgerRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(parsed, maxRecent)
	}
	respondJSON(w, http.StatusOK, RecentResponse{Records: s.deps.Ledger.Recent(n)})
}

// handleCapabilities handles GET /capabilities. The ETag is the registry
// fingerprint, so clients can poll cheaply with If-None-Match.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var fp string
	if s.deps.Fingerprint != nil {
		fp = s.deps.Fingerprint.Fingerprint()
		etag := strconv.Quote(fp)
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	respondJSON(w, http.StatusOK, CapabilitiesResponse{
		Fingerprint:  fp,
		Capabilities: s.deps.Catalog.ListCapabilities(),
	})
}

// handleInvoke handles POST /capabilities/{name}/invoke. The body is the
// argument object; the response is the invoke_capability result.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var args map[string]any
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil && !isEmptyBody(err) {
		s.writeError(w, http.StatusBadRequest, "body must be a JSON object of arguments")
		return
	}

	result, rpcErr := s.deps.Catalog.Invoke(r.Context(), name, args)
	if rpcErr != nil {
		status := http.StatusBadRequest
		switch rpcErr.Code {
		case protocol.CodeCapabilityNotFound:
			status = http.StatusNotFound
		case protocol.CodeInternalError:
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, ErrorResponse{Error: rpcErr.Message, Code: rpcErr.Code, Data: rpcErr.Data})
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleResult handles GET /results/{id}: 200 with the result, 202 while
// parked/queued/running, 404 for ids the dispatcher does not know.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res, ok := s.deps.Results.Result(id); ok {
		respondJSON(w, http.StatusOK, res)
		return
	}
	state := s.deps.Results.State(id)
	if state == dispatch.ItemUnknown {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("work item %q not found", id))
		return
	}
	respondJSON(w, http.StatusAccepted, PendingResponse{ID: id, State: state})
}

func isEmptyBody(err error) bool {
	return errors.Is(err, io.EOF)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
