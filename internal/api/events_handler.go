package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/toolgate/internal/ledger"
)

const (
	eventExecution  = "execution"
	keepAlivePeriod = 15 * time.Second
)

// handleEvents streams ledger records as server-sent events. A reconnecting
// client's Last-Event-ID replays whatever is still buffered after that seq.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing appended in between is lost.
	ch, cancel := s.deps.Ledger.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if lastID > 0 {
		for _, rec := range s.deps.Ledger.Since(lastID) {
			if err := writeSSE(w, rec); err != nil {
				return
			}
			lastID = rec.Seq
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if rec.Seq <= lastID {
				continue
			}
			if err := writeSSE(w, rec); err != nil {
				return
			}
			lastID = rec.Seq
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, rec ledger.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", rec.Seq, eventExecution); err != nil {
		return err
	}
	// Data must be on "data:" lines; the payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
