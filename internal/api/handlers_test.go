package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolgate/internal/capability"
	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/protocol"
	"github.com/mattjoyce/toolgate/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fixedHealth struct{ report health.Report }

func (f fixedHealth) Current(context.Context) health.Report { return f.report }

// mockResults implements WorkResults for testing
type mockResults struct {
	results map[string]*queue.WorkResult
	states  map[string]dispatch.ItemState
}

func (m *mockResults) Result(id string) (*queue.WorkResult, bool) {
	r, ok := m.results[id]
	return r, ok
}

func (m *mockResults) State(id string) dispatch.ItemState {
	if st, ok := m.states[id]; ok {
		return st
	}
	return dispatch.ItemUnknown
}

func (m *mockResults) Pending() int { return len(m.states) }

type testEnv struct {
	server *Server
	led    *ledger.Ledger
	reg    *capability.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := capability.NewRegistry()
	reg.MustRegister(capability.Descriptor{
		Name:        "double",
		Description: "Doubles a number",
		Params:      []capability.Param{{Name: "value", Type: capability.TypeNumber, Required: true}},
	}, capability.HandlerFunc(func(_ context.Context, args capability.Args) (any, error) {
		return args.Float("value") * 2, nil
	}))

	led := ledger.New(100, nil)
	results := &mockResults{
		results: map[string]*queue.WorkResult{"done": {ID: "done", Status: queue.StatusSucceeded, Output: "ok"}},
		states:  map[string]dispatch.ItemState{"waiting": dispatch.ItemQueued},
	}

	srv := New(Config{}, Deps{
		Ledger:      led,
		Health:      fixedHealth{health.Report{Status: health.StatusDegraded, Issues: []string{"cpu usage is 85.0%"}}},
		Catalog:     protocol.NewServer(reg, led, protocol.Options{}),
		Fingerprint: reg,
		Results:     results,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &testEnv{server: srv, led: led, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, []string{"cpu usage is 85.0%"}, resp.Issues)
	assert.Equal(t, 1, resp.QueueDepth)
	assert.Equal(t, 1, resp.Capabilities)
}

func TestHandleHealthzUnhealthy(t *testing.T) {
	srv := New(Config{}, Deps{Health: fixedHealth{health.Report{Status: health.StatusUnhealthy}}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	for i := range 3 {
		env.led.Append(ledger.Record{Name: "double", Source: ledger.SourceProtocol, Success: i != 1})
	}

	rr := env.do(t, http.MethodGet, "/ledger/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats ledger.Stats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Failed)

	rr = env.do(t, http.MethodGet, "/ledger/recent?n=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var recent RecentResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&recent))
	require.Len(t, recent.Records, 2)
	assert.Equal(t, int64(3), recent.Records[0].Seq)

	rr = env.do(t, http.MethodGet, "/ledger/recent?n=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCapabilitiesETag(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/capabilities", "")
	require.Equal(t, http.StatusOK, rr.Code)
	etag := rr.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var resp CapabilitiesResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Capabilities, 1)
	assert.Equal(t, "double", resp.Capabilities[0].Name)

	rr = env.do(t, http.MethodGet, "/capabilities", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rr.Code)

	env.reg.MustRegister(capability.Descriptor{Name: "noop", Description: "Does nothing"},
		capability.HandlerFunc(func(context.Context, capability.Args) (any, error) { return nil, nil }))
	rr = env.do(t, http.MethodGet, "/capabilities", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEqual(t, etag, rr.Header().Get("ETag"))
}

func TestHandleInvoke(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "success",
			path:       "/capabilities/double/invoke",
			body:       `{"value": 5}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"content":[{"type":"text","text":"10"}],"isError":false}`,
		},
		{
			name:       "not found",
			path:       "/capabilities/triple/invoke",
			body:       `{}`,
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"capability not found","code":-32001,"data":{"name":"triple"}}`,
		},
		{
			name:       "validation",
			path:       "/capabilities/double/invoke",
			body:       ``,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid arguments","code":-32602,"data":{"field":"value","reason":"required parameter is missing"}}`,
		},
		{
			name:       "bad body",
			path:       "/capabilities/double/invoke",
			body:       `[1,2`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"body must be a JSON object of arguments"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(t, http.MethodPost, tt.path, tt.body, "Content-Type", "application/json")
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}

func TestHandleResult(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/results/done", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res queue.WorkResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, queue.StatusSucceeded, res.Status)

	rr = env.do(t, http.MethodGet, "/results/waiting", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"id":"waiting","state":"queued"}`, rr.Body.String())

	rr = env.do(t, http.MethodGet, "/results/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMissingComponentsAnswer503(t *testing.T) {
	srv := New(Config{}, Deps{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := srv.Handler()
	for _, path := range []string{"/ledger/stats", "/capabilities", "/results/x"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	env.led.Append(ledger.Record{Name: "before", Success: true})

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/ledger/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Appended after the subscription is live.
	go func() {
		time.Sleep(50 * time.Millisecond)
		env.led.Append(ledger.Record{Name: "after", Success: false, ErrorKind: queue.KindTimeout})
	}()

	scanner := bufio.NewScanner(resp.Body)
	var id, event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}

	assert.Equal(t, "2", id)
	assert.Equal(t, "execution", event)
	var rec ledger.Record
	require.NoError(t, json.Unmarshal([]byte(data), &rec))
	assert.Equal(t, "after", rec.Name)
	assert.Equal(t, queue.KindTimeout, rec.ErrorKind)
}

func TestEventsReplay(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a", "b", "c"} {
		env.led.Append(ledger.Record{Name: name, Success: true})
	}

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/ledger/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(names) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var rec ledger.Record
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec))
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"b", "c"}, names)
}
