package app

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolgate/internal/config"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type staticSampler struct{}

func (staticSampler) Sample(context.Context) (health.Sample, error) {
	return health.Sample{CPUPercent: 1, MemoryPercent: 1}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Dispatch.PollInterval = 20 * time.Millisecond
	cfg.Workers = []config.WorkerConf{
		{ID: "echo-1", Kind: config.WorkerEcho, Capabilities: []string{"echo"}},
	}
	return cfg
}

func readResponses(t *testing.T, out *bytes.Buffer) []*protocol.Response {
	t.Helper()
	var resps []*protocol.Response
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		resp, err := protocol.DecodeResponse(sc.Bytes())
		require.NoError(t, err)
		resps = append(resps, resp)
	}
	return resps
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Options{Version: "test", Sampler: staticSampler{}})
	require.NoError(t, err)
	defer a.Close()

	names := a.Registry.Names()
	for _, want := range []string{"echo", "work.submit", "work.result", "work.send_message", "work.workers", "system.health", "system.ledger"} {
		assert.Contains(t, names, want)
	}
	workers := a.Dispatcher.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "echo-1", workers[0].ID)
	assert.Nil(t, a.Archive())
}

func TestNewWiresScheduler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules = []config.ScheduleConf{{ID: "tick", Every: "hourly", Type: "echo"}}

	a, err := New(context.Background(), cfg, Options{Sampler: staticSampler{}})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Scheduler)
	assert.Contains(t, a.Registry.Names(), "work.schedules")

	res, rpcErr := a.Protocol.Invoke(context.Background(), "work.schedules", map[string]any{})
	require.Nil(t, rpcErr)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, protocol.ContentJSON, res.Content[0].Type)
}

func TestNewRejectsUnknownWorkerKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = []config.WorkerConf{{ID: "w", Kind: "carrier-pigeon", Capabilities: []string{"x"}}}
	_, err := New(context.Background(), cfg, Options{Sampler: staticSampler{}})
	assert.ErrorContains(t, err, "unknown kind")
}

func TestRunServesStdioUntilEOF(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.ArchivePath = filepath.Join(t.TempDir(), "archive.db")

	a, err := New(context.Background(), cfg, Options{Version: "test", Sampler: staticSampler{}})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Archive())

	in := strings.NewReader(strings.Join([]string{
		`{"id":1,"method":"initialize","params":{"protocolVersion":"1.0.0","clientInfo":{"name":"test"}}}`,
		`{"id":2,"method":"invoke_capability","params":{"name":"echo","arguments":{"message":"hi"}}}`,
		`{"id":3,"method":"invoke_capability","params":{"name":"work.submit","arguments":{"type":"echo","input":{"n":1},"wait":true,"timeout_ms":2000}}}`,
	}, "\n") + "\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx, in, &out))

	resps := readResponses(t, &out)
	require.Len(t, resps, 3)
	for _, r := range resps {
		assert.Nil(t, r.Error)
	}

	var echoed protocol.InvokeResult
	require.NoError(t, protocol.DecodeResult(resps[1], &echoed))
	require.Len(t, echoed.Content, 1)
	assert.Equal(t, "hi", echoed.Content[0].Text)

	var submitted protocol.InvokeResult
	require.NoError(t, protocol.DecodeResult(resps[2], &submitted))
	assert.False(t, submitted.IsError)

	archived, err := a.Archive().Recent(context.Background(), "echo", 10)
	require.NoError(t, err)
	require.NotEmpty(t, archived)
	assert.True(t, archived[0].Success)
}

func TestRunWithoutStdioStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Options{Sampler: staticSampler{}})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
