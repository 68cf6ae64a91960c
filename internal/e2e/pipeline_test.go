package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/toolgate/internal/app"
	"github.com/mattjoyce/toolgate/internal/config"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/inspect"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/protocol"
	"github.com/mattjoyce/toolgate/internal/queue"
)

type quietSampler struct{}

func (quietSampler) Sample(context.Context) (health.Sample, error) {
	return health.Sample{}, nil
}

func TestEndToEndExecWorkers(t *testing.T) {
	log.Setup("ERROR")
	tmpDir := t.TempDir()
	workersDir := filepath.Join(tmpDir, "workers")
	if err := os.MkdirAll(workersDir, 0o755); err != nil {
		t.Fatalf("failed to create workers dir: %v", err)
	}

	// Answers with the work type it was handed and the configured tag.
	stageScript := `#!/bin/bash
input=$(cat)
type=$(echo "$input" | sed -n 's/.*"type":"\([^"]*\)".*/\1/p')
tag=$(echo "$input" | sed -n 's/.*"tag":"\([^"]*\)".*/\1/p')
echo "{\"status\":\"ok\",\"output\":{\"handled\":\"$type\",\"tag\":\"$tag\"},\"logs\":[{\"level\":\"info\",\"message\":\"handled $type\"}]}"
`
	failScript := `#!/bin/bash
cat > /dev/null
echo '{"status":"error","error":"upstream unavailable"}'
`
	slowScript := `#!/bin/bash
cat > /dev/null
sleep 5
echo '{"status":"ok"}'
`

	cfg := config.Defaults()
	cfg.Dispatch.PollInterval = 20 * time.Millisecond
	cfg.Ledger.ArchivePath = filepath.Join(tmpDir, "ledger.db")
	cfg.Workers = []config.WorkerConf{
		{
			ID: "stage-1", Kind: config.WorkerExec,
			Command:      writeScript(t, workersDir, "stage.sh", stageScript),
			Capabilities: []string{"stage.one", "stage.two"},
			Config:       map[string]any{"tag": "e2e"},
		},
		{
			ID: "flaky-1", Kind: config.WorkerExec,
			Command:      writeScript(t, workersDir, "fail.sh", failScript),
			Capabilities: []string{"flaky"},
		},
		{
			ID: "slow-1", Kind: config.WorkerExec,
			Command:      writeScript(t, workersDir, "slow.sh", slowScript),
			Capabilities: []string{"slow"},
			Timeout:      300 * time.Millisecond,
			GracePeriod:  100 * time.Millisecond,
		},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("config invalid: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Version: "e2e", Sampler: quietSampler{}})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	defer a.Close()

	lines := []string{
		`{"id":1,"method":"initialize","params":{"protocolVersion":"1.0.0","clientInfo":{"name":"e2e"}}}`,
		// stage.two parks behind stage.one and runs once it succeeds.
		submit(2, `{"id":"a","type":"stage.one","input":{"n":1}}`),
		submit(3, `{"id":"b","type":"stage.two","depends_on":["a"],"wait":true,"timeout_ms":5000}`),
		// A failed prerequisite cascades.
		submit(4, `{"id":"c","type":"flaky","wait":true,"timeout_ms":5000}`),
		submit(5, `{"id":"d","type":"stage.one","depends_on":["c"],"wait":true,"timeout_ms":5000}`),
		submit(6, `{"id":"e","type":"slow","wait":true,"timeout_ms":5000}`),
		submit(7, `{"id":"f","type":"nobody.handles.this","wait":true,"timeout_ms":5000}`),
	}
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	if err := a.Run(ctx, in, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	results := decodeResults(t, &out)
	if len(results) != 6 {
		t.Fatalf("expected 6 work results, got %d:\n%s", len(results), out.String())
	}

	b := results[3]
	if b.Status != queue.StatusSucceeded || b.WorkerID != "stage-1" {
		t.Fatalf("b = %+v", b)
	}
	output, _ := b.Output.(map[string]any)
	if output["handled"] != "stage.two" || output["tag"] != "e2e" {
		t.Fatalf("b output = %v", b.Output)
	}
	if got, _ := a.Dispatcher.Result("a"); !got.Succeeded() {
		t.Fatalf("a should have succeeded before b ran: %+v", got)
	}

	expectFailure(t, results[4], queue.KindHandlerFailure, "upstream unavailable")
	expectFailure(t, results[5], queue.KindDependency, "c")
	expectFailure(t, results[6], queue.KindTimeout, "")
	expectFailure(t, results[7], queue.KindNoWorker, "")

	// Every dispatched item and every invocation reaches the archive. Records
	// land just after results are published, so poll briefly.
	wantKinds := []queue.ErrorKind{queue.KindHandlerFailure, queue.KindDependency, queue.KindTimeout, queue.KindNoWorker}
	var report *inspect.Report
	for deadline := time.Now().Add(3 * time.Second); ; {
		report, err = inspect.Gather(context.Background(), a.Archive(), "", 100)
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if archiveComplete(report, wantKinds) || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if report.ByName["work.submit"] != 6 {
		t.Fatalf("work.submit records = %d, want 6 (%v)", report.ByName["work.submit"], report.ByName)
	}
	for _, kind := range wantKinds {
		if report.ByKind[kind] == 0 {
			t.Errorf("archive has no %s failure: %v", kind, report.ByKind)
		}
	}
	if report.ByName["stage.two"] != 1 {
		t.Errorf("stage.two records = %d, want 1", report.ByName["stage.two"])
	}
}

func archiveComplete(r *inspect.Report, kinds []queue.ErrorKind) bool {
	if r.ByName["work.submit"] < 6 {
		return false
	}
	for _, k := range kinds {
		if r.ByKind[k] == 0 {
			return false
		}
	}
	return true
}

func submit(id int, args string) string {
	return fmt.Sprintf(`{"id":%d,"method":"invoke_capability","params":{"name":"work.submit","arguments":%s}}`, id, args)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// decodeResults maps request ids to the work results carried in the
// responses' JSON content parts.
func decodeResults(t *testing.T, out *bytes.Buffer) map[int]*queue.WorkResult {
	t.Helper()
	results := make(map[int]*queue.WorkResult)
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		resp, err := protocol.DecodeResponse(sc.Bytes())
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected protocol error: %+v", resp.Error)
		}
		var id int
		if err := json.Unmarshal(resp.ID, &id); err != nil || id == 1 {
			continue
		}
		var inv protocol.InvokeResult
		if err := protocol.DecodeResult(resp, &inv); err != nil {
			t.Fatalf("decode result %d: %v", id, err)
		}
		if len(inv.Content) != 1 || inv.Content[0].Type != protocol.ContentJSON {
			t.Fatalf("response %d: unexpected content %+v", id, inv.Content)
		}
		data, err := json.Marshal(inv.Content[0].JSON)
		if err != nil {
			t.Fatalf("re-marshal %d: %v", id, err)
		}
		var res queue.WorkResult
		if err := json.Unmarshal(data, &res); err != nil {
			t.Fatalf("decode work result %d: %v", id, err)
		}
		results[id] = &res
	}
	return results
}

func expectFailure(t *testing.T, res *queue.WorkResult, kind queue.ErrorKind, contains string) {
	t.Helper()
	if res == nil {
		t.Fatalf("missing result for %s failure", kind)
	}
	if res.Status != queue.StatusFailed || res.ErrorKind != kind {
		t.Fatalf("result %s = %+v, want failed/%s", res.ID, res, kind)
	}
	if contains != "" && !strings.Contains(res.Error, contains) {
		t.Fatalf("result %s error %q does not mention %q", res.ID, res.Error, contains)
	}
}
