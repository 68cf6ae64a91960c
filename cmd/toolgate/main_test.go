package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/toolgate/internal/protocol"
)

const testConfigYAML = `
service:
  log_level: error
dispatch:
  poll_interval: 20ms
workers:
  - id: echo-1
    kind: echo
    capabilities: [echo]
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runCLI(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionJSON(t *testing.T) {
	code, stdout, stderr := run(t, "", "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{raw: "2026-03-01T10:20:30+10:00", want: "2026-03-01T00:20:30Z", wantOK: true},
		{raw: "unknown"},
		{raw: ""},
		{raw: "yesterday"},
	}
	for _, tt := range tests {
		got, ok := normalizeBuildTimeUTC(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("normalizeBuildTimeUTC(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
	if got := shortenCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortenCommit = %q", got)
	}
}

func TestConfigCheckAndHash(t *testing.T) {
	path := writeTestConfig(t)

	code, stdout, stderr := run(t, "", "config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("config check exit = %d, stderr = %s", code, stderr)
	}
	for _, want := range []string{"blake3: ", "checksum: not pinned", "workers: 1", "api: disabled", "Configuration valid"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("config check output missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, stderr = run(t, "", "config", "hash", "--config", path)
	if code != 0 {
		t.Fatalf("config hash exit = %d, stderr = %s", code, stderr)
	}
	if !strings.Contains(stdout, path+".blake3") {
		t.Errorf("config hash output = %q", stdout)
	}

	code, stdout, _ = run(t, "", "config", "check", "--config", path)
	if code != 0 || !strings.Contains(stdout, "checksum: verified") {
		t.Fatalf("expected verified checksum, code=%d output=%s", code, stdout)
	}

	// Editing the pinned file must fail verification.
	if err := os.WriteFile(path, []byte(testConfigYAML+"\n# edited\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	code, _, stderr = run(t, "", "config", "check", "--config", path)
	if code == 0 || !strings.Contains(stderr, "verification failed") {
		t.Fatalf("expected verification failure, code=%d stderr=%s", code, stderr)
	}
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	body := "workers:\n  - id: w\n    kind: exec\n    capabilities: [x]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := run(t, "", "config", "check", "--config", path)
	if code == 0 {
		t.Fatal("expected failure for exec worker without command")
	}
	if !strings.Contains(stderr, "invalid configuration") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestToolsList(t *testing.T) {
	path := writeTestConfig(t)

	code, stdout, stderr := run(t, "", "tools", "list", "--json", "--config", path)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	var caps []protocol.CapabilityInfo
	if err := json.Unmarshal([]byte(stdout), &caps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, c.Name)
	}
	if !strings.Contains(strings.Join(names, ","), "work.submit") {
		t.Errorf("names = %v", names)
	}

	code, stdout, _ = run(t, "", "tools", "list", "--config", path)
	if code != 0 {
		t.Fatalf("table exit = %d", code)
	}
	for _, want := range []string{"NAME", "echo", "message*"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("table missing %q:\n%s", want, stdout)
		}
	}
}

func TestToolsCall(t *testing.T) {
	path := writeTestConfig(t)

	code, stdout, stderr := run(t, "", "tools", "call", "echo", `{"message":"hello"}`, "--config", path)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	var res protocol.InvokeResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}

	code, _, stderr = run(t, "", "tools", "call", "work.submit", `{"type":"echo","input":{"a":1},"wait":true,"timeout_ms":2000}`, "--config", path)
	if code != 0 {
		t.Fatalf("work.submit exit = %d, stderr = %s", code, stderr)
	}

	code, _, stderr = run(t, "", "tools", "call", "nope", "--config", path)
	if code == 0 || !strings.Contains(stderr, "capability not found") {
		t.Fatalf("expected not found, code=%d stderr=%s", code, stderr)
	}

	code, _, stderr = run(t, "", "tools", "call", "echo", `[1]`, "--config", path)
	if code == 0 || !strings.Contains(stderr, "JSON object") {
		t.Fatalf("expected argument error, code=%d stderr=%s", code, stderr)
	}
}

func TestServeStdio(t *testing.T) {
	path := writeTestConfig(t)
	stdin := strings.Join([]string{
		`{"id":1,"method":"initialize","params":{"protocolVersion":"1.0.0","clientInfo":{"name":"cli-test"}}}`,
		`{"id":2,"method":"list_capabilities"}`,
		`{"id":3,"method":"invoke_capability","params":{"name":"echo","arguments":{"message":"x"}}}`,
	}, "\n") + "\n"

	code, stdout, stderr := run(t, stdin, "serve", "--config", path)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d response lines:\n%s", len(lines), stdout)
	}
	for i, line := range lines {
		resp, err := protocol.DecodeResponse([]byte(line))
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if resp.Error != nil {
			t.Errorf("line %d: unexpected error %+v", i, resp.Error)
		}
	}
}

func TestServeNoStdioNeedsSurface(t *testing.T) {
	path := writeTestConfig(t)
	code, _, stderr := run(t, "", "serve", "--no-stdio", "--config", path)
	if code == 0 || !strings.Contains(stderr, "--no-stdio") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}
}

func TestLedgerHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolgate.yaml")
	body := testConfigYAML + "ledger:\n  archive_path: " + filepath.Join(dir, "ledger.db") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := run(t, "", "tools", "call", "echo", `{"message":"archived"}`, "--config", path)
	if code != 0 {
		t.Fatalf("tools call exit = %d, stderr = %s", code, stderr)
	}

	code, stdout, stderr := run(t, "", "ledger", "history", "--name", "echo", "--config", path)
	if code != 0 {
		t.Fatalf("history exit = %d, stderr = %s", code, stderr)
	}
	for _, want := range []string{"Name        : echo", "Records     : 1", `"message":"archived"`} {
		if !strings.Contains(stdout, want) {
			t.Errorf("history missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, _ = run(t, "", "ledger", "history", "--json", "--config", path)
	if code != 0 || !strings.Contains(stdout, `"total": 1`) {
		t.Fatalf("json history code=%d:\n%s", code, stdout)
	}
}

func TestLedgerHistoryNeedsArchive(t *testing.T) {
	path := writeTestConfig(t)
	code, _, stderr := run(t, "", "ledger", "history", "--config", path)
	if code == 0 || !strings.Contains(stderr, "no ledger archive configured") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}
}
