package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/queue"
	"github.com/mattjoyce/toolgate/internal/storage"
)

func seedArchive(t *testing.T) *storage.ExecutionArchive {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	archive := storage.NewExecutionArchive(db)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []ledger.Record{
		{Seq: 1, Timestamp: base, Name: "echo", Source: ledger.SourceProtocol, Success: true, Duration: 2 * time.Millisecond, Args: map[string]any{"message": "hi"}},
		{Seq: 2, Timestamp: base.Add(time.Second), Name: "resize", Source: ledger.SourceDispatch, Success: false, Duration: 4 * time.Millisecond, Error: "deadline exceeded", ErrorKind: queue.KindTimeout, WorkerID: "img-1"},
		{Seq: 3, Timestamp: base.Add(2 * time.Second), Name: "echo", Source: ledger.SourceProtocol, Success: true, Duration: 6 * time.Millisecond},
	}
	for _, rec := range records {
		if err := archive.Store(context.Background(), rec); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	return archive
}

func TestBuildReportSummarisesHistory(t *testing.T) {
	t.Parallel()
	archive := seedArchive(t)

	out, err := BuildReport(context.Background(), archive, "", 10)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Records     : 3",
		"Failed      : 1",
		"Avg duration: 4ms",
		"timeout          1",
		"#3 2026-05-01T12:00:02Z echo",
		"worker : img-1",
		"error  : deadline exceeded (timeout)",
		`args   : {"message":"hi"}`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	// Newest first.
	if strings.Index(out, "#3 ") > strings.Index(out, "#1 ") {
		t.Errorf("records not newest first:\n%s", out)
	}
}

func TestBuildJSONReportFiltersByName(t *testing.T) {
	t.Parallel()
	archive := seedArchive(t)

	out, err := BuildJSONReport(context.Background(), archive, "echo", 10)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Total != 2 || report.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", report)
	}
	if report.ByName["echo"] != 2 {
		t.Fatalf("ByName = %v", report.ByName)
	}
}

func TestGatherEmptyArchive(t *testing.T) {
	t.Parallel()
	db, err := storage.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	report, err := Gather(context.Background(), storage.NewExecutionArchive(db), "", 5)
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if report.Total != 0 || report.Records == nil {
		t.Fatalf("unexpected report: %+v", report)
	}
}

type failingArchive struct{}

func (failingArchive) Recent(context.Context, string, int) ([]ledger.Record, error) {
	return nil, errors.New("disk on fire")
}

func TestGatherPropagatesErrors(t *testing.T) {
	t.Parallel()
	if _, err := BuildReport(context.Background(), failingArchive{}, "", 1); err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("err = %v", err)
	}
}
