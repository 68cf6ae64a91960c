package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/queue"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "ledger.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", "execution_log").Scan(&name); err != nil {
		t.Fatalf("table execution_log missing: %v", err)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestExecutionArchiveRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive := NewExecutionArchive(db)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, archive.Store(ctx, ledger.Record{
		Seq: 1, Timestamp: base, Name: "double", Source: ledger.SourceProtocol,
		Args: map[string]any{"value": float64(5)}, Success: true, Duration: 15 * time.Millisecond,
	}))
	require.NoError(t, archive.Store(ctx, ledger.Record{
		Seq: 2, Timestamp: base.Add(500 * time.Millisecond), Name: "resize", Source: ledger.SourceDispatch,
		Success: false, Error: "execution timed out after 1s", ErrorKind: queue.KindTimeout, WorkerID: "w-1",
	}))
	require.NoError(t, archive.Store(ctx, ledger.Record{
		Seq: 3, Timestamp: base.Add(time.Second), Name: "double", Source: ledger.SourceProtocol, Success: true,
	}))

	all, err := archive.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Seq)
	assert.Equal(t, int64(2), all[1].Seq)

	timedOut := all[1]
	assert.False(t, timedOut.Success)
	assert.Equal(t, queue.KindTimeout, timedOut.ErrorKind)
	assert.Equal(t, "w-1", timedOut.WorkerID)
	assert.Equal(t, ledger.SourceDispatch, timedOut.Source)
	assert.True(t, timedOut.Timestamp.Equal(base.Add(500*time.Millisecond)))

	doubles, err := archive.Recent(ctx, "double", 10)
	require.NoError(t, err)
	require.Len(t, doubles, 2)
	assert.Equal(t, map[string]any{"value": float64(5)}, doubles[1].Args)
	assert.Equal(t, 15*time.Millisecond, doubles[1].Duration)

	limited, err := archive.Recent(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestExecutionArchivePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive := NewExecutionArchive(db)
	require.NoError(t, archive.Store(ctx, ledger.Record{Seq: 1, Timestamp: time.Now().Add(-48 * time.Hour), Name: "old", Source: ledger.SourceProtocol}))
	require.NoError(t, archive.Store(ctx, ledger.Record{Seq: 2, Timestamp: time.Now(), Name: "new", Source: ledger.SourceProtocol}))

	n, err := archive.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := archive.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].Name)

	n, err = archive.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecutionArchiveWiredIntoLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive := NewExecutionArchive(db)
	l := ledger.New(1, archive)
	l.Append(ledger.Record{Name: "a", Source: ledger.SourceProtocol, Success: true})
	l.Append(ledger.Record{Name: "b", Source: ledger.SourceProtocol, Success: true})

	// The ring keeps one record; the archive keeps both.
	assert.Equal(t, 1, l.Len())
	rows, err := archive.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
