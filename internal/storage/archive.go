package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/queue"
)

// timeLayout is fixed-width so recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ExecutionArchive stores ledger records in the execution_log table.
type ExecutionArchive struct {
	db *sql.DB
}

func NewExecutionArchive(db *sql.DB) *ExecutionArchive {
	return &ExecutionArchive{db: db}
}

// Store implements ledger.Archive.
func (a *ExecutionArchive) Store(ctx context.Context, rec ledger.Record) error {
	var args any
	if len(rec.Args) > 0 {
		b, err := json.Marshal(rec.Args)
		if err != nil {
			return fmt.Errorf("marshal args: %w", err)
		}
		args = string(b)
	}

	_, err := a.db.ExecContext(ctx, `
INSERT INTO execution_log(seq, recorded_at, name, source, args, success, duration_ms, error, error_kind, worker_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.Seq,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.Name,
		string(rec.Source),
		args,
		boolToInt(rec.Success),
		rec.Duration.Milliseconds(),
		nullString(rec.Error),
		nullString(string(rec.ErrorKind)),
		nullString(rec.WorkerID),
	)
	if err != nil {
		return fmt.Errorf("insert execution_log: %w", err)
	}
	return nil
}

// Recent returns up to limit archived records, newest first. An empty name
// matches every capability.
func (a *ExecutionArchive) Recent(ctx context.Context, name string, limit int) ([]ledger.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.QueryContext(ctx, `
SELECT seq, recorded_at, name, source, args, success, duration_ms, error, error_kind, worker_id
FROM execution_log
WHERE (? = '' OR name = ?)
ORDER BY recorded_at DESC, seq DESC
LIMIT ?;
`, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution_log: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			rec        ledger.Record
			recordedAt string
			source     string
			args       sql.NullString
			success    int
			durationMS int64
			errText    sql.NullString
			errKind    sql.NullString
			workerID   sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &recordedAt, &rec.Name, &source, &args, &success, &durationMS, &errText, &errKind, &workerID); err != nil {
			return nil, fmt.Errorf("scan execution_log: %w", err)
		}
		ts, err := time.Parse(timeLayout, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		rec.Timestamp = ts
		rec.Source = ledger.Source(source)
		rec.Success = success != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Error = errText.String
		rec.ErrorKind = queue.ErrorKind(errKind.String)
		rec.WorkerID = workerID.String
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &rec.Args); err != nil {
				return nil, fmt.Errorf("unmarshal args: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution_log: %w", err)
	}
	return out, nil
}

// Prune deletes archived records older than retention and returns how many were removed.
func (a *ExecutionArchive) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)
	res, err := a.db.ExecContext(ctx, `DELETE FROM execution_log WHERE recorded_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune execution_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
