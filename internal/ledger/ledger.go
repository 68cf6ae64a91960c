// Package ledger keeps the bounded execution history shared by the dispatcher
// and the protocol server, and derives usage statistics from it on demand.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_archive.go -package=mocks github.com/mattjoyce/toolgate/internal/ledger Archive

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Source says which path produced a record.
type Source string

const (
	SourceProtocol Source = "protocol"
	SourceDispatch Source = "dispatch"
)

// Record is one invocation, successful or not.
type Record struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Name      string          `json:"name"`
	Source    Source          `json:"source"`
	Args      map[string]any  `json:"args,omitempty"`
	Success   bool            `json:"success"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
	ErrorKind queue.ErrorKind `json:"error_kind,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
}

// Archive receives every appended record, e.g. for offline inspection.
type Archive interface {
	Store(ctx context.Context, rec Record) error
}

// Ledger is a fixed-size ring of Records, oldest evicted first, with
// non-blocking fan-out to live subscribers.
type Ledger struct {
	nextSeq atomic.Int64
	archive Archive
	logger  *slog.Logger

	mu    sync.Mutex
	ring  []Record
	start int
	size  int

	subs      map[int]chan Record
	nextSubID int
}

// New creates a ledger. A non-positive capacity selects DefaultCapacity; archive may be nil.
func New(capacity int, archive Archive) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		archive: archive,
		logger:  log.WithComponent("ledger"),
		ring:    make([]Record, capacity),
		subs:    make(map[int]chan Record),
	}
}

// Capacity is the maximum number of records retained.
func (l *Ledger) Capacity() int { return len(l.ring) }

// Append stamps rec with a sequence number (and a timestamp when unset),
// stores it and returns the stored copy.
func (l *Ledger) Append(rec Record) Record {
	rec.Seq = l.nextSeq.Add(1)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.pushLocked(rec)
	for _, ch := range l.subs {
		// Slow subscribers miss records rather than block producers.
		select {
		case ch <- rec:
		default:
		}
	}
	l.mu.Unlock()

	if l.archive != nil {
		if err := l.archive.Store(context.Background(), rec); err != nil {
			l.logger.Warn("failed to archive execution record", "name", rec.Name, "seq", rec.Seq, "error", err)
		}
	}
	return rec
}

// Subscribe returns a channel of newly appended records and a cancel func.
func (l *Ledger) Subscribe() (<-chan Record, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	ch := make(chan Record, 128)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// Since returns buffered records with Seq > seq, oldest first.
func (l *Ledger) Since(seq int64) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, l.size)
	for i := 0; i < l.size; i++ {
		rec := l.ring[(l.start+i)%len(l.ring)]
		if rec.Seq > seq {
			out = append(out, rec)
		}
	}
	return out
}

// Recent returns up to n of the newest records, newest first.
func (l *Ledger) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.start + l.size - 1 - i) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Len is the number of records currently buffered.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *Ledger) pushLocked(rec Record) {
	capacity := len(l.ring)
	if l.size < capacity {
		l.ring[(l.start+l.size)%capacity] = rec
		l.size++
		return
	}

	// Overwrite oldest.
	l.ring[l.start] = rec
	l.start = (l.start + 1) % capacity
}
