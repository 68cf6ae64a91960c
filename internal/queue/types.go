package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrorKind classifies why a unit of work or an invocation failed.
// The set is closed; callers switch on it instead of matching message text.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindTimeout        ErrorKind = "timeout"
	KindHandlerFailure ErrorKind = "handler_failure"
	KindNoWorker       ErrorKind = "no_worker"
	KindDependency     ErrorKind = "dependency"
)

// WorkItem is a typed unit of input submitted for processing by a matched worker.
// It must not be mutated after Push.
type WorkItem struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Input       any            `json:"input,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	SubmittedBy string         `json:"submitted_by,omitempty"`

	// Stamped by the queue.
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the item's deadline has passed at now.
func (w *WorkItem) Expired(now time.Time) bool {
	return w.Deadline != nil && !now.Before(*w.Deadline)
}

// WorkResult is the single terminal outcome of a WorkItem. Its ID always equals
// the originating item's ID.
type WorkResult struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	Duration    time.Duration  `json:"duration"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Succeeded reports whether the result carries a successful outcome.
func (r *WorkResult) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// Failed builds a failed result for id.
func Failed(id string, kind ErrorKind, msg string) *WorkResult {
	return &WorkResult{
		ID:          id,
		Status:      StatusFailed,
		Error:       msg,
		ErrorKind:   kind,
		Metadata:    map[string]any{"error_kind": string(kind)},
		CompletedAt: time.Now().UTC(),
	}
}

var (
	ErrEmptyType   = errors.New("work item type is empty")
	ErrDuplicateID = errors.New("work item id already queued")
)
