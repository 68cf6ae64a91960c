package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/queue"
)

// DefaultTimeout bounds a single Execute call when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// Metrics are the rolling counters kept for one worker.
type Metrics struct {
	ItemsProcessed int64         `json:"items_processed"`
	Succeeded      int64         `json:"succeeded"`
	Failed         int64         `json:"failed"`
	AvgDuration    time.Duration `json:"avg_duration"`
	LastActivity   time.Time     `json:"last_activity"`
}

// Runner is the safe-execution wrapper around a Worker.
//
// Execute never returns an error and never panics: timeouts, returned errors and
// panics all become failed WorkResults. The runner is busy while an item is in
// flight and restores the prior state on every exit path. A timeout result is
// returned as soon as the timeout fires, but the runner stays busy until the
// worker's Execute actually returns.
type Runner struct {
	worker  Worker
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	metrics Metrics
}

// NewRunner wraps w. A non-positive timeout selects DefaultTimeout.
func NewRunner(w Worker, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		worker:  w,
		timeout: timeout,
		logger:  log.WithWorker(w.ID()),
		state:   StateIdle,
	}
}

func (r *Runner) ID() string             { return r.worker.ID() }
func (r *Runner) Capabilities() []string { return r.worker.Capabilities() }
func (r *Runner) Worker() Worker         { return r.worker }
func (r *Runner) Timeout() time.Duration { return r.timeout }

// Handles reports whether the wrapped worker declares workType.
func (r *Runner) Handles(workType string) bool {
	return Supports(r.worker, workType)
}

// State returns the current scheduling state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Metrics returns a copy of the rolling metrics.
func (r *Runner) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Stop marks the runner as stopped so it is never selected again.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
}

// Execute runs item synchronously under the wrapper.
func (r *Runner) Execute(ctx context.Context, item *queue.WorkItem) *queue.WorkResult {
	prev := r.enter()
	res, settled := r.execute(ctx, item)
	select {
	case <-settled:
		r.exit(prev)
	default:
		go func() {
			<-settled
			r.exit(prev)
		}()
	}
	return res
}

// TryDispatch reserves the runner if it is idle and runs item on a new
// goroutine. Returns false without side effects when the runner is not idle.
//
// When the worker returned in time, done is called after the runner's state
// has been restored. After a timeout, done is called at once while the runner
// stays busy; released (if set) is called once the worker finally returns and
// the runner is free again.
func (r *Runner) TryDispatch(ctx context.Context, item *queue.WorkItem, done func(*queue.WorkResult), released func()) bool {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return false
	}
	prev := r.state
	r.state = StateBusy
	r.mu.Unlock()

	go func() {
		res, settled := r.execute(ctx, item)
		select {
		case <-settled:
			r.exit(prev)
			if done != nil {
				done(res)
			}
			return
		default:
		}

		if done != nil {
			done(res)
		}
		<-settled
		r.exit(prev)
		r.logger.Info("worker released after late return", "work_id", item.ID)
		if released != nil {
			released()
		}
	}()
	return true
}

func (r *Runner) enter() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state
	r.state = StateBusy
	return prev
}

func (r *Runner) exit(prev State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A Stop during execution wins over the restore.
	if r.state == StateStopped {
		return
	}
	r.state = prev
}

type outcome struct {
	output   any
	err      error
	panicked any
	stack    []byte
}

// execute returns the item's result and a channel closed once the worker's
// Execute has returned. After a timeout the channel may close much later, or
// never for a worker that ignores its context.
func (r *Runner) execute(ctx context.Context, item *queue.WorkItem) (*queue.WorkResult, <-chan struct{}) {
	start := time.Now()
	settled := make(chan struct{})
	logger := r.logger.With("work_id", item.ID, "type", item.Type)

	timeout := r.timeout
	if item.Deadline != nil {
		if until := time.Until(*item.Deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		res := r.fail(item, queue.KindTimeout, "deadline exceeded before execution", nil, start)
		r.record(res)
		close(settled)
		return res, settled
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer close(settled)
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{panicked: p, stack: debug.Stack()}
			}
		}()
		out, err := r.worker.Execute(execCtx, item)
		ch <- outcome{output: out, err: err}
	}()

	var res *queue.WorkResult
	select {
	case o := <-ch:
		<-settled
		switch {
		case o.panicked != nil:
			logger.Error("worker panicked", "panic", fmt.Sprint(o.panicked), "stack", string(o.stack))
			res = r.fail(item, queue.KindHandlerFailure, fmt.Sprintf("worker panicked: %v", o.panicked), nil, start)
			res.Metadata["error_type"] = "panic"
		case o.err != nil:
			kind := queue.KindHandlerFailure
			if errors.Is(o.err, context.DeadlineExceeded) {
				kind = queue.KindTimeout
			}
			logger.Warn("worker returned error", "error", o.err)
			res = r.fail(item, kind, o.err.Error(), o.err, start)
		default:
			res = &queue.WorkResult{
				ID:       item.ID,
				Status:   queue.StatusSucceeded,
				Output:   o.output,
				Duration: time.Since(start),
				WorkerID: r.worker.ID(),
				Metadata: map[string]any{"worker_id": r.worker.ID()},
			}
		}
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			msg := fmt.Sprintf("execution timed out after %v", timeout)
			logger.Warn(msg)
			res = r.fail(item, queue.KindTimeout, msg, execCtx.Err(), start)
		} else {
			logger.Warn("execution cancelled")
			res = r.fail(item, queue.KindHandlerFailure, "execution cancelled", execCtx.Err(), start)
		}
	}

	res.CompletedAt = time.Now().UTC()
	r.record(res)
	return res, settled
}

func (r *Runner) fail(item *queue.WorkItem, kind queue.ErrorKind, msg string, err error, start time.Time) *queue.WorkResult {
	res := queue.Failed(item.ID, kind, msg)
	res.WorkerID = r.worker.ID()
	res.Duration = time.Since(start)
	res.Metadata["worker_id"] = r.worker.ID()
	if err != nil {
		res.Metadata["error_type"] = fmt.Sprintf("%T", err)
	}
	return res
}

func (r *Runner) record(res *queue.WorkResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &r.metrics
	m.ItemsProcessed++
	if res.Succeeded() {
		m.Succeeded++
	} else {
		m.Failed++
	}
	m.AvgDuration += (res.Duration - m.AvgDuration) / time.Duration(m.ItemsProcessed)
	m.LastActivity = time.Now().UTC()
}
