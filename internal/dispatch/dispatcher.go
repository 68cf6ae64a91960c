package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/queue"
	"github.com/mattjoyce/toolgate/internal/worker"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrAlreadyRunning  = errors.New("dispatch loop already running")
)

// Options tune a Dispatcher. Zero values select defaults.
type Options struct {
	ResultCapacity  int
	MailboxCapacity int
	// PollInterval is a safety-net wakeup; the loop is normally woken by
	// Submit and by completions.
	PollInterval time.Duration
	// WorkerTimeout applies to workers registered without their own timeout.
	WorkerTimeout time.Duration
}

// ItemState is where an item currently is.
type ItemState string

const (
	ItemUnknown   ItemState = "unknown"
	ItemParked    ItemState = "parked"
	ItemQueued    ItemState = "queued"
	ItemRunning   ItemState = "running"
	ItemSucceeded ItemState = "succeeded"
	ItemFailed    ItemState = "failed"
)

// WorkerInfo is a point-in-time view of a registered worker.
type WorkerInfo struct {
	ID           string         `json:"id"`
	Capabilities []string       `json:"capabilities"`
	State        worker.State   `json:"state"`
	Metrics      worker.Metrics `json:"metrics"`
}

// Dispatcher owns the queue, the registered workers, the result store and the
// worker mailboxes.
type Dispatcher struct {
	queue   *queue.Queue
	results *ResultStore
	ledger  *ledger.Ledger
	opts    Options
	logger  *slog.Logger
	wake    chan struct{}

	mu        sync.Mutex
	runners   []*worker.Runner // registration order
	byID      map[string]*worker.Runner
	mailboxes map[string]*Mailbox
	parked    map[string]*queue.WorkItem
	inflight  map[string]string // work id -> worker id
	running   bool
}

// New creates a Dispatcher. led may be nil.
func New(led *ledger.Ledger, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		queue:     queue.New(),
		results:   NewResultStore(opts.ResultCapacity),
		ledger:    led,
		opts:      opts,
		logger:    log.WithComponent("dispatch"),
		wake:      make(chan struct{}, 1),
		byID:      make(map[string]*worker.Runner),
		mailboxes: make(map[string]*Mailbox),
		parked:    make(map[string]*queue.WorkItem),
		inflight:  make(map[string]string),
	}
}

// Register initialises w (if it implements worker.Initializer) and adds it to
// the pool. A non-positive timeout selects Options.WorkerTimeout.
func (d *Dispatcher) Register(ctx context.Context, w worker.Worker, timeout time.Duration) error {
	if w == nil || w.ID() == "" {
		return fmt.Errorf("worker has no id")
	}
	if len(w.Capabilities()) == 0 {
		return fmt.Errorf("worker %q declares no capabilities", w.ID())
	}

	d.mu.Lock()
	_, exists := d.byID[w.ID()]
	d.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID())
	}

	if init, ok := w.(worker.Initializer); ok {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("init worker %q: %w", w.ID(), err)
		}
	}

	if timeout <= 0 {
		timeout = d.opts.WorkerTimeout
	}
	r := worker.NewRunner(w, timeout)

	d.mu.Lock()
	if _, exists := d.byID[w.ID()]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID())
	}
	d.runners = append(d.runners, r)
	d.byID[w.ID()] = r
	d.mailboxes[w.ID()] = newMailbox(w.ID(), d.opts.MailboxCapacity)
	d.mu.Unlock()

	d.logger.Info("worker registered", "worker_id", w.ID(), "capabilities", w.Capabilities(), "timeout", r.Timeout())
	d.signal()
	return nil
}

// Unregister stops a worker, closes its mailbox and, if it implements
// io.Closer, closes it. An item already in flight on it still completes.
func (d *Dispatcher) Unregister(id string) error {
	d.mu.Lock()
	r, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	delete(d.byID, id)
	for i, candidate := range d.runners {
		if candidate == r {
			d.runners = append(d.runners[:i], d.runners[i+1:]...)
			break
		}
	}
	if mb, ok := d.mailboxes[id]; ok {
		mb.close()
		delete(d.mailboxes, id)
	}
	d.mu.Unlock()

	r.Stop()
	d.closeWorker(r.Worker())
	d.logger.Info("worker unregistered", "worker_id", id)
	return nil
}

// Shutdown unregisters every worker.
func (d *Dispatcher) Shutdown() {
	for _, w := range d.Workers() {
		_ = d.Unregister(w.ID)
	}
}

func (d *Dispatcher) closeWorker(w worker.Worker) {
	if c, ok := w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("worker close failed", "worker_id", w.ID(), "error", err)
		}
	}
}

// Workers lists registered workers in registration order.
func (d *Dispatcher) Workers() []WorkerInfo {
	d.mu.Lock()
	runners := append([]*worker.Runner(nil), d.runners...)
	d.mu.Unlock()

	out := make([]WorkerInfo, 0, len(runners))
	for _, r := range runners {
		out = append(out, WorkerInfo{
			ID:           r.ID(),
			Capabilities: r.Capabilities(),
			State:        r.State(),
			Metrics:      r.Metrics(),
		})
	}
	return out
}

// Submit accepts a work item and returns its id.
//
// Malformed items (nil, empty type, duplicate id) are rejected with an error
// and nothing is recorded. Every other item ends in exactly one WorkResult:
// items no worker can handle and items with an unknown or failed dependency
// fail immediately, items with pending dependencies are parked, and the rest
// are queued.
func (d *Dispatcher) Submit(item *queue.WorkItem) (string, error) {
	if item == nil {
		return "", fmt.Errorf("work item is nil")
	}
	if item.Type == "" {
		return "", queue.ErrEmptyType
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	d.mu.Lock()
	if d.stateLocked(item.ID) != ItemUnknown {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicateID, item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	if !d.capableLocked(item.Type) {
		recs := d.failLocked(item, queue.KindNoWorker, fmt.Sprintf("no suitable worker for type %q", item.Type))
		d.mu.Unlock()
		d.logger.Warn("no suitable worker", "work_id", item.ID, "type", item.Type)
		d.appendRecords(recs)
		return item.ID, nil
	}

	pending := false
	for _, dep := range item.DependsOn {
		switch st := d.stateLocked(dep); st {
		case ItemSucceeded:
		case ItemUnknown:
			recs := d.failLocked(item, queue.KindDependency, fmt.Sprintf("unknown dependency %q", dep))
			d.mu.Unlock()
			d.appendRecords(recs)
			return item.ID, nil
		case ItemFailed:
			recs := d.failLocked(item, queue.KindDependency, fmt.Sprintf("dependency %q failed", dep))
			d.mu.Unlock()
			d.appendRecords(recs)
			return item.ID, nil
		default:
			pending = true
		}
	}

	if pending {
		d.parked[item.ID] = item
		d.mu.Unlock()
		d.logger.Debug("work item parked on dependencies", "work_id", item.ID, "depends_on", item.DependsOn)
		return item.ID, nil
	}

	_, err := d.queue.Push(item)
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	d.logger.Debug("work item queued", "work_id", item.ID, "type", item.Type, "priority", item.Priority)
	d.signal()
	return item.ID, nil
}

// Result returns the stored result for id.
func (d *Dispatcher) Result(id string) (*queue.WorkResult, bool) {
	return d.results.Get(id)
}

// Wait blocks until id has a result or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*queue.WorkResult, error) {
	return d.results.Wait(ctx, id)
}

// State reports where id currently is.
func (d *Dispatcher) State(id string) ItemState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked(id)
}

// Pending is the number of items queued or parked.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len() + len(d.parked)
}

// Queued returns the queued items in dispatch order.
func (d *Dispatcher) Queued() []*queue.WorkItem {
	return d.queue.Snapshot()
}

// Start runs the dispatch loop until ctx is cancelled. Only one loop may run.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// drain makes one pass over the queue in dispatch order. Each item is handed
// to an idle capable worker, failed, or held back when every capable worker is
// busy. Held items go back in their original place, so a busy worker type never
// blocks items that another worker could take now.
func (d *Dispatcher) drain(ctx context.Context) {
	d.mu.Lock()
	recs := d.dispatchPassLocked(ctx)
	d.mu.Unlock()
	d.appendRecords(recs)
}

// dispatchPassLocked returns the ledger records to append once the lock is
// released.
func (d *Dispatcher) dispatchPassLocked(ctx context.Context) []ledger.Record {
	var (
		recs []ledger.Record
		held []*queue.WorkItem
	)
	// Types whose capable workers are all busy for the rest of this pass.
	blocked := make(map[string]bool)

	defer func() {
		for _, item := range held {
			d.requeueLocked(item)
		}
	}()

	for ctx.Err() == nil {
		item := d.queue.Pop()
		if item == nil {
			break
		}

		if item.Expired(time.Now()) {
			recs = append(recs, d.failLocked(item, queue.KindTimeout, "deadline passed before dispatch")...)
			continue
		}
		if blocked[item.Type] {
			held = append(held, item)
			continue
		}

		r, capable := d.selectLocked(item.Type)
		if !capable {
			// The last capable worker was unregistered after Submit.
			recs = append(recs, d.failLocked(item, queue.KindNoWorker, fmt.Sprintf("no suitable worker for type %q", item.Type))...)
			continue
		}
		if r == nil {
			blocked[item.Type] = true
			held = append(held, item)
			continue
		}

		d.inflight[item.ID] = r.ID()
		if !r.TryDispatch(ctx, item, func(res *queue.WorkResult) { d.complete(item, res) }, d.signal) {
			delete(d.inflight, item.ID)
			held = append(held, item)
			continue
		}
		d.logger.Debug("work item dispatched", "work_id", item.ID, "worker_id", r.ID())
	}
	return recs
}

func (d *Dispatcher) requeueLocked(item *queue.WorkItem) {
	if err := d.queue.Requeue(item); err != nil {
		d.logger.Error("failed to requeue work item", "work_id", item.ID, "error", err)
	}
}

// selectLocked returns the idle capable worker with the fewest processed
// items, ties going to the earliest registered. capable is false when no
// registered worker declares workType.
func (d *Dispatcher) selectLocked(workType string) (best *worker.Runner, capable bool) {
	var bestCount int64
	for _, r := range d.runners {
		if !r.Handles(workType) {
			continue
		}
		capable = true
		if r.State() != worker.StateIdle {
			continue
		}
		n := r.Metrics().ItemsProcessed
		if best == nil || n < bestCount {
			best, bestCount = r, n
		}
	}
	return best, capable
}

func (d *Dispatcher) capableLocked(workType string) bool {
	for _, r := range d.runners {
		if r.Handles(workType) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) stateLocked(id string) ItemState {
	if res, ok := d.results.Get(id); ok {
		if res.Succeeded() {
			return ItemSucceeded
		}
		return ItemFailed
	}
	if _, ok := d.inflight[id]; ok {
		return ItemRunning
	}
	if _, ok := d.parked[id]; ok {
		return ItemParked
	}
	if d.queue.Contains(id) {
		return ItemQueued
	}
	return ItemUnknown
}

// complete is called on the runner goroutine with the item's result. After a
// timeout the worker may still be busy; the runner signals again on release.
func (d *Dispatcher) complete(item *queue.WorkItem, res *queue.WorkResult) {
	d.mu.Lock()
	delete(d.inflight, item.ID)
	recs := d.finishLocked(item, res)
	d.mu.Unlock()

	d.appendRecords(recs)
	d.signal()
}

func (d *Dispatcher) failLocked(item *queue.WorkItem, kind queue.ErrorKind, msg string) []ledger.Record {
	return d.finishLocked(item, queue.Failed(item.ID, kind, msg))
}

// finishLocked stores res and settles any parked items that depended on it.
// It returns the ledger records to append once the lock is released.
func (d *Dispatcher) finishLocked(item *queue.WorkItem, res *queue.WorkResult) []ledger.Record {
	var recs []ledger.Record
	work := []struct {
		item *queue.WorkItem
		res  *queue.WorkResult
	}{{item, res}}

	for len(work) > 0 {
		cur := work[0]
		work = work[1:]

		if err := d.results.Put(cur.res); err != nil {
			d.logger.Error("failed to store result", "work_id", cur.res.ID, "error", err)
			continue
		}
		recs = append(recs, recordFor(cur.item, cur.res))
		if cur.res.Succeeded() {
			d.logger.Info("work item succeeded", "work_id", cur.res.ID, "worker_id", cur.res.WorkerID, "duration", cur.res.Duration)
		} else {
			d.logger.Warn("work item failed", "work_id", cur.res.ID, "error_kind", cur.res.ErrorKind, "error", cur.res.Error)
		}

		for id, parked := range d.parked {
			if !dependsOn(parked, cur.res.ID) {
				continue
			}
			if !cur.res.Succeeded() {
				delete(d.parked, id)
				work = append(work, struct {
					item *queue.WorkItem
					res  *queue.WorkResult
				}{parked, queue.Failed(id, queue.KindDependency, fmt.Sprintf("dependency %q failed", cur.res.ID))})
				continue
			}
			if d.depsSucceededLocked(parked) {
				delete(d.parked, id)
				if _, err := d.queue.Push(parked); err != nil {
					d.logger.Error("failed to queue released work item", "work_id", id, "error", err)
				}
			}
		}
	}
	return recs
}

func (d *Dispatcher) depsSucceededLocked(item *queue.WorkItem) bool {
	for _, dep := range item.DependsOn {
		if d.stateLocked(dep) != ItemSucceeded {
			return false
		}
	}
	return true
}

func dependsOn(item *queue.WorkItem, id string) bool {
	for _, dep := range item.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

func recordFor(item *queue.WorkItem, res *queue.WorkResult) ledger.Record {
	args := make(map[string]any, len(item.Params)+1)
	for k, v := range item.Params {
		args[k] = v
	}
	args["work_id"] = item.ID
	return ledger.Record{
		Timestamp: res.CompletedAt,
		Name:      item.Type,
		Source:    ledger.SourceDispatch,
		Args:      args,
		Success:   res.Succeeded(),
		Duration:  res.Duration,
		Error:     res.Error,
		ErrorKind: res.ErrorKind,
		WorkerID:  res.WorkerID,
	}
}

func (d *Dispatcher) appendRecords(recs []ledger.Record) {
	if d.ledger == nil {
		return
	}
	for _, rec := range recs {
		d.ledger.Append(rec)
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Send delivers a message to the mailbox of worker to. from is free-form.
func (d *Dispatcher) Send(from, to, msgType string, content any) (string, error) {
	d.mu.Lock()
	mb, ok := d.mailboxes[to]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorker, to)
	}
	msg := newMessage(from, to, msgType, content)
	if err := mb.deliver(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Broadcast sends a message to every registered worker except from and
// returns how many mailboxes accepted it.
func (d *Dispatcher) Broadcast(from, msgType string, content any) (int, error) {
	d.mu.Lock()
	targets := make([]*Mailbox, 0, len(d.runners))
	for _, r := range d.runners {
		if r.ID() == from {
			continue
		}
		targets = append(targets, d.mailboxes[r.ID()])
	}
	d.mu.Unlock()

	var (
		delivered int
		errs      []error
	)
	for _, mb := range targets {
		if err := mb.deliver(newMessage(from, mb.Owner(), msgType, content)); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// Mailbox returns the mailbox of a registered worker.
func (d *Dispatcher) Mailbox(workerID string) (*Mailbox, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mb, ok := d.mailboxes[workerID]
	return mb, ok
}
