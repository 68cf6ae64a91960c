// Package scheduler submits configured work items on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/toolgate/internal/config"
	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/queue"
)

// DefaultTickInterval is how often schedules are checked when Options leaves
// it unset.
const DefaultTickInterval = time.Second

// Options tune a Scheduler.
type Options struct {
	TickInterval time.Duration
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Status is a point-in-time view of one schedule.
type Status struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Every   time.Duration `json:"every"`
	NextRun time.Time     `json:"next_run"`
	LastID  string        `json:"last_id,omitempty"`
	Runs    int64         `json:"runs"`
	Skipped int64         `json:"skipped"`
	Errors  int64         `json:"errors"`
}

type entry struct {
	conf  config.ScheduleConf
	every time.Duration
	next  time.Time

	lastID  string
	runs    int64
	skipped int64
	errors  int64
}

// Scheduler owns a set of schedules and submits their work when due. A
// schedule whose previous item is still queued, parked or running is skipped
// for that interval.
type Scheduler struct {
	submitter Submitter
	tick      time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	entries []*entry

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New validates the schedules and computes each first run, one jittered
// interval from now.
func New(schedules []config.ScheduleConf, submitter Submitter, opts Options) (*Scheduler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("scheduler: submitter is nil")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		submitter: submitter,
		tick:      opts.TickInterval,
		now:       opts.Now,
		logger:    log.WithComponent("scheduler"),
		stopCh:    make(chan struct{}),
	}

	start := s.now()
	for _, sc := range schedules {
		every, err := config.ParseInterval(sc.Every)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.ID, err)
		}
		s.entries = append(s.entries, &entry{
			conf:  sc,
			every: every,
			next:  start.Add(jitteredInterval(every, sc.Jitter)),
		})
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].conf.ID < s.entries[j].conf.ID })
	return s, nil
}

// Start launches the tick loop. It does not block.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler", "schedules", len(s.entries), "tick", s.tick)
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop ends the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunDue()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunDue submits every schedule whose next run has passed and returns how
// many items were submitted.
func (s *Scheduler) RunDue() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	submitted := 0
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		// Missed intervals collapse into one run.
		for !now.Before(e.next) {
			e.next = e.next.Add(e.every)
		}
		e.next = e.next.Add(jitteredInterval(0, e.conf.Jitter))

		if e.lastID != "" && pending(s.submitter.State(e.lastID)) {
			e.skipped++
			s.logger.Info("skipped schedule; previous run still pending", "schedule", e.conf.ID, "work_id", e.lastID)
			continue
		}

		id, err := s.submitter.Submit(s.itemFor(e, now))
		if err != nil {
			e.errors++
			s.logger.Error("failed to submit scheduled work", "schedule", e.conf.ID, "type", e.conf.Type, "error", err)
			continue
		}
		e.lastID = id
		e.runs++
		submitted++
		s.logger.Debug("submitted scheduled work", "schedule", e.conf.ID, "work_id", id, "next_run", e.next)
	}
	return submitted
}

func (s *Scheduler) itemFor(e *entry, now time.Time) *queue.WorkItem {
	item := &queue.WorkItem{
		ID:          fmt.Sprintf("%s-%s", e.conf.ID, uuid.NewString()[:8]),
		Type:        e.conf.Type,
		Priority:    e.conf.Priority,
		Params:      e.conf.Params,
		SubmittedBy: "scheduler:" + e.conf.ID,
	}
	if e.conf.Input != nil {
		item.Input = e.conf.Input
	}
	if e.conf.Deadline > 0 {
		deadline := now.Add(e.conf.Deadline)
		item.Deadline = &deadline
	}
	return item
}

// Statuses reports every schedule, ordered by id.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{
			ID:      e.conf.ID,
			Type:    e.conf.Type,
			Every:   e.every,
			NextRun: e.next,
			LastID:  e.lastID,
			Runs:    e.runs,
			Skipped: e.skipped,
			Errors:  e.errors,
		})
	}
	return out
}

func pending(st dispatch.ItemState) bool {
	switch st {
	case dispatch.ItemQueued, dispatch.ItemParked, dispatch.ItemRunning:
		return true
	}
	return false
}

// jitteredInterval returns base plus a random duration in [0, jitter).
func jitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}
