// Package worker defines the pluggable worker contract and the safe-execution
// wrapper (Runner) the dispatcher drives.
//
// A Worker declares a fixed capability set and executes WorkItems whose type is
// in that set. Workers never see the wrapper's bookkeeping: the Runner owns the
// busy/idle state, the timeout, panic recovery and rolling metrics.
package worker

import (
	"context"
	"fmt"
	"slices"

	"github.com/mattjoyce/toolgate/internal/queue"
)

// Worker executes typed work items.
type Worker interface {
	ID() string
	Capabilities() []string
	Execute(ctx context.Context, item *queue.WorkItem) (any, error)
}

// Initializer is implemented by workers that need setup before their first item.
type Initializer interface {
	Init(ctx context.Context) error
}

// State is the scheduling state of a worker.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateStopped State = "stopped"
)

// FuncWorker adapts a plain function to the Worker interface.
type FuncWorker struct {
	WorkerID string
	Types    []string
	Fn       func(ctx context.Context, item *queue.WorkItem) (any, error)
}

func (f *FuncWorker) ID() string             { return f.WorkerID }
func (f *FuncWorker) Capabilities() []string { return f.Types }

func (f *FuncWorker) Execute(ctx context.Context, item *queue.WorkItem) (any, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("worker %q has no function", f.WorkerID)
	}
	return f.Fn(ctx, item)
}

// EchoWorker returns each item's input unchanged.
type EchoWorker struct {
	WorkerID string
	Types    []string
}

func NewEchoWorker(id string, types ...string) *EchoWorker {
	if len(types) == 0 {
		types = []string{"echo"}
	}
	return &EchoWorker{WorkerID: id, Types: types}
}

func (e *EchoWorker) ID() string             { return e.WorkerID }
func (e *EchoWorker) Capabilities() []string { return e.Types }

func (e *EchoWorker) Execute(ctx context.Context, item *queue.WorkItem) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return item.Input, nil
}

// Supports reports whether w declares workType in its capability set.
func Supports(w Worker, workType string) bool {
	return slices.Contains(w.Capabilities(), workType)
}
