package scheduler

import (
	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/toolgate/internal/scheduler Submitter

// Submitter is the part of the dispatcher the scheduler drives.
type Submitter interface {
	Submit(item *queue.WorkItem) (string, error)
	State(id string) dispatch.ItemState
}
