// Package builtin registers the capabilities every toolgate process offers:
// the bridge from the protocol server into the dispatcher, plus health and
// ledger introspection.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/toolgate/internal/capability"
	"github.com/mattjoyce/toolgate/internal/dispatch"
	"github.com/mattjoyce/toolgate/internal/health"
	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/queue"
	"github.com/mattjoyce/toolgate/internal/scheduler"
)

// DefaultWaitTimeout bounds work.submit and work.result calls that wait for
// a result without giving their own timeout_ms.
const DefaultWaitTimeout = 30 * time.Second

// Deps are the collaborators the built-ins call into. A nil dependency leaves
// the capabilities that need it unregistered.
type Deps struct {
	Dispatcher  *dispatch.Dispatcher
	Ledger      *ledger.Ledger
	Health      *health.Monitor
	Schedules   *scheduler.Scheduler
	WaitTimeout time.Duration
}

// Register adds the built-in capabilities to reg.
func Register(reg *capability.Registry, deps Deps) error {
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = DefaultWaitTimeout
	}

	type builtin struct {
		desc    capability.Descriptor
		handler capability.HandlerFunc
		enabled bool
	}

	submitParams, err := capability.DescribeStruct(submitArgs{})
	if err != nil {
		return err
	}

	all := []builtin{
		{
			desc: capability.Descriptor{
				Name:        "echo",
				Description: "Returns its message unchanged.",
				Category:    "system",
				Params: []capability.Param{
					{Name: "message", Type: capability.TypeString, Required: true, Description: "Text to echo back"},
				},
			},
			handler: echo,
			enabled: true,
		},
		{
			desc: capability.Descriptor{
				Name:        "work.submit",
				Description: "Queues a work item for a matching worker and optionally waits for its result.",
				Category:    "work",
				Params:      submitParams,
			},
			handler: deps.submit,
			enabled: deps.Dispatcher != nil,
		},
		{
			desc: capability.Descriptor{
				Name:        "work.result",
				Description: "Returns the result of a submitted work item, or its current state.",
				Category:    "work",
				Params: []capability.Param{
					{Name: "id", Type: capability.TypeString, Required: true, Description: "Work item id"},
					{Name: "wait", Type: capability.TypeBoolean, Default: false, Description: "Block until the result is available"},
					{Name: "timeout_ms", Type: capability.TypeInteger, Description: "Maximum wait in milliseconds"},
				},
			},
			handler: deps.result,
			enabled: deps.Dispatcher != nil,
		},
		{
			desc: capability.Descriptor{
				Name:        "work.send_message",
				Description: "Delivers a message to one worker's mailbox, or to every worker when no recipient is given.",
				Category:    "work",
				Params: []capability.Param{
					{Name: "type", Type: capability.TypeString, Required: true, Description: "Message type"},
					{Name: "to", Type: capability.TypeString, Description: "Recipient worker id; omit to broadcast"},
					{Name: "from", Type: capability.TypeString, Default: "protocol", Description: "Sender id"},
					{Name: "content", Type: capability.TypeObject, Description: "Message payload"},
				},
			},
			handler: deps.sendMessage,
			enabled: deps.Dispatcher != nil,
		},
		{
			desc: capability.Descriptor{
				Name:        "work.workers",
				Description: "Lists registered workers with their state and metrics.",
				Category:    "work",
			},
			handler: deps.workers,
			enabled: deps.Dispatcher != nil,
		},
		{
			desc: capability.Descriptor{
				Name:        "work.schedules",
				Description: "Lists interval schedules with their next run and counters.",
				Category:    "work",
			},
			handler: deps.schedules,
			enabled: deps.Schedules != nil,
		},
		{
			desc: capability.Descriptor{
				Name:        "system.health",
				Description: "Reports process health: status, issues, CPU, memory and recent error rate.",
				Category:    "system",
				Params: []capability.Param{
					{Name: "refresh", Type: capability.TypeBoolean, Default: false, Description: "Take a fresh sample instead of the cached one"},
				},
			},
			handler: deps.healthReport,
			enabled: deps.Health != nil,
		},
		{
			desc: capability.Descriptor{
				Name:        "system.ledger",
				Description: "Returns execution statistics and the most recent execution records.",
				Category:    "system",
				Params: []capability.Param{
					{Name: "n", Type: capability.TypeInteger, Default: 10, Description: "Number of recent records"},
				},
			},
			handler: deps.ledgerSummary,
			enabled: deps.Ledger != nil,
		},
	}

	for _, b := range all {
		if !b.enabled {
			continue
		}
		if err := reg.Register(b.desc, b.handler); err != nil {
			return fmt.Errorf("register %s: %w", b.desc.Name, err)
		}
	}
	return nil
}

func echo(_ context.Context, args capability.Args) (any, error) {
	return args.String("message"), nil
}

type submitArgs struct {
	Type        string         `json:"type" desc:"Work type, matched against worker capabilities"`
	ID          string         `json:"id,omitempty" desc:"Caller-chosen id; generated when omitted"`
	Priority    int            `json:"priority,omitempty" desc:"Lower runs sooner"`
	Input       map[string]any `json:"input,omitempty" desc:"Work input"`
	Params      map[string]any `json:"params,omitempty" desc:"Work parameters"`
	DeadlineMS  int64          `json:"deadline_ms,omitempty" desc:"Deadline relative to submission, in milliseconds"`
	DependsOn   []string       `json:"depends_on,omitempty" desc:"Ids that must succeed first"`
	SubmittedBy string         `json:"submitted_by,omitempty" desc:"Free-form submitter identity"`
	Wait        bool           `json:"wait,omitempty" desc:"Block until the result is available"`
	TimeoutMS   int64          `json:"timeout_ms,omitempty" desc:"Maximum wait in milliseconds"`
}

// pendingView is returned while an item has no result yet.
type pendingView struct {
	ID    string             `json:"id"`
	State dispatch.ItemState `json:"state"`
}

func (d Deps) submit(ctx context.Context, args capability.Args) (any, error) {
	var in submitArgs
	if err := args.Decode(&in); err != nil {
		return nil, err
	}

	item := &queue.WorkItem{
		ID:          in.ID,
		Type:        in.Type,
		Priority:    in.Priority,
		Params:      in.Params,
		DependsOn:   in.DependsOn,
		SubmittedBy: in.SubmittedBy,
	}
	if in.Input != nil {
		item.Input = in.Input
	}
	if in.DeadlineMS > 0 {
		deadline := time.Now().Add(time.Duration(in.DeadlineMS) * time.Millisecond)
		item.Deadline = &deadline
	}

	id, err := d.Dispatcher.Submit(item)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateID) || errors.Is(err, queue.ErrEmptyType) {
			return nil, capability.NewApplicationError(err.Error(), map[string]any{"error": err.Error(), "id": in.ID})
		}
		return nil, err
	}

	if !in.Wait {
		return d.view(id), nil
	}
	return d.await(ctx, id, in.TimeoutMS)
}

func (d Deps) result(ctx context.Context, args capability.Args) (any, error) {
	id := args.String("id")
	if res, ok := d.Dispatcher.Result(id); ok {
		return res, nil
	}
	if d.Dispatcher.State(id) == dispatch.ItemUnknown {
		return nil, capability.NewApplicationError(
			fmt.Sprintf("unknown work item %q", id),
			map[string]any{"error": "unknown work item", "id": id},
		)
	}
	if !args.Bool("wait") {
		return d.view(id), nil
	}
	return d.await(ctx, id, int64(args.Int("timeout_ms")))
}

func (d Deps) await(ctx context.Context, id string, timeoutMS int64) (any, error) {
	timeout := d.WaitTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := d.Dispatcher.Wait(waitCtx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return d.view(id), nil
	}
	return res, nil
}

func (d Deps) view(id string) any {
	if res, ok := d.Dispatcher.Result(id); ok {
		return res
	}
	return pendingView{ID: id, State: d.Dispatcher.State(id)}
}

func (d Deps) sendMessage(_ context.Context, args capability.Args) (any, error) {
	from := args.String("from")
	msgType := args.String("type")
	var content any
	if args.Has("content") {
		content = args["content"]
	}

	if to := args.String("to"); to != "" {
		msgID, err := d.Dispatcher.Send(from, to, msgType, content)
		if err != nil {
			return nil, messageError(err, to)
		}
		return map[string]any{"message_id": msgID, "to": to}, nil
	}

	n, err := d.Dispatcher.Broadcast(from, msgType, content)
	out := map[string]any{"delivered": n}
	if err != nil {
		out["error"] = err.Error()
	}
	return out, nil
}

func messageError(err error, to string) error {
	switch {
	case errors.Is(err, dispatch.ErrUnknownWorker),
		errors.Is(err, dispatch.ErrMailboxFull),
		errors.Is(err, dispatch.ErrMailboxClosed):
		return capability.NewApplicationError(err.Error(), map[string]any{"error": err.Error(), "to": to})
	}
	return err
}

func (d Deps) workers(context.Context, capability.Args) (any, error) {
	return d.Dispatcher.Workers(), nil
}

func (d Deps) schedules(context.Context, capability.Args) (any, error) {
	return d.Schedules.Statuses(), nil
}

func (d Deps) healthReport(ctx context.Context, args capability.Args) (any, error) {
	if args.Bool("refresh") {
		return d.Health.SampleNow(ctx), nil
	}
	return d.Health.Current(ctx), nil
}

type ledgerView struct {
	Stats  ledger.Stats    `json:"stats"`
	Recent []ledger.Record `json:"recent"`
}

func (d Deps) ledgerSummary(_ context.Context, args capability.Args) (any, error) {
	n := args.Int("n")
	if n < 0 {
		return nil, capability.NewApplicationError("n must not be negative", nil)
	}
	return ledgerView{Stats: d.Ledger.Stats(), Recent: d.Ledger.Recent(n)}, nil
}
