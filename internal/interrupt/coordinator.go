package interrupt

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ent0n29/chorus/internal/group"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

// Queue is the part of the task queue the coordinator drives.
type Queue interface {
	Interrupt(scope taskqueue.Scope) (taskqueue.Task, bool)
}

// Groups resolves the group a client currently belongs to.
type Groups interface {
	GroupOf(uid string) (group.Group, bool)
}

// Reconciler appends what a listener heard of an interrupted reply to the
// conversation the task belongs to.
type Reconciler interface {
	AppendHeard(ctx context.Context, task taskqueue.Task, heard string) error
}

// Owners reports the scope of the task a client started while that task is
// still queued or running.
type Owners interface {
	ActiveScope(clientUID string) (taskqueue.Scope, bool)
}

// Sessions counts interruptions per client.
type Sessions interface {
	RecordInterrupt(clientUID string) error
}

type Options struct {
	Queue      Queue
	Groups     Groups
	Owners     Owners
	Reconciler Reconciler
	Sessions   Sessions
	Logger     *slog.Logger
}

// Result describes the effect of one interrupt request.
type Result struct {
	Task taskqueue.Task
	// Stopped is false when the scope had nothing queued or running.
	Stopped bool
	// WasRunning distinguishes a cancelled generation from a dequeued task.
	WasRunning bool
	Reconciled bool
}

// Coordinator stops the active task of a client or group and reconciles the
// conversation history with the part of the reply already heard.
type Coordinator struct {
	opts   Options
	logger *slog.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{opts: opts, logger: logger.With("component", "interrupt")}
}

// InterruptClient interrupts on behalf of clientUID. A task the client
// started is stopped wherever it runs; otherwise members of a group interrupt
// the group task.
func (c *Coordinator) InterruptClient(ctx context.Context, clientUID, heard string) (Result, error) {
	return c.Interrupt(ctx, c.TargetOf(clientUID), clientUID, heard)
}

// TargetOf returns the scope an interrupt from clientUID applies to. Group
// membership can change while a task runs, so the scope of the client's own
// active task wins over its current group.
func (c *Coordinator) TargetOf(clientUID string) taskqueue.Scope {
	if c.opts.Owners != nil {
		if scope, ok := c.opts.Owners.ActiveScope(clientUID); ok {
			return scope
		}
	}
	return c.ScopeOf(clientUID)
}

// ScopeOf returns the scope turns of clientUID run under.
func (c *Coordinator) ScopeOf(clientUID string) taskqueue.Scope {
	if c.opts.Groups != nil {
		if g, ok := c.opts.Groups.GroupOf(clientUID); ok {
			return taskqueue.GroupScope(g.ID)
		}
	}
	return taskqueue.ClientScope(clientUID)
}

// Interrupt stops the active task of scope. By the time it returns the task
// is INTERRUPTED and no further fragment of it will be delivered. Calling it
// again for the same scope is a no-op. Reconciliation failures are returned
// but do not undo the interrupt.
func (c *Coordinator) Interrupt(ctx context.Context, scope taskqueue.Scope, requester, heard string) (Result, error) {
	task, ok := c.opts.Queue.Interrupt(scope)
	if !ok {
		c.logger.Debug("interrupt with no active task", "scope", scope.String(), "requester", requester)
		return Result{}, nil
	}
	res := Result{Task: task, Stopped: true, WasRunning: !task.StartedAt.IsZero()}

	if c.opts.Sessions != nil && requester != "" {
		if err := c.opts.Sessions.RecordInterrupt(requester); err != nil {
			c.logger.Debug("interrupt count not recorded", "client_uid", requester, "error", err)
		}
	}

	heard = strings.TrimSpace(heard)
	c.logger.Info("task interrupted",
		"task_id", task.ID,
		"scope", scope.String(),
		"requester", requester,
		"was_running", res.WasRunning,
		"heard_chars", len(heard),
	)
	if !res.WasRunning || heard == "" || c.opts.Reconciler == nil {
		return res, nil
	}
	if err := c.opts.Reconciler.AppendHeard(ctx, task, heard); err != nil {
		return res, err
	}
	res.Reconciled = true
	return res, nil
}
