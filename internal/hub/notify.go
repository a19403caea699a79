package hub

import (
	"context"
	"time"

	"github.com/ent0n29/chorus/internal/group"
	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

// onTransition runs under the queue lock. It only touches the session store
// and non-blocking sends, so task-queued reaches the client before any
// fragment of the same task.
func (h *Hub) onTransition(task taskqueue.Task, from taskqueue.State) {
	switch {
	case from == "" && task.State == taskqueue.StateQueued:
		_ = h.sessions.SetActiveTask(task.Initiator, task.ID)
		msg := protocol.TaskQueued{Type: protocol.TypeTaskQueued, TaskID: task.ID, Position: task.Position}
		for _, uid := range h.targets(task) {
			_ = h.registry.TrySend(uid, msg)
		}
	case task.State.Terminal():
		_ = h.sessions.ClearActiveTask(task.Initiator, task.ID)
	}
}

// onTerminal notifies subscribers and stores the completed reply.
func (h *Hub) onTerminal(task taskqueue.Task) {
	status := taskStatus(task)
	targets := h.targets(task)
	if len(targets) == 0 && task.Initiator != "" {
		targets = []string{task.Initiator}
	}
	for _, uid := range targets {
		_ = h.registry.Send(uid, status)
	}

	if task.State == taskqueue.StateCompleted && task.Result != "" {
		if err := h.appendToConversation(context.Background(), task, history.RoleAssistant, task.Result); err != nil {
			h.logger.Warn("store reply failed", "task_id", task.ID, "error", err)
		}
	}
}

func taskStatus(task taskqueue.Task) protocol.TaskStatus {
	status := protocol.TaskStatus{
		Type:   protocol.TypeTaskStatus,
		TaskID: task.ID,
		Scope:  task.Scope.String(),
		State:  string(task.State),
		Reason: task.Reason,
	}
	if task.State == taskqueue.StateFailed && task.Err != nil {
		status.Message = task.Err.Error()
	}
	return status
}

func (h *Hub) onAlert(alert taskqueue.Alert) {
	h.registry.Broadcast(nil, protocol.QueueAlert{
		Type:     protocol.TypeQueueAlert,
		Kind:     alert.Kind,
		Message:  alert.Message,
		Severity: alert.Severity,
	})
}

// onGroupEvent sends every affected client its current view. A dissolved
// group's task has nobody left to serve and is interrupted.
func (h *Hub) onGroupEvent(ev group.Event) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.GroupEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	if ev.Kind == group.EventDissolved {
		res, err := h.interrupts.Interrupt(context.Background(), taskqueue.GroupScope(ev.Group.ID), ev.Subject, "")
		if err != nil {
			h.logger.Debug("group task interrupt", "group_id", ev.Group.ID, "error", err)
		}
		if res.Stopped {
			// The group is gone, so onTerminal only reached the initiator.
			status := taskStatus(res.Task)
			for _, uid := range ev.Notify {
				if uid != res.Task.Initiator {
					_ = h.registry.Send(uid, status)
				}
			}
		}
	}
	for _, uid := range ev.Notify {
		_ = h.registry.Send(uid, h.groupView(uid))
	}
}

func (h *Hub) broadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(h.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := protocol.QueueStatus{Type: protocol.TypeQueueStatus, Metrics: QueueMetrics(h.queue.Snapshot())}
			h.registry.Broadcast(nil, msg)
		}
	}
}
