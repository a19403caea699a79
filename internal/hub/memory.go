package hub

import (
	"context"

	"github.com/ent0n29/chorus/internal/engine"
	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

// conversationOwner picks the session whose transcript a task belongs to:
// the group owner for group turns, the initiator otherwise.
func (h *Hub) conversationOwner(task taskqueue.Task) string {
	if task.Scope.Kind == taskqueue.ScopeGroup {
		if members := h.groups.MembersOf(task.Scope.ID); len(members) > 0 {
			return members[0]
		}
	}
	return task.Initiator
}

// Context implements pipeline.Memory.
func (h *Hub) Context(ctx context.Context, task taskqueue.Task) ([]engine.Turn, error) {
	sess, err := h.sessions.Get(h.conversationOwner(task))
	if err != nil || sess.HistoryUID == "" {
		return nil, nil
	}
	entries, err := h.history.Recent(ctx, sess.ConfigName, sess.HistoryUID, h.opts.HistoryContextLimit)
	if err != nil {
		return nil, err
	}
	turns := make([]engine.Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, engine.Turn{Role: e.Role, Content: e.Content})
	}
	return turns, nil
}

// RecordInput implements pipeline.Memory.
func (h *Hub) RecordInput(ctx context.Context, task taskqueue.Task, text string) error {
	return h.appendToConversation(ctx, task, history.RoleUser, text)
}

// AppendHeard implements interrupt.Reconciler.
func (h *Hub) AppendHeard(ctx context.Context, task taskqueue.Task, heard string) error {
	return h.appendToConversation(ctx, task, history.RoleAssistant, heard)
}

func (h *Hub) appendToConversation(ctx context.Context, task taskqueue.Task, role, content string) error {
	uid := h.conversationOwner(task)
	historyUID, configName, err := h.ensureHistory(ctx, uid)
	if err != nil {
		return err
	}
	_, err = h.history.Append(ctx, configName, historyUID, role, content)
	return err
}

// ensureHistory returns the session's transcript, starting one on first use.
func (h *Hub) ensureHistory(ctx context.Context, clientUID string) (string, string, error) {
	h.historyMu.Lock()
	defer h.historyMu.Unlock()

	sess, err := h.sessions.Get(clientUID)
	if err != nil {
		return "", "", err
	}
	if sess.HistoryUID != "" {
		return sess.HistoryUID, sess.ConfigName, nil
	}
	uid, err := h.history.Create(ctx, sess.ConfigName)
	if err != nil {
		return "", "", err
	}
	if err := h.sessions.SetHistory(clientUID, uid); err != nil {
		return "", "", err
	}
	return uid, sess.ConfigName, nil
}
