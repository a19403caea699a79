package hub

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/router"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

var (
	ErrEmptyInput     = errors.New("input text is empty")
	ErrInvalidAudio   = errors.New("audio payload is not valid base64 pcm16")
	ErrClientNotFound = errors.New("client is not connected")
	ErrUnknownConfig  = errors.New("unknown configuration")
)

const defaultHistoryMinutes = 5

func (h *Hub) registerHandlers() error {
	table := map[protocol.MessageType]router.Handler{
		protocol.TypeTextInput:             h.handleTextInput,
		protocol.TypeMicAudioData:          h.handleMicAudioData,
		protocol.TypeMicAudioEnd:           h.handleMicAudioEnd,
		protocol.TypeAISpeakSignal:         h.handleAISpeak,
		protocol.TypeInterruptSignal:       h.handleInterrupt,
		protocol.TypeHeartbeat:             h.handleHeartbeat,
		protocol.TypeCreateGroup:           h.handleCreateGroup,
		protocol.TypeAddClientToGroup:      h.handleAddToGroup,
		protocol.TypeRemoveClientFromGroup: h.handleRemoveFromGroup,
		protocol.TypeLeaveGroup:            h.handleLeaveGroup,
		protocol.TypeRequestGroupInfo:      h.handleGroupInfo,
		protocol.TypeFetchQueueStatus:      h.handleQueueStatus,
		protocol.TypeFetchQueueHistory:     h.handleQueueHistory,
		protocol.TypeFetchHistoryList:      h.handleHistoryList,
		protocol.TypeCreateNewHistory:      h.handleCreateHistory,
		protocol.TypeFetchAndSetHistory:    h.handleSetHistory,
		protocol.TypeDeleteHistory:         h.handleDeleteHistory,
		protocol.TypeFetchConfigs:          h.handleFetchConfigs,
		protocol.TypeSwitchConfig:          h.handleSwitchConfig,
	}
	for t, fn := range table {
		if err := h.router.Handle(t, fn); err != nil {
			return err
		}
	}
	return h.router.Ignore(protocol.TypeFrontendPlaybackComplete)
}

func (h *Hub) handleTextInput(_ context.Context, uid string, raw []byte) error {
	var msg protocol.TextInput
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ErrEmptyInput
	}
	return h.startTurn(uid, taskqueue.Input{Text: text})
}

func (h *Hub) handleMicAudioData(_ context.Context, uid string, raw []byte) error {
	var msg protocol.MicAudioData
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
	if err != nil || len(pcm)%2 != 0 {
		return ErrInvalidAudio
	}
	_, err = h.sessions.AppendAudio(uid, pcm, msg.SampleRate)
	return err
}

func (h *Hub) handleMicAudioEnd(_ context.Context, uid string, _ []byte) error {
	pcm, rate := h.sessions.TakeAudio(uid)
	if len(pcm) == 0 {
		return nil
	}
	return h.startTurn(uid, taskqueue.Input{Audio: pcm, SampleRate: rate})
}

func (h *Hub) handleAISpeak(_ context.Context, uid string, _ []byte) error {
	return h.startTurn(uid, taskqueue.Input{Proactive: true})
}

func (h *Hub) handleInterrupt(ctx context.Context, uid string, raw []byte) error {
	var msg protocol.InterruptSignal
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	if _, err := h.interrupts.InterruptClient(ctx, uid, msg.Text); err != nil {
		// The task is already stopped; only the transcript is behind.
		h.logger.Warn("interrupt reconciliation failed", "client_uid", uid, "error", err)
	}
	return nil
}

func (h *Hub) handleHeartbeat(_ context.Context, uid string, _ []byte) error {
	return h.registry.Send(uid, protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})
}

func (h *Hub) handleCreateGroup(_ context.Context, uid string, _ []byte) error {
	_, err := h.groups.CreateGroup(uid)
	return err
}

func (h *Hub) handleAddToGroup(_ context.Context, uid string, raw []byte) error {
	var msg protocol.AddClientToGroup
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	invitee := strings.TrimSpace(msg.InviteeUID)
	if _, ok := h.registry.Get(invitee); !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, invitee)
	}
	_, err := h.groups.Invite(uid, invitee)
	return err
}

func (h *Hub) handleRemoveFromGroup(_ context.Context, uid string, raw []byte) error {
	var msg protocol.RemoveClientFromGroup
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	_, err := h.groups.Remove(uid, strings.TrimSpace(msg.TargetUID))
	return err
}

func (h *Hub) handleLeaveGroup(_ context.Context, uid string, _ []byte) error {
	_, err := h.groups.Leave(uid)
	return err
}

func (h *Hub) handleGroupInfo(_ context.Context, uid string, _ []byte) error {
	return h.registry.Send(uid, h.groupView(uid))
}

func (h *Hub) handleQueueStatus(_ context.Context, uid string, _ []byte) error {
	return h.registry.Send(uid, protocol.QueueStatus{
		Type:    protocol.TypeQueueStatus,
		Metrics: QueueMetrics(h.queue.Snapshot()),
	})
}

func (h *Hub) handleQueueHistory(_ context.Context, uid string, raw []byte) error {
	var msg protocol.FetchQueueHistory
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	minutes := msg.Minutes
	if minutes <= 0 {
		minutes = defaultHistoryMinutes
	}
	return h.registry.Send(uid, protocol.QueueHistory{
		Type:      protocol.TypeQueueHistory,
		Minutes:   minutes,
		Snapshots: QueueHistory(h.queue.History(time.Duration(minutes) * time.Minute)),
	})
}

func (h *Hub) handleHistoryList(ctx context.Context, uid string, _ []byte) error {
	sess, err := h.sessions.Get(uid)
	if err != nil {
		return err
	}
	infos, err := h.history.List(ctx, sess.ConfigName)
	if err != nil {
		return err
	}
	out := make([]protocol.HistoryInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, protocol.HistoryInfo{UID: info.UID, Latest: info.Latest, UpdatedAt: info.UpdatedAt.UnixMilli()})
	}
	return h.registry.Send(uid, protocol.HistoryList{Type: protocol.TypeHistoryList, Histories: out})
}

func (h *Hub) handleCreateHistory(ctx context.Context, uid string, _ []byte) error {
	sess, err := h.sessions.Get(uid)
	if err != nil {
		return err
	}
	historyUID, err := h.history.Create(ctx, sess.ConfigName)
	if err != nil {
		return err
	}
	if err := h.sessions.SetHistory(uid, historyUID); err != nil {
		return err
	}
	return h.registry.Send(uid, protocol.HistoryCreated{Type: protocol.TypeHistoryCreated, HistoryUID: historyUID})
}

func (h *Hub) handleSetHistory(ctx context.Context, uid string, raw []byte) error {
	var msg protocol.HistoryRef
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	sess, err := h.sessions.Get(uid)
	if err != nil {
		return err
	}
	entries, err := h.history.Recent(ctx, sess.ConfigName, msg.HistoryUID, 0)
	if err != nil {
		return err
	}
	if err := h.sessions.SetHistory(uid, msg.HistoryUID); err != nil {
		return err
	}
	out := make([]protocol.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.HistoryEntry{Role: e.Role, Content: e.Content, Timestamp: e.CreatedAt.UnixMilli()})
	}
	return h.registry.Send(uid, protocol.HistoryData{Type: protocol.TypeHistoryData, HistoryUID: msg.HistoryUID, Messages: out})
}

func (h *Hub) handleDeleteHistory(ctx context.Context, uid string, raw []byte) error {
	var msg protocol.HistoryRef
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	sess, err := h.sessions.Get(uid)
	if err != nil {
		return err
	}
	err = h.history.Delete(ctx, sess.ConfigName, msg.HistoryUID)
	if err != nil && !errors.Is(err, history.ErrNotFound) {
		return err
	}
	if err == nil && sess.HistoryUID == msg.HistoryUID {
		_ = h.sessions.SetHistory(uid, "")
	}
	return h.registry.Send(uid, protocol.HistoryDeleted{
		Type:       protocol.TypeHistoryDeleted,
		HistoryUID: msg.HistoryUID,
		Success:    err == nil,
	})
}

func (h *Hub) handleFetchConfigs(_ context.Context, uid string, _ []byte) error {
	sess, err := h.sessions.Get(uid)
	if err != nil {
		return err
	}
	return h.registry.Send(uid, protocol.ConfigFiles{
		Type:    protocol.TypeConfigFiles,
		Configs: slices.Clone(h.opts.Configs),
		Current: sess.ConfigName,
	})
}

// handleSwitchConfig moves the client to another configuration and starts a
// fresh transcript under it. A turn in flight keeps writing to the transcript
// it started with, so switching is refused until it ends.
func (h *Hub) handleSwitchConfig(_ context.Context, uid string, raw []byte) error {
	var msg protocol.SwitchConfig
	if err := protocol.Decode(raw, &msg); err != nil {
		return err
	}
	name := strings.TrimSpace(msg.File)
	if !slices.Contains(h.opts.Configs, name) {
		return fmt.Errorf("%w: %q", ErrUnknownConfig, name)
	}
	sess, err := h.sessions.Get(uid)
	if err != nil {
		return err
	}
	if sess.ActiveTaskID != "" {
		return fmt.Errorf("%w: finish or interrupt the current turn first", taskqueue.ErrBusy)
	}
	if err := h.sessions.SetConfig(uid, name); err != nil {
		return err
	}
	h.logger.Info("config switched", "client_uid", uid, "from", sess.ConfigName, "to", name)
	return h.registry.Send(uid, protocol.ConfigSwitched{Type: protocol.TypeConfigSwitched, Config: name})
}
