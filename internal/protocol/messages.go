package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound message types.
const (
	TypeTextInput                MessageType = "text-input"
	TypeMicAudioData             MessageType = "mic-audio-data"
	TypeMicAudioEnd              MessageType = "mic-audio-end"
	TypeAISpeakSignal            MessageType = "ai-speak-signal"
	TypeInterruptSignal          MessageType = "interrupt-signal"
	TypeHeartbeat                MessageType = "heartbeat"
	TypeCreateGroup              MessageType = "create-group"
	TypeAddClientToGroup         MessageType = "add-client-to-group"
	TypeRemoveClientFromGroup    MessageType = "remove-client-from-group"
	TypeLeaveGroup               MessageType = "leave-group"
	TypeRequestGroupInfo         MessageType = "request-group-info"
	TypeFetchQueueStatus         MessageType = "fetch-queue-status"
	TypeFetchQueueHistory        MessageType = "fetch-queue-history"
	TypeFetchHistoryList         MessageType = "fetch-history-list"
	TypeCreateNewHistory         MessageType = "create-new-history"
	TypeFetchAndSetHistory       MessageType = "fetch-and-set-history"
	TypeDeleteHistory            MessageType = "delete-history"
	TypeFrontendPlaybackComplete MessageType = "frontend-playback-complete"
	TypeFetchConfigs             MessageType = "fetch-configs"
	TypeSwitchConfig             MessageType = "switch-config"
)

// Outbound message types.
const (
	TypeConnectionEstablished MessageType = "connection-established"
	TypeFragment              MessageType = "fragment"
	TypeTaskQueued            MessageType = "task-queued"
	TypeTaskStatus            MessageType = "task-status"
	TypeGroupUpdate           MessageType = "group-update"
	TypeQueueStatus           MessageType = "queue-status"
	TypeQueueHistory          MessageType = "queue-history"
	TypeQueueAlert            MessageType = "queue-alert"
	TypeError                 MessageType = "error"
	TypeHeartbeatAck          MessageType = "heartbeat-ack"
	TypeHistoryList           MessageType = "history-list"
	TypeHistoryData           MessageType = "history-data"
	TypeHistoryCreated        MessageType = "new-history-created"
	TypeHistoryDeleted        MessageType = "history-deleted"
	TypeConfigFiles           MessageType = "config-files"
	TypeConfigSwitched        MessageType = "config-switched"
)

var (
	ErrMissingType = errors.New("message type missing")
	ErrInvalidJSON = errors.New("invalid message payload")
)

// Envelope carries only the discriminant; the raw payload is decoded again
// into the concrete struct by the handler that owns the type.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ParseEnvelope reads the type tag of an inbound frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	env.Type = MessageType(strings.TrimSpace(string(env.Type)))
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// Decode unmarshals a raw inbound frame into dst.
func Decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type MicAudioData struct {
	Type        MessageType `json:"type"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type MicAudioEnd struct {
	Type MessageType `json:"type"`
}

type AISpeakSignal struct {
	Type MessageType `json:"type"`
}

// InterruptSignal carries the portion of the assistant response the user
// heard before cutting in.
type InterruptSignal struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AddClientToGroup struct {
	Type       MessageType `json:"type"`
	InviteeUID string      `json:"invitee_uid"`
}

type RemoveClientFromGroup struct {
	Type      MessageType `json:"type"`
	TargetUID string      `json:"target_uid"`
}

type FetchQueueHistory struct {
	Type    MessageType `json:"type"`
	Minutes int         `json:"minutes"`
}

type HistoryRef struct {
	Type       MessageType `json:"type"`
	HistoryUID string      `json:"history_uid"`
}

type SwitchConfig struct {
	Type MessageType `json:"type"`
	File string      `json:"file"`
}

type ConnectionEstablished struct {
	Type      MessageType `json:"type"`
	ClientUID string      `json:"client_uid"`
}

// Actions are avatar hints attached to a fragment.
type Actions struct {
	Expressions []string `json:"expressions,omitempty"`
}

// Fragment is one ordered unit of a streamed response. Text, audio and
// actions that share a sequence number travel together.
type Fragment struct {
	Type        MessageType `json:"type"`
	TaskID      string      `json:"task_id"`
	Seq         int         `json:"seq"`
	Text        string      `json:"text,omitempty"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	AudioFormat string      `json:"audio_format,omitempty"`
	Actions     *Actions    `json:"actions,omitempty"`
}

type TaskQueued struct {
	Type     MessageType `json:"type"`
	TaskID   string      `json:"task_id"`
	Position int         `json:"position"`
}

type TaskStatus struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Scope   string      `json:"scope"`
	State   string      `json:"state"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
}

type GroupUpdate struct {
	Type     MessageType `json:"type"`
	GroupID  string      `json:"group_id,omitempty"`
	OwnerUID string      `json:"owner_uid,omitempty"`
	Members  []string    `json:"members"`
	IsOwner  bool        `json:"is_owner"`
}

type QueueMetrics struct {
	Timestamp       int64   `json:"timestamp"`
	Pending         int     `json:"pending"`
	InFlight        int     `json:"in_flight"`
	MaxDepth        int     `json:"max_depth"`
	TotalReceived   uint64  `json:"total_received"`
	TotalProcessed  uint64  `json:"total_processed"`
	TotalDropped    uint64  `json:"total_dropped"`
	Completed       uint64  `json:"completed"`
	Failed          uint64  `json:"failed"`
	Interrupted     uint64  `json:"interrupted"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	ProcessingRate  float64 `json:"processing_rate"`
}

type QueueStatus struct {
	Type    MessageType  `json:"type"`
	Metrics QueueMetrics `json:"metrics"`
}

type QueueHistory struct {
	Type      MessageType    `json:"type"`
	Minutes   int            `json:"minutes"`
	Snapshots []QueueMetrics `json:"snapshots"`
}

type QueueAlert struct {
	Type     MessageType `json:"type"`
	Kind     string      `json:"kind"`
	Message  string      `json:"message"`
	Severity string      `json:"severity"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type HeartbeatAck struct {
	Type MessageType `json:"type"`
}

type HistoryInfo struct {
	UID       string `json:"uid"`
	Latest    string `json:"latest_message,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type HistoryList struct {
	Type      MessageType   `json:"type"`
	Histories []HistoryInfo `json:"histories"`
}

type HistoryData struct {
	Type       MessageType    `json:"type"`
	HistoryUID string         `json:"history_uid"`
	Messages   []HistoryEntry `json:"messages"`
}

type HistoryCreated struct {
	Type       MessageType `json:"type"`
	HistoryUID string      `json:"history_uid"`
}

type HistoryDeleted struct {
	Type       MessageType `json:"type"`
	HistoryUID string      `json:"history_uid"`
	Success    bool        `json:"success"`
}

type ConfigFiles struct {
	Type    MessageType `json:"type"`
	Configs []string    `json:"configs"`
	Current string      `json:"current"`
}

type ConfigSwitched struct {
	Type   MessageType `json:"type"`
	Config string      `json:"config"`
}

// TypeOf reports the discriminant of an outbound message value.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case ConnectionEstablished:
		return m.Type
	case Fragment:
		return m.Type
	case TaskQueued:
		return m.Type
	case TaskStatus:
		return m.Type
	case GroupUpdate:
		return m.Type
	case QueueStatus:
		return m.Type
	case QueueHistory:
		return m.Type
	case QueueAlert:
		return m.Type
	case ErrorEvent:
		return m.Type
	case HeartbeatAck:
		return m.Type
	case HistoryList:
		return m.Type
	case HistoryData:
		return m.Type
	case HistoryCreated:
		return m.Type
	case HistoryDeleted:
		return m.Type
	case ConfigFiles:
		return m.Type
	case ConfigSwitched:
		return m.Type
	default:
		return "unknown"
	}
}
