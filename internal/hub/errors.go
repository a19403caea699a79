package hub

import (
	"errors"

	"github.com/ent0n29/chorus/internal/engine"
	"github.com/ent0n29/chorus/internal/group"
	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/router"
	"github.com/ent0n29/chorus/internal/session"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

// Classify maps a handler failure to the error event returned to the client.
func Classify(err error) protocol.ErrorEvent {
	code, retryable := classify(err)
	if code == "" {
		return router.DefaultClassify(err)
	}
	return protocol.ErrorEvent{Type: protocol.TypeError, Code: code, Message: err.Error(), Retryable: retryable}
}

func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, taskqueue.ErrBusy):
		return "busy", true
	case errors.Is(err, taskqueue.ErrQueueOverflow):
		return "queue_overflow", true
	case errors.Is(err, taskqueue.ErrShutdown):
		return "shutting_down", false
	case errors.Is(err, group.ErrAlreadyGrouped):
		return "already_grouped", false
	case errors.Is(err, group.ErrNotOwner):
		return "not_owner", false
	case errors.Is(err, group.ErrNotMember):
		return "not_member", false
	case errors.Is(err, group.ErrNotGrouped):
		return "not_grouped", false
	case errors.Is(err, group.ErrSelf):
		return "invalid_target", false
	case errors.Is(err, ErrClientNotFound):
		return "client_not_found", false
	case errors.Is(err, session.ErrAudioTooLarge):
		return "audio_too_large", false
	case errors.Is(err, ErrEmptyInput):
		return "invalid_input", false
	case errors.Is(err, ErrInvalidAudio):
		return "invalid_audio", false
	case errors.Is(err, ErrUnknownConfig):
		return "unknown_config", false
	case errors.Is(err, history.ErrNotFound):
		return "history_not_found", false
	case errors.Is(err, session.ErrNotFound):
		return "session_not_found", false
	}
	var ue *engine.UpstreamError
	if errors.As(err, &ue) {
		return "upstream_failure", ue.Retryable
	}
	return "", false
}
