package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/protocol"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrSealed             = errors.New("router is sealed")
	ErrDuplicateHandler   = errors.New("handler already registered")
	ErrHandlerPanic       = errors.New("handler panicked")
)

// Handler processes one inbound frame from clientUID. raw is the complete
// JSON frame including the type tag.
type Handler func(ctx context.Context, clientUID string, raw []byte) error

// Replier delivers an error response back to the sender.
type Replier func(clientUID string, msg any) error

// Classifier maps a failure to the error event sent back to the client.
type Classifier func(err error) protocol.ErrorEvent

type Options struct {
	Reply    Replier
	Classify Classifier
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Router is a closed table from message type to handler. Handlers are
// registered at startup and the table is read-only after Seal.
type Router struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sealed   bool
	handlers map[protocol.MessageType]Handler
	ignored  map[protocol.MessageType]struct{}
}

func New(opts Options) *Router {
	if opts.Classify == nil {
		opts.Classify = DefaultClassify
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		opts:     opts,
		logger:   logger.With("component", "router"),
		handlers: make(map[protocol.MessageType]Handler),
		ignored:  make(map[protocol.MessageType]struct{}),
	}
}

func (r *Router) Handle(t protocol.MessageType, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	r.handlers[t] = h
	return nil
}

// Ignore accepts the given types without dispatching or replying.
func (r *Router) Ignore(types ...protocol.MessageType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	for _, t := range types {
		r.ignored[t] = struct{}{}
	}
	return nil
}

func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Types lists the registered message types.
func (r *Router) Types() []protocol.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.MessageType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Route dispatches one frame. Every failure is answered with an error event
// to the sender and returned; none of them closes the connection.
func (r *Router) Route(ctx context.Context, clientUID string, raw []byte) error {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		r.countInbound("invalid")
		return r.fail(clientUID, "", err)
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	_, skip := r.ignored[env.Type]
	r.mu.RUnlock()

	if skip {
		r.countInbound(string(env.Type))
		return nil
	}
	if !ok {
		r.countInbound("unknown")
		return r.fail(clientUID, env.Type, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type))
	}
	r.countInbound(string(env.Type))

	if err := r.invoke(ctx, h, clientUID, raw); err != nil {
		return r.fail(clientUID, env.Type, err)
	}
	return nil
}

func (r *Router) invoke(ctx context.Context, h Handler, clientUID string, raw []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h(ctx, clientUID, raw)
}

func (r *Router) fail(clientUID string, t protocol.MessageType, err error) error {
	ev := r.opts.Classify(err)
	ev.Type = protocol.TypeError
	if errors.Is(err, ErrHandlerPanic) {
		r.logger.Error("handler panicked", "client_uid", clientUID, "type", string(t), "error", err)
	} else {
		r.logger.Debug("inbound message rejected", "client_uid", clientUID, "type", string(t), "code", ev.Code, "error", err)
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RouterErrors.WithLabelValues(ev.Code).Inc()
	}
	if r.opts.Reply != nil {
		if sendErr := r.opts.Reply(clientUID, ev); sendErr != nil {
			r.logger.Debug("error reply not delivered", "client_uid", clientUID, "error", sendErr)
		}
	}
	return err
}

func (r *Router) countInbound(t string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.WSMessages.WithLabelValues("inbound", t).Inc()
	}
}

// DefaultClassify covers the failures the router itself produces.
func DefaultClassify(err error) protocol.ErrorEvent {
	switch {
	case errors.Is(err, ErrUnknownMessageType):
		return protocol.ErrorEvent{Code: "unknown_message_type", Message: err.Error()}
	case errors.Is(err, protocol.ErrMissingType):
		return protocol.ErrorEvent{Code: "missing_type", Message: err.Error()}
	case errors.Is(err, protocol.ErrInvalidJSON):
		return protocol.ErrorEvent{Code: "invalid_json", Message: err.Error()}
	case errors.Is(err, ErrHandlerPanic):
		return protocol.ErrorEvent{Code: "internal_error", Message: "internal error", Retryable: true}
	default:
		return protocol.ErrorEvent{Code: "handler_error", Message: err.Error()}
	}
}
