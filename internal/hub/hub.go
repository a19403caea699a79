package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chorus/internal/connection"
	"github.com/ent0n29/chorus/internal/engine"
	"github.com/ent0n29/chorus/internal/group"
	"github.com/ent0n29/chorus/internal/history"
	"github.com/ent0n29/chorus/internal/interrupt"
	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/pipeline"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/router"
	"github.com/ent0n29/chorus/internal/session"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

const defaultConfigName = "default"

type Options struct {
	Registry *connection.Registry
	Sessions *session.Store
	Groups   *group.Coordinator
	History  history.Store

	Generator   engine.Generator
	Synthesizer engine.Synthesizer
	Recognizer  engine.Recognizer

	// Queue configures the task queue. Hooks are owned by the hub and
	// overwritten.
	Queue taskqueue.Options

	// Configs lists the configurations clients may switch to. New sessions
	// start on the first one.
	Configs             []string
	HistoryContextLimit int
	StatusInterval      time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Hub wires the orchestration components together and owns the inbound
// handler table.
type Hub struct {
	opts   Options
	logger *slog.Logger

	registry   *connection.Registry
	sessions   *session.Store
	groups     *group.Coordinator
	history    history.Store
	queue      *taskqueue.Queue
	interrupts *interrupt.Coordinator
	router     *router.Router

	historyMu sync.Mutex
}

func New(opts Options) (*Hub, error) {
	if opts.Registry == nil || opts.Sessions == nil || opts.Groups == nil {
		return nil, errors.New("hub requires a registry, a session store and a group coordinator")
	}
	if opts.Generator == nil {
		return nil, errors.New("hub requires a generator")
	}
	if opts.History == nil {
		opts.History = history.NewInMemoryStore()
	}
	if len(opts.Configs) == 0 {
		opts.Configs = []string{defaultConfigName}
	}
	if opts.HistoryContextLimit <= 0 {
		opts.HistoryContextLimit = 8
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		opts:     opts,
		logger:   logger.With("component", "hub"),
		registry: opts.Registry,
		sessions: opts.Sessions,
		groups:   opts.Groups,
		history:  opts.History,
	}

	runner := pipeline.NewRunner(pipeline.Options{
		Generator:   opts.Generator,
		Synthesizer: opts.Synthesizer,
		Recognizer:  opts.Recognizer,
		Memory:      h,
		Sender:      opts.Registry,
		Targets:     h.targets,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})

	qopts := opts.Queue
	qopts.Hooks = taskqueue.Hooks{
		OnTransition: h.onTransition,
		OnTerminal:   h.onTerminal,
		OnAlert:      h.onAlert,
	}
	if qopts.Logger == nil {
		qopts.Logger = logger
	}
	if qopts.Metrics == nil {
		qopts.Metrics = opts.Metrics
	}
	h.queue = taskqueue.New(runner, qopts)

	h.interrupts = interrupt.NewCoordinator(interrupt.Options{
		Queue:      h.queue,
		Groups:     opts.Groups,
		Owners:     h,
		Reconciler: h,
		Sessions:   opts.Sessions,
		Logger:     logger,
	})

	h.router = router.New(router.Options{
		Reply:    opts.Registry.Send,
		Classify: Classify,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	if err := h.registerHandlers(); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	h.router.Seal()

	opts.Groups.Subscribe(h.onGroupEvent)
	opts.Registry.OnDeregister(h.cascade)
	return h, nil
}

func (h *Hub) Queue() *taskqueue.Queue { return h.queue }

func (h *Hub) Router() *router.Router { return h.router }

// Run drives the task queue and the periodic queue-status broadcast until ctx
// is done.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.queue.Run(gctx) })
	g.Go(func() error {
		h.broadcastStatus(gctx)
		return nil
	})
	return g.Wait()
}

// Connect registers a new client link, creates its session and greets it.
func (h *Hub) Connect(transport connection.Transport, remoteAddr string) (*connection.Connection, error) {
	conn, err := h.registry.Register(transport, remoteAddr)
	if err != nil {
		return nil, err
	}
	if _, err := h.sessions.Create(conn.UID, h.opts.Configs[0]); err != nil {
		h.registry.Deregister(conn.UID, "session_error")
		return nil, fmt.Errorf("create session: %w", err)
	}
	_ = h.registry.Send(conn.UID, protocol.ConnectionEstablished{
		Type:      protocol.TypeConnectionEstablished,
		ClientUID: conn.UID,
	})
	_ = h.registry.Send(conn.UID, h.groupView(conn.UID))
	if err := h.registry.Activate(conn.UID); err != nil {
		return nil, err
	}
	return conn, nil
}

// Handle dispatches one inbound frame from clientUID.
func (h *Hub) Handle(ctx context.Context, clientUID string, raw []byte) error {
	h.registry.Touch(clientUID)
	_ = h.sessions.Touch(clientUID)
	return h.router.Route(ctx, clientUID, raw)
}

// Disconnect tears the client down; the deregister cascade has run by the
// time it returns.
func (h *Hub) Disconnect(clientUID, reason string) {
	h.registry.Deregister(clientUID, reason)
}

// cascade runs synchronously while the connection is CLOSING. The task the
// client started is stopped even when it runs in a group scope.
func (h *Hub) cascade(uid string) {
	ctx := context.Background()
	scope, ok := h.ActiveScope(uid)
	if !ok {
		scope = taskqueue.ClientScope(uid)
	}
	if _, err := h.interrupts.Interrupt(ctx, scope, uid, ""); err != nil {
		h.logger.Debug("cascade interrupt", "client_uid", uid, "error", err)
	}
	if _, err := h.groups.Leave(uid); err != nil && !errors.Is(err, group.ErrNotGrouped) {
		h.logger.Warn("cascade group leave failed", "client_uid", uid, "error", err)
	}
	if _, err := h.sessions.Remove(uid); err != nil && !errors.Is(err, session.ErrNotFound) {
		h.logger.Warn("cascade session removal failed", "client_uid", uid, "error", err)
	}
}

// ActiveScope implements interrupt.Owners.
func (h *Hub) ActiveScope(uid string) (taskqueue.Scope, bool) {
	sess, err := h.sessions.Get(uid)
	if err != nil || sess.ActiveTaskID == "" {
		return taskqueue.Scope{}, false
	}
	task, ok := h.queue.Get(sess.ActiveTaskID)
	if !ok || task.State.Terminal() {
		return taskqueue.Scope{}, false
	}
	return task.Scope, true
}

// targets resolves who receives output of task right now.
func (h *Hub) targets(task taskqueue.Task) []string {
	switch task.Scope.Kind {
	case taskqueue.ScopeGroup:
		return h.groups.MembersOf(task.Scope.ID)
	default:
		return []string{task.Scope.ID}
	}
}

func (h *Hub) startTurn(clientUID string, input taskqueue.Input) error {
	if _, err := h.sessions.Get(clientUID); err != nil {
		return err
	}
	task, err := h.queue.Enqueue(taskqueue.Request{
		Scope:     h.interrupts.ScopeOf(clientUID),
		Initiator: clientUID,
		Input:     input,
	})
	if err != nil {
		return err
	}
	h.logger.Debug("turn admitted", "task_id", task.ID, "client_uid", clientUID, "scope", task.Scope.String())
	return nil
}

func (h *Hub) groupView(uid string) protocol.GroupUpdate {
	g, ok := h.groups.GroupOf(uid)
	if !ok {
		return protocol.GroupUpdate{Type: protocol.TypeGroupUpdate, Members: []string{}}
	}
	return protocol.GroupUpdate{
		Type:     protocol.TypeGroupUpdate,
		GroupID:  g.ID,
		OwnerUID: g.Owner,
		Members:  g.Members,
		IsOwner:  g.Owner == uid,
	}
}

// QueueMetrics converts a queue snapshot to its wire form.
func QueueMetrics(s taskqueue.Snapshot) protocol.QueueMetrics {
	return protocol.QueueMetrics{
		Timestamp:       s.Timestamp.UnixMilli(),
		Pending:         s.Pending,
		InFlight:        s.InFlight,
		MaxDepth:        s.MaxDepth,
		TotalReceived:   s.TotalReceived,
		TotalProcessed:  s.TotalProcessed,
		TotalDropped:    s.TotalDropped,
		Completed:       s.Completed,
		Failed:          s.Failed,
		Interrupted:     s.Interrupted,
		AvgProcessingMs: float64(s.AvgProcessing.Microseconds()) / 1000,
		ProcessingRate:  s.ProcessingRate,
	}
}

// QueueHistory converts sampled snapshots to their wire form.
func QueueHistory(snaps []taskqueue.Snapshot) []protocol.QueueMetrics {
	out := make([]protocol.QueueMetrics, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, QueueMetrics(s))
	}
	return out
}
