package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/protocol"
)

var (
	ErrCapacity       = errors.New("connection capacity exhausted")
	ErrConnectionLost = errors.New("connection lost")
	ErrBackpressure   = errors.New("outbound buffer full")
	ErrNotFound       = errors.New("connection not found")
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the write side of a client link. The registry's writer
// goroutine is its only caller once registered.
type Transport interface {
	WriteJSON(v any) error
	Close() error
}

type Connection struct {
	UID         string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	outbound  chan any
	done      chan struct{}
	closed    chan struct{}
	state     atomic.Int32
	lastSeen  atomic.Int64
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) open() bool {
	s := c.State()
	return s == StateConnecting || s == StateActive
}

type Options struct {
	MaxConnections int
	OutboundBuffer int
	SendTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// Registry owns every live client link and its writer goroutine.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection
	observers []func(uid string)
}

func NewRegistry(opts Options) *Registry {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 600 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		logger: logger.With("component", "connection_registry"),
		conns:  make(map[string]*Connection),
	}
}

// OnDeregister adds a cascade step. Steps run synchronously, in order, on
// every deregistration while the connection is CLOSING.
func (r *Registry) OnDeregister(fn func(uid string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Register takes ownership of transport and returns the new connection in
// CONNECTING state.
func (r *Registry) Register(transport Transport, remoteAddr string) (*Connection, error) {
	r.mu.Lock()
	if len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		r.event("rejected_capacity")
		return nil, ErrCapacity
	}
	now := r.opts.Now()
	c := &Connection{
		UID:         uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		transport:   transport,
		outbound:    make(chan any, r.opts.OutboundBuffer),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(now.UnixNano())
	r.conns[c.UID] = c
	r.mu.Unlock()

	go r.writeLoop(c)

	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveConnections.Inc()
	}
	r.event("registered")
	r.logger.Info("connection registered", "client_uid", c.UID, "remote_addr", remoteAddr)
	return c, nil
}

// Activate moves a CONNECTING connection to ACTIVE.
func (r *Registry) Activate(uid string) error {
	c, ok := r.lookup(uid)
	if !ok {
		return ErrNotFound
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return ErrConnectionLost
	}
	return nil
}

// Deregister tears a connection down. It is idempotent; only the first call
// runs the cascade, and every call returns after every step has finished.
// Cascade steps must not deregister the connection they are handed.
func (r *Registry) Deregister(uid, reason string) {
	c, ok := r.lookup(uid)
	if !ok {
		return
	}
	for {
		s := c.State()
		if s == StateClosing || s == StateClosed {
			<-c.closed
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}
	close(c.done)

	r.mu.RLock()
	observers := append([]func(string){}, r.observers...)
	r.mu.RUnlock()
	for _, fn := range observers {
		r.runObserver(uid, fn)
	}

	r.mu.Lock()
	delete(r.conns, uid)
	r.mu.Unlock()
	c.state.Store(int32(StateClosed))
	close(c.closed)
	_ = c.transport.Close()

	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveConnections.Dec()
	}
	r.event("deregistered_" + reason)
	r.logger.Info("connection deregistered", "client_uid", uid, "reason", reason)
}

func (r *Registry) runObserver(uid string, fn func(string)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("deregister cascade step panicked", "client_uid", uid, "panic", rec)
		}
	}()
	fn(uid)
}

// Get returns a connection that is CONNECTING or ACTIVE.
func (r *Registry) Get(uid string) (*Connection, bool) {
	c, ok := r.lookup(uid)
	if !ok || !c.open() {
		return nil, false
	}
	return c, true
}

func (r *Registry) lookup(uid string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[uid]
	return c, ok
}

// Count reports connections not yet fully closed.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch records inbound activity for liveness.
func (r *Registry) Touch(uid string) {
	if c, ok := r.lookup(uid); ok {
		c.lastSeen.Store(r.opts.Now().UnixNano())
	}
}

// Send enqueues msg for uid, waiting at most SendTimeout for buffer space
// before dropping it.
func (r *Registry) Send(uid string, msg any) error {
	c, ok := r.Get(uid)
	if !ok {
		return ErrConnectionLost
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionLost
	default:
	}

	timer := time.NewTimer(r.opts.SendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionLost
	case <-timer.C:
		r.drop(msg)
		r.logger.Warn("dropping outbound message", "client_uid", uid, "type", protocol.TypeOf(msg))
		return ErrBackpressure
	}
}

// TrySend enqueues msg only if the outbound buffer has room right now. It
// never blocks, so it is safe to call while holding other locks.
func (r *Registry) TrySend(uid string, msg any) error {
	c, ok := r.Get(uid)
	if !ok {
		return ErrConnectionLost
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionLost
	default:
		r.drop(msg)
		return ErrBackpressure
	}
}

// SendContext blocks until msg fits in the outbound buffer, the connection
// closes, or ctx is done.
func (r *Registry) SendContext(ctx context.Context, uid string, msg any) error {
	c, ok := r.Get(uid)
	if !ok {
		return ErrConnectionLost
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Broadcast sends msg to every ACTIVE connection accepted by match. It
// returns the number of connections that accepted the message.
func (r *Registry) Broadcast(match func(*Connection) bool, msg any) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.State() == StateActive && (match == nil || match(c)) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := r.Send(c.UID, msg); err == nil {
			sent++
		}
	}
	return sent
}

// StartReaper deregisters connections silent for longer than timeout.
func (r *Registry) StartReaper(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap(timeout)
			}
		}
	}()
}

// Reap runs one liveness sweep and returns the reaped uids.
func (r *Registry) Reap(timeout time.Duration) []string {
	cutoff := r.opts.Now().Add(-timeout)
	r.mu.RLock()
	var stale []string
	for uid, c := range r.conns {
		if c.open() && c.LastSeen().Before(cutoff) {
			stale = append(stale, uid)
		}
	}
	r.mu.RUnlock()

	for _, uid := range stale {
		r.Deregister(uid, "heartbeat_timeout")
	}
	return stale
}

// CloseAll deregisters every connection, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	uids := make([]string, 0, len(r.conns))
	for uid := range r.conns {
		uids = append(uids, uid)
	}
	r.mu.RUnlock()
	for _, uid := range uids {
		r.Deregister(uid, reason)
	}
}

func (r *Registry) writeLoop(c *Connection) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			if err := c.transport.WriteJSON(msg); err != nil {
				r.logger.Debug("transport write failed", "client_uid", c.UID, "error", err)
				go r.Deregister(c.UID, "write_error")
				return
			}
			if r.opts.Metrics != nil {
				r.opts.Metrics.WSMessages.WithLabelValues("outbound", string(protocol.TypeOf(msg))).Inc()
			}
		}
	}
}

func (r *Registry) drop(msg any) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.OutboundDrops.WithLabelValues(string(protocol.TypeOf(msg))).Inc()
	}
}

func (r *Registry) event(name string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.ConnectionEvents.WithLabelValues(name).Inc()
	}
}
