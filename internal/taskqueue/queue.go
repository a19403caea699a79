package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ent0n29/chorus/internal/observability"
)

const (
	processingWindow   = 100
	dropAlertInterval  = 5 * time.Second
	defaultSampleEvery = time.Second
)

type Options struct {
	MaxDepth       int
	Workers        int
	Policy         Policy
	TaskTimeout    time.Duration
	Retention      time.Duration
	HighWaterRatio float64
	SampleInterval time.Duration
	HistoryWindow  time.Duration

	Hooks   Hooks
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

type task struct {
	Task
	token *Token
	timer *time.Timer
}

// Queue is a bounded FIFO of conversation tasks executed by a fixed worker
// pool. At most one task per scope and per initiating client is queued or
// running at any instant.
type Queue struct {
	opts   Options
	runner Runner
	logger *slog.Logger

	mu       sync.Mutex
	base     context.Context
	changed  chan struct{}
	pending  []*task
	running  map[string]*task
	byScope  map[string]*task
	byClient map[string]*task
	finished map[string]*task
	closed   bool

	received    uint64
	processed   uint64
	dropped     uint64
	completed   uint64
	failed      uint64
	interrupted uint64

	durations []time.Duration
	durNext   int
	durFilled bool

	aboveHighWater bool
	dropAlerts     rate.Sometimes

	histMu  sync.RWMutex
	history []Snapshot
}

func New(runner Runner, opts Options) *Queue {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.HighWaterRatio <= 0 || opts.HighWaterRatio > 1 {
		opts.HighWaterRatio = 0.8
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = defaultSampleEvery
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		opts:       opts,
		runner:     runner,
		logger:     logger.With("component", "taskqueue"),
		base:       context.Background(),
		changed:    make(chan struct{}),
		running:    make(map[string]*task),
		byScope:    make(map[string]*task),
		byClient:   make(map[string]*task),
		finished:   make(map[string]*task),
		durations:  make([]time.Duration, processingWindow),
		dropAlerts: rate.Sometimes{Interval: dropAlertInterval},
	}
}

// Enqueue admits a task in QUEUED state or reports why it cannot.
func (q *Queue) Enqueue(req Request) (Task, error) {
	req.Scope.ID = strings.TrimSpace(req.Scope.ID)
	if req.Scope.ID == "" || (req.Scope.Kind != ScopeClient && req.Scope.Kind != ScopeGroup) {
		return Task{}, fmt.Errorf("%w: scope %q", ErrInvalidTask, req.Scope)
	}

	var (
		terminal []Task
		alerts   []Alert
		dropped  bool
	)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Task{}, ErrShutdown
	}
	if q.byScope[req.Scope.Key()] != nil || (req.Initiator != "" && q.byClient[req.Initiator] != nil) {
		q.mu.Unlock()
		q.countRejection("busy")
		return Task{}, ErrBusy
	}

	q.received++
	if len(q.pending) >= q.opts.MaxDepth {
		if q.opts.Policy != PolicyDropOldest {
			q.dropped++
			snap := q.snapshotLocked()
			q.mu.Unlock()
			q.countRejection("overflow")
			q.raiseDropAlert(fmt.Sprintf("queue full at %d tasks, rejected new input", snap.MaxDepth))
			return Task{}, ErrQueueOverflow
		}
		oldest := q.pending[0]
		q.pending = q.pending[1:]
		q.dropped++
		q.finishLocked(oldest, StateFailed, ReasonSuperseded, ErrSuperseded)
		terminal = append(terminal, oldest.Task)
		dropped = true
	}

	now := q.opts.Now()
	t := &task{Task: Task{
		ID:        uuid.NewString(),
		Scope:     req.Scope,
		Initiator: req.Initiator,
		Input:     req.Input,
		State:     StateQueued,
		CreatedAt: now,
	}}
	q.pending = append(q.pending, t)
	t.Position = len(q.pending)
	q.byScope[req.Scope.Key()] = t
	if req.Initiator != "" {
		q.byClient[req.Initiator] = t
	}
	q.transitionLocked(t, "")
	if alert, ok := q.highWaterLocked(); ok {
		alerts = append(alerts, alert)
	}
	admitted := t.Task
	q.signalLocked()
	q.gaugesLocked()
	q.mu.Unlock()

	q.logger.Debug("task queued", "task_id", admitted.ID, "scope", admitted.Scope.String(), "position", admitted.Position)
	q.emitTerminal(terminal)
	q.emitAlerts(alerts)
	if dropped {
		q.raiseDropAlert(fmt.Sprintf("queue full at %d tasks, superseded oldest input", q.opts.MaxDepth))
	}
	return admitted, nil
}

// Interrupt stops the active task of scope. A queued task is removed; a
// running task has its token cancelled and its emission fence closed before
// Interrupt returns. The returned bool is false when nothing was active.
func (q *Queue) Interrupt(scope Scope) (Task, bool) {
	q.mu.Lock()
	t := q.byScope[scope.Key()]
	if t == nil {
		q.mu.Unlock()
		return Task{}, false
	}
	return q.abortLocked(t, StateInterrupted, ReasonInterrupt, ErrInterrupted)
}

// Active returns the queued or running task of scope.
func (q *Queue) Active(scope Scope) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.byScope[scope.Key()]
	if t == nil {
		return Task{}, false
	}
	return t.Task, true
}

// Get looks up a live task or one still inside the retention window.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		if t.ID == id {
			return t.Task, true
		}
	}
	if t, ok := q.running[id]; ok {
		return t.Task, true
	}
	if t, ok := q.finished[id]; ok {
		return t.Task, true
	}
	return Task{}, false
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// History returns sampled snapshots no older than window, oldest first.
func (q *Queue) History(window time.Duration) []Snapshot {
	cutoff := q.opts.Now().Add(-window)
	q.histMu.RLock()
	defer q.histMu.RUnlock()
	out := make([]Snapshot, 0, len(q.history))
	for _, s := range q.history {
		if window <= 0 || !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Run starts the worker pool and the metrics sampler and blocks until ctx is
// done. On exit queued tasks are dropped and running tasks are interrupted.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.base = ctx
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.sample(ctx)
	}()

	<-ctx.Done()
	q.shutdown()
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		q.mu.Lock()
		t := q.nextEligibleLocked()
		wait := q.changed
		var started Task
		if t != nil {
			q.startLocked(t, q.base)
			started = t.Task
		}
		q.mu.Unlock()

		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		q.execute(t, started, worker)
	}
}

func (q *Queue) execute(t *task, started Task, worker int) {
	logger := q.logger.With("task_id", t.ID, "scope", t.Scope.String(), "worker", worker)
	logger.Debug("task started")

	var (
		result string
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task runner panic: %v", r)
			}
		}()
		result, err = q.runner.Run(t.token.Context(), started, t.token)
	}()

	q.mu.Lock()
	if t.State != StateRunning {
		// Interrupt or timeout already settled this task.
		q.mu.Unlock()
		logger.Debug("late task result ignored", "state", t.State)
		return
	}
	state, reason := StateCompleted, ReasonCompleted
	switch {
	case err == nil:
		t.Result = result
	case errors.Is(err, context.Canceled) && t.token.Err() != nil:
		state, reason = StateInterrupted, ReasonShutdown
	default:
		state, reason = StateFailed, failureReason(err)
	}
	q.finishRunningLocked(t, state, reason, err)
	done := t.Task
	q.signalLocked()
	q.gaugesLocked()
	q.mu.Unlock()

	t.token.abort(errTaskDone)
	if err != nil && state == StateFailed {
		logger.Warn("task failed", "reason", reason, "error", err)
	} else {
		logger.Debug("task finished", "state", state)
	}
	q.emitTerminal([]Task{done})
}

// timeout shares the interrupt teardown path and records the task as failed.
func (q *Queue) timeout(t *task) {
	q.mu.Lock()
	if t.State != StateRunning {
		q.mu.Unlock()
		return
	}
	q.logger.Warn("task timed out", "task_id", t.ID, "scope", t.Scope.String(), "timeout", q.opts.TaskTimeout)
	q.abortLocked(t, StateFailed, ReasonTimeout, ErrTimeout)
}

// abortLocked settles t and releases q.mu. The token is aborted after the
// lock is dropped and before returning.
func (q *Queue) abortLocked(t *task, state State, reason string, cause error) (Task, bool) {
	var token *Token
	switch t.State {
	case StateQueued:
		q.removePendingLocked(t)
		q.dropped++
		q.finishLocked(t, state, reason, cause)
	case StateRunning:
		token = t.token
		q.finishRunningLocked(t, state, reason, cause)
	default:
		q.mu.Unlock()
		return t.Task, false
	}
	settled := t.Task
	q.signalLocked()
	q.gaugesLocked()
	q.mu.Unlock()

	if token != nil {
		token.abort(cause)
	}
	q.emitTerminal([]Task{settled})
	return settled, true
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	var tokens []*Token
	var terminal []Task
	for len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.dropped++
		q.finishLocked(t, StateFailed, ReasonShutdown, ErrShutdown)
		terminal = append(terminal, t.Task)
	}
	for _, t := range q.running {
		tokens = append(tokens, t.token)
		q.finishRunningLocked(t, StateInterrupted, ReasonShutdown, ErrShutdown)
		terminal = append(terminal, t.Task)
	}
	q.signalLocked()
	q.gaugesLocked()
	q.mu.Unlock()

	for _, token := range tokens {
		token.abort(ErrShutdown)
	}
	q.emitTerminal(terminal)
}

func (q *Queue) nextEligibleLocked() *task {
	for _, t := range q.pending {
		if t.State == StateQueued {
			return t
		}
	}
	return nil
}

func (q *Queue) startLocked(t *task, base context.Context) {
	q.removePendingLocked(t)
	t.StartedAt = q.opts.Now()
	t.token = newToken(base)
	q.running[t.ID] = t
	prev := t.State
	t.State = StateRunning
	q.transitionLocked(t, prev)
	if q.opts.TaskTimeout > 0 {
		t.timer = time.AfterFunc(q.opts.TaskTimeout, func() { q.timeout(t) })
	}
	q.gaugesLocked()
}

func (q *Queue) finishRunningLocked(t *task, state State, reason string, cause error) {
	delete(q.running, t.ID)
	if t.timer != nil {
		t.timer.Stop()
	}
	q.processed++
	elapsed := q.opts.Now().Sub(t.StartedAt)
	q.durations[q.durNext] = elapsed
	q.durNext++
	if q.durNext >= len(q.durations) {
		q.durNext = 0
		q.durFilled = true
	}
	if q.opts.Metrics != nil {
		q.opts.Metrics.ObserveTaskDuration(elapsed)
	}
	q.finishLocked(t, state, reason, cause)
}

// finishLocked is the single terminal transition for every path.
func (q *Queue) finishLocked(t *task, state State, reason string, cause error) {
	prev := t.State
	t.State = state
	t.Reason = reason
	if state != StateCompleted {
		t.Err = cause
	}
	t.EndedAt = q.opts.Now()
	switch state {
	case StateCompleted:
		q.completed++
	case StateFailed:
		q.failed++
	case StateInterrupted:
		q.interrupted++
	}
	if q.byScope[t.Scope.Key()] == t {
		delete(q.byScope, t.Scope.Key())
	}
	if t.Initiator != "" && q.byClient[t.Initiator] == t {
		delete(q.byClient, t.Initiator)
	}
	q.finished[t.ID] = t
	q.transitionLocked(t, prev)
	if q.opts.Metrics != nil {
		q.opts.Metrics.TaskOutcomes.WithLabelValues(string(state), reason).Inc()
	}
}

func (q *Queue) removePendingLocked(t *task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) transitionLocked(t *task, from State) {
	if q.opts.Hooks.OnTransition != nil {
		q.opts.Hooks.OnTransition(t.snapshot(), from)
	}
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) gaugesLocked() {
	if q.aboveHighWater && len(q.pending) < q.highWaterMark() {
		q.aboveHighWater = false
	}
	if q.opts.Metrics == nil {
		return
	}
	q.opts.Metrics.QueuePending.Set(float64(len(q.pending)))
	q.opts.Metrics.QueueInFlight.Set(float64(len(q.running)))
}

func (q *Queue) highWaterMark() int {
	return int(math.Ceil(float64(q.opts.MaxDepth) * q.opts.HighWaterRatio))
}

func (q *Queue) highWaterLocked() (Alert, bool) {
	if q.aboveHighWater || len(q.pending) < q.highWaterMark() {
		return Alert{}, false
	}
	q.aboveHighWater = true
	return Alert{
		Kind:     "high_water",
		Message:  fmt.Sprintf("queue depth %d of %d", len(q.pending), q.opts.MaxDepth),
		Severity: "warning",
	}, true
}

func (q *Queue) snapshotLocked() Snapshot {
	n := q.durNext
	if q.durFilled {
		n = len(q.durations)
	}
	var avg time.Duration
	if n > 0 {
		var sum time.Duration
		for _, d := range q.durations[:n] {
			sum += d
		}
		avg = sum / time.Duration(n)
	}
	rateHz := 0.0
	if avg > 0 {
		rateHz = 1 / avg.Seconds()
	}
	return Snapshot{
		Timestamp:      q.opts.Now(),
		Pending:        len(q.pending),
		InFlight:       len(q.running),
		MaxDepth:       q.opts.MaxDepth,
		TotalReceived:  q.received,
		TotalProcessed: q.processed,
		TotalDropped:   q.dropped,
		Completed:      q.completed,
		Failed:         q.failed,
		Interrupted:    q.interrupted,
		AvgProcessing:  avg,
		ProcessingRate: rateHz,
	}
}

func (q *Queue) sample(ctx context.Context) {
	ticker := time.NewTicker(q.opts.SampleInterval)
	defer ticker.Stop()
	keep := int(q.opts.HistoryWindow / q.opts.SampleInterval)
	if keep <= 0 {
		keep = 1
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.recordSample(keep)
		}
	}
}

func (q *Queue) recordSample(keep int) {
	q.mu.Lock()
	snap := q.snapshotLocked()
	cutoff := snap.Timestamp.Add(-q.opts.Retention)
	for id, t := range q.finished {
		if t.EndedAt.Before(cutoff) {
			delete(q.finished, id)
		}
	}
	q.mu.Unlock()

	q.histMu.Lock()
	q.history = append(q.history, snap)
	if len(q.history) > keep {
		q.history = append(q.history[:0], q.history[len(q.history)-keep:]...)
	}
	q.histMu.Unlock()
}

func (q *Queue) emitTerminal(tasks []Task) {
	if q.opts.Hooks.OnTerminal == nil {
		return
	}
	for _, t := range tasks {
		q.opts.Hooks.OnTerminal(t)
	}
}

func (q *Queue) emitAlerts(alerts []Alert) {
	if q.opts.Hooks.OnAlert == nil {
		return
	}
	for _, a := range alerts {
		q.opts.Hooks.OnAlert(a)
	}
}

func (q *Queue) raiseDropAlert(msg string) {
	q.dropAlerts.Do(func() {
		q.logger.Warn("queue overflow", "detail", msg)
		q.emitAlerts([]Alert{{Kind: "overflow", Message: msg, Severity: "warning"}})
	})
}

func (q *Queue) countRejection(reason string) {
	if q.opts.Metrics != nil {
		q.opts.Metrics.QueueRejections.WithLabelValues(reason).Inc()
	}
}

func (t *task) snapshot() Task {
	return t.Task
}

type reasoner interface {
	Reason() string
}

func failureReason(err error) string {
	if errors.Is(err, ErrTimeout) {
		return ReasonTimeout
	}
	var r reasoner
	if errors.As(err, &r) {
		if reason := strings.TrimSpace(r.Reason()); reason != "" {
			return reason
		}
	}
	return ReasonError
}
