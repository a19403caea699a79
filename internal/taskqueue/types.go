package taskqueue

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted:
		return true
	default:
		return false
	}
}

type ScopeKind string

const (
	ScopeClient ScopeKind = "client"
	ScopeGroup  ScopeKind = "group"
)

// Scope identifies who owns a task: a single client or a whole group.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func ClientScope(uid string) Scope { return Scope{Kind: ScopeClient, ID: uid} }
func GroupScope(id string) Scope   { return Scope{Kind: ScopeGroup, ID: id} }

func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) String() string {
	return s.Key()
}

type Policy string

const (
	PolicyReject     Policy = "reject"
	PolicyDropOldest Policy = "drop_oldest"
)

// Terminal reasons.
const (
	ReasonCompleted  = "completed"
	ReasonSuperseded = "superseded"
	ReasonTimeout    = "timeout"
	ReasonInterrupt  = "interrupted"
	ReasonShutdown   = "shutdown"
	ReasonError      = "error"
)

var (
	ErrBusy          = errors.New("owner already has an active task")
	ErrQueueOverflow = errors.New("task queue is full")
	ErrTimeout       = errors.New("task exceeded its time budget")
	ErrInterrupted   = errors.New("task interrupted")
	ErrSuperseded    = errors.New("task superseded by newer input")
	ErrShutdown      = errors.New("task queue shutting down")
	ErrInvalidTask   = errors.New("invalid task request")

	errTaskDone = errors.New("task finished")
)

// Input is the payload a task was started with.
type Input struct {
	Text       string
	Audio      []byte
	SampleRate int
	// Proactive turns are initiated by the assistant and are not recorded as
	// user input.
	Proactive bool
}

// Request describes a task to admit.
type Request struct {
	Scope     Scope
	Initiator string
	Input     Input
}

// Task is an immutable view of a queued or finished task.
type Task struct {
	ID        string
	Scope     Scope
	Initiator string
	Input     Input
	State     State
	Reason    string
	Err       error
	Result    string
	// Position is the 1-based place in line at admission time.
	Position  int
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Runner executes a task. It must return promptly once token.Context is done.
type Runner interface {
	Run(ctx context.Context, task Task, token *Token) (string, error)
}

type RunnerFunc func(ctx context.Context, task Task, token *Token) (string, error)

func (f RunnerFunc) Run(ctx context.Context, task Task, token *Token) (string, error) {
	return f(ctx, task, token)
}

// Alert is raised on depth and drop conditions.
type Alert struct {
	Kind     string
	Message  string
	Severity string
}

// Hooks observe task lifecycle. OnTransition runs under the queue lock and
// must not call back into the queue; the others run after it is released.
type Hooks struct {
	OnTransition func(task Task, from State)
	OnTerminal   func(task Task)
	OnAlert      func(alert Alert)
}

// Snapshot is a point-in-time copy of queue counters. At every snapshot
// TotalReceived == TotalProcessed + TotalDropped + Pending + InFlight.
type Snapshot struct {
	Timestamp      time.Time
	Pending        int
	InFlight       int
	MaxDepth       int
	TotalReceived  uint64
	TotalProcessed uint64
	TotalDropped   uint64
	Completed      uint64
	Failed         uint64
	Interrupted    uint64
	AvgProcessing  time.Duration
	ProcessingRate float64
}
