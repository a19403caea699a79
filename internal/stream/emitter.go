package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/chorus/internal/protocol"
)

var (
	ErrFenced     = errors.New("emitter fenced")
	ErrStaleSeq   = errors.New("sequence already delivered")
	ErrInvalidSeq = errors.New("sequence numbers start at 1")
)

// Sender delivers one message to one client, blocking under backpressure
// until ctx is done.
type Sender interface {
	SendContext(ctx context.Context, clientUID string, msg any) error
}

// Fence gates delivery. Guard must refuse to run fn once the owning task has
// been interrupted.
type Fence interface {
	Context() context.Context
	Guard(fn func()) bool
}

// Targets resolves the subscribers of a task at delivery time, so group
// members that join or leave mid-stream are honored.
type Targets func() []string

type Options struct {
	TaskID  string
	Fence   Fence
	Sender  Sender
	Targets Targets
	// ExpectAudio makes each sequence wait for Audio or Complete before it
	// is delivered.
	ExpectAudio bool
	// OnFirstFragment is called once with the time since the emitter was
	// created.
	OnFirstFragment func(time.Duration)
}

type part struct {
	text        string
	hasText     bool
	actions     *protocol.Actions
	audio       []byte
	audioFormat string
	complete    bool
}

// Emitter assembles out-of-order pipeline output into fragments and delivers
// them to every subscriber in strictly increasing sequence order.
type Emitter struct {
	opts    Options
	created time.Time

	mu      sync.Mutex
	parts   map[int]*part
	next    int
	sent    int
	failure error

	deliverMu sync.Mutex
	firstOnce sync.Once
}

func NewEmitter(opts Options) *Emitter {
	return &Emitter{
		opts:    opts,
		created: time.Now(),
		parts:   make(map[int]*part),
		next:    1,
	}
}

// Text records the text and avatar actions of seq.
func (e *Emitter) Text(seq int, text string, actions *protocol.Actions) error {
	return e.update(seq, func(p *part) {
		p.text = text
		p.hasText = true
		p.actions = actions
		if !e.opts.ExpectAudio {
			p.complete = true
		}
	})
}

// Audio attaches synthesized audio to seq and marks it complete.
func (e *Emitter) Audio(seq int, audio []byte, format string) error {
	return e.update(seq, func(p *part) {
		p.audio = audio
		p.audioFormat = format
		p.complete = true
	})
}

// Complete marks seq as fully assembled without audio.
func (e *Emitter) Complete(seq int) error {
	return e.update(seq, func(p *part) {
		p.complete = true
	})
}

// Delivered reports how many fragments reached the subscribers.
func (e *Emitter) Delivered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// Pending reports sequences received but not yet delivered.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.parts)
}

func (e *Emitter) update(seq int, fn func(*part)) error {
	if seq < 1 {
		return ErrInvalidSeq
	}
	e.mu.Lock()
	if e.failure != nil {
		err := e.failure
		e.mu.Unlock()
		return err
	}
	if seq < e.next {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStaleSeq, seq)
	}
	p := e.parts[seq]
	if p == nil {
		p = &part{}
		e.parts[seq] = p
	}
	fn(p)
	e.mu.Unlock()
	return e.flush()
}

// flush delivers every contiguous ready sequence starting at next.
func (e *Emitter) flush() error {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	for {
		e.mu.Lock()
		if e.failure != nil {
			err := e.failure
			e.mu.Unlock()
			return err
		}
		p := e.parts[e.next]
		if p == nil || !p.complete || !p.hasText {
			e.mu.Unlock()
			return nil
		}
		seq := e.next
		delete(e.parts, seq)
		e.next++
		e.mu.Unlock()

		if err := e.deliver(seq, p); err != nil {
			e.mu.Lock()
			e.failure = err
			e.mu.Unlock()
			return err
		}
	}
}

func (e *Emitter) deliver(seq int, p *part) error {
	frag := protocol.Fragment{
		Type:        protocol.TypeFragment,
		TaskID:      e.opts.TaskID,
		Seq:         seq,
		Text:        p.text,
		AudioFormat: p.audioFormat,
		Actions:     p.actions,
	}
	if len(p.audio) > 0 {
		frag.AudioBase64 = base64.StdEncoding.EncodeToString(p.audio)
	}

	var sendErr error
	ok := e.opts.Fence.Guard(func() {
		ctx := e.opts.Fence.Context()
		for _, uid := range e.opts.Targets() {
			if err := e.opts.Sender.SendContext(ctx, uid, frag); err != nil && ctx.Err() != nil {
				sendErr = err
				return
			}
		}
	})
	if !ok || sendErr != nil {
		return ErrFenced
	}

	e.mu.Lock()
	e.sent++
	e.mu.Unlock()
	e.firstOnce.Do(func() {
		if e.opts.OnFirstFragment != nil {
			e.opts.OnFirstFragment(time.Since(e.created))
		}
	})
	return nil
}
