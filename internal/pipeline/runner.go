package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chorus/internal/audio"
	"github.com/ent0n29/chorus/internal/engine"
	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/stream"
	"github.com/ent0n29/chorus/internal/taskqueue"
)

// Memory supplies conversation context and records user input for a task.
type Memory interface {
	Context(ctx context.Context, task taskqueue.Task) ([]engine.Turn, error)
	RecordInput(ctx context.Context, task taskqueue.Task, text string) error
}

type Options struct {
	Generator   engine.Generator
	Synthesizer engine.Synthesizer
	Recognizer  engine.Recognizer
	Memory      Memory
	Sender      stream.Sender
	// Targets resolves the subscribers of a task at delivery time.
	Targets         func(task taskqueue.Task) []string
	SegmentMinChars int
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Runner executes one conversation turn: recognize, generate, segment,
// synthesize and emit. It implements taskqueue.Runner.
type Runner struct {
	opts   Options
	logger *slog.Logger
}

func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, logger: logger.With("component", "pipeline")}
}

type sentence struct {
	seq  int
	text string
}

func (r *Runner) Run(ctx context.Context, task taskqueue.Task, token *taskqueue.Token) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.scope", task.Scope.String()),
		attribute.Bool("task.proactive", task.Input.Proactive),
	))
	defer span.End()

	text, err := r.run(ctx, task, token)
	if err != nil && token.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

func (r *Runner) run(ctx context.Context, task taskqueue.Task, token *taskqueue.Token) (string, error) {
	logger := r.logger.With("task_id", task.ID)

	input, err := r.input(ctx, task)
	if err != nil {
		return "", err
	}
	if input == "" && !task.Input.Proactive {
		logger.Debug("empty input, nothing to generate")
		return "", nil
	}

	req := engine.Request{
		TaskID:    task.ID,
		ClientUID: task.Initiator,
		Scope:     task.Scope.String(),
		InputText: input,
		Proactive: task.Input.Proactive,
	}
	if r.opts.Memory != nil {
		// Context is loaded first so the current input is not in History.
		turns, err := r.opts.Memory.Context(ctx, task)
		if err != nil {
			logger.Warn("load history context failed", "error", err)
		}
		req.History = turns
		if !task.Input.Proactive {
			if err := r.opts.Memory.RecordInput(ctx, task, input); err != nil {
				logger.Warn("record input failed", "error", err)
			}
		}
	}

	emitter := stream.NewEmitter(stream.Options{
		TaskID:      task.ID,
		Fence:       token,
		Sender:      r.opts.Sender,
		Targets:     func() []string { return r.opts.Targets(task) },
		ExpectAudio: r.opts.Synthesizer != nil,
		OnFirstFragment: func(d time.Duration) {
			if r.opts.Metrics != nil {
				r.opts.Metrics.ObserveFirstFragmentLatency(d)
			}
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	sentences := make(chan sentence, 32)
	if r.opts.Synthesizer != nil {
		g.Go(func() error { return r.synthesize(gctx, logger, emitter, sentences) })
	}

	reply, genErr := r.generate(gctx, req, emitter, sentences)
	close(sentences)
	waitErr := g.Wait()

	if err := firstErr(genErr, waitErr); err != nil {
		if token.Err() != nil {
			return "", token.Err()
		}
		return "", err
	}
	return reply, nil
}

// input resolves the user text, transcribing buffered audio when present.
func (r *Runner) input(ctx context.Context, task taskqueue.Task) (string, error) {
	if len(task.Input.Audio) == 0 || r.opts.Recognizer == nil {
		return strings.TrimSpace(task.Input.Text), nil
	}

	ctx, span := tracer.Start(ctx, "pipeline.recognize", trace.WithAttributes(
		attribute.Int("audio.bytes", len(task.Input.Audio)),
		attribute.Int64("audio.duration_ms", audio.Duration(task.Input.Audio, task.Input.SampleRate).Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	text, err := r.opts.Recognizer.Transcribe(ctx, task.Input.Audio, task.Input.SampleRate)
	r.observe(observability.StageRecognize, start)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", r.upstream(engine.StageRecognize, err)
	}
	return strings.TrimSpace(text), nil
}

func (r *Runner) generate(ctx context.Context, req engine.Request, emitter *stream.Emitter, out chan<- sentence) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	var (
		seg      = NewSegmenter(r.opts.SegmentMinChars)
		seq      int
		carry    *protocol.Actions
		spoken   []string
		start    = time.Now()
		gotFirst bool
	)
	emit := func(segments []string) error {
		for _, s := range segments {
			text, actions := ExtractActions(s)
			actions = mergeActions(carry, actions)
			if text == "" {
				// A bare expression tag rides along with the next sentence.
				carry = actions
				continue
			}
			carry = nil
			seq++
			spoken = append(spoken, text)
			if err := emitter.Text(seq, text, actions); err != nil {
				return err
			}
			if r.opts.Synthesizer != nil {
				select {
				case out <- sentence{seq: seq, text: text}:
				case <-ctx.Done():
					return context.Cause(ctx)
				}
			}
		}
		return nil
	}

	_, err := r.opts.Generator.StreamResponse(ctx, req, func(delta string) error {
		if !gotFirst {
			gotFirst = true
			r.observe(observability.StageGenerateFirstDelta, start)
		}
		return emit(seg.Consume(delta))
	})
	if err == nil {
		err = emit(seg.Finalize())
	}
	r.observe(observability.StageGenerate, start)
	span.SetAttributes(attribute.Int("fragments", seq))

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, stream.ErrFenced) {
			return "", err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", r.upstream(engine.StageGenerate, err)
	}
	return strings.Join(spoken, " "), nil
}

// synthesize renders sentences in order. A failed sentence is delivered as
// text only.
func (r *Runner) synthesize(ctx context.Context, logger *slog.Logger, emitter *stream.Emitter, in <-chan sentence) error {
	for s := range in {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		wav, err := r.synthesizeOne(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			logger.Warn("synthesis failed, sending text only", "seq", s.seq, "error", err)
			r.countUpstream(engine.StageSynthesize, err)
			if err := emitter.Complete(s.seq); err != nil {
				return err
			}
			continue
		}
		if err := emitter.Audio(s.seq, wav, "wav"); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) synthesizeOne(ctx context.Context, s sentence) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "pipeline.synthesize", trace.WithAttributes(attribute.Int("seq", s.seq)))
	defer span.End()

	start := time.Now()
	clip, err := r.opts.Synthesizer.Synthesize(ctx, s.text)
	r.observe(observability.StageSynthesize, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return audio.EncodeWAVPCM16LE(clip.PCM, clip.SampleRate)
}

func (r *Runner) upstream(stage string, err error) error {
	ue, ok := engine.AsUpstream(err)
	if !ok {
		ue = &engine.UpstreamError{Stage: stage, Err: err}
	}
	r.countUpstream(stage, ue)
	return ue
}

func (r *Runner) countUpstream(stage string, err error) {
	if r.opts.Metrics == nil {
		return
	}
	retryable := false
	if ue, ok := engine.AsUpstream(err); ok {
		retryable = ue.Retryable
	}
	r.opts.Metrics.UpstreamErrors.WithLabelValues(stage, strconv.FormatBool(retryable)).Inc()
}

func (r *Runner) observe(stage string, start time.Time) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveStage(stage, time.Since(start))
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("pipeline cancelled: %w", err)
		}
	}
	return nil
}
