package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockGenerator provides deterministic local replies, streamed word by word.
type MockGenerator struct {
	delay time.Duration
}

func NewMockGenerator(delay time.Duration) *MockGenerator {
	return &MockGenerator{delay: delay}
}

func (g *MockGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	text := buildMockReply(req)
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := sleepCtx(ctx, g.delay); err != nil {
			return Response{}, err
		}
		if onDelta != nil {
			if err := onDelta(w); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	if req.Proactive {
		return "[joy] Hello there. I was just thinking about you."
	}
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		base = "I am listening."
	}

	reply := fmt.Sprintf("[joy] I heard you: %s", strings.TrimRight(base, ".!? "))
	reply += "."
	for i := len(req.History) - 1; i >= 0; i-- {
		last := strings.TrimSpace(req.History[i].Content)
		if req.History[i].Role == "user" && last != "" {
			return reply + fmt.Sprintf(" I also remember: %s", last)
		}
	}
	return reply + " Tell me more!"
}

// MockSynthesizer renders silence proportional to the sentence length.
type MockSynthesizer struct {
	delay time.Duration
}

const mockSampleRate = 16000

func NewMockSynthesizer(delay time.Duration) *MockSynthesizer {
	return &MockSynthesizer{delay: delay}
}

func (s *MockSynthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := sleepCtx(ctx, s.delay); err != nil {
		return Audio{}, err
	}
	words := len(strings.Fields(text))
	// 50ms of 16-bit mono per word.
	pcm := make([]byte, words*mockSampleRate/20*2)
	return Audio{PCM: pcm, SampleRate: mockSampleRate}, nil
}

// MockRecognizer returns a fixed transcript, or a description of the audio
// when none is configured.
type MockRecognizer struct {
	transcript string
}

func NewMockRecognizer(transcript string) *MockRecognizer {
	return &MockRecognizer{transcript: strings.TrimSpace(transcript)}
}

func (r *MockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", context.Cause(ctx)
	}
	if len(pcm) == 0 {
		return "", nil
	}
	if r.transcript != "" {
		return r.transcript, nil
	}
	if sampleRate <= 0 {
		sampleRate = mockSampleRate
	}
	secs := float64(len(pcm)) / float64(sampleRate*2)
	return fmt.Sprintf("simulated voice input of %.1f seconds", secs), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
