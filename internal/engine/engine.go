package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Turn is one prior exchange handed to the generator as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized request sent to a Generator.
type Request struct {
	TaskID    string `json:"task_id"`
	ClientUID string `json:"client_uid"`
	Scope     string `json:"scope"`
	InputText string `json:"input_text"`
	History   []Turn `json:"history,omitempty"`
	// Proactive requests have no user input; the assistant speaks first.
	Proactive bool `json:"proactive,omitempty"`
}

// Response is the final response after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error stops
// the stream.
type DeltaHandler func(delta string) error

// Generator produces the assistant reply for a turn.
type Generator interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Audio is raw PCM16LE mono audio.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Synthesizer turns one sentence into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// Recognizer transcribes a buffered utterance.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Config controls engine construction.
type Config struct {
	Mode            string
	HTTPURL         string
	HTTPTimeout     time.Duration
	MockDelay       time.Duration
	SynthesizerMode string
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return NewMockGenerator(cfg.MockDelay), nil
		}
		return NewFallbackGenerator(NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPTimeout), NewMockGenerator(cfg.MockDelay)), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("engine HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockGenerator(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// NewSynthesizer returns nil when synthesis is disabled.
func NewSynthesizer(cfg Config) (Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SynthesizerMode)) {
	case "", "mock":
		return NewMockSynthesizer(cfg.MockDelay), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported synthesizer mode %q", cfg.SynthesizerMode)
	}
}

func NewRecognizer(Config) Recognizer {
	return NewMockRecognizer("")
}
