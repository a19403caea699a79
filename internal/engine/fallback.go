package engine

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator attempts a primary generator first and falls back on
// error. Once the primary has streamed any delta the turn is committed to
// it, since replaying through the fallback would duplicate output.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if g == nil || g.primary == nil {
		if g != nil && g.fallback != nil {
			return g.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, errors.New("fallback generator misconfigured")
	}

	streamed := false
	resp, err := g.primary.StreamResponse(ctx, req, func(delta string) error {
		streamed = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil {
		return resp, nil
	}
	if streamed || ctx.Err() != nil || g.fallback == nil {
		return Response{}, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Response{}, err
	}

	fallbackResp, fallbackErr := g.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
