package engine

import (
	"errors"
	"fmt"

	"github.com/ent0n29/chorus/internal/reliability"
)

// Stages reported by UpstreamError.
const (
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StageRecognize  = "recognize"
)

// UpstreamError wraps a failure of an external generation service.
type UpstreamError struct {
	Stage      string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s failed with status %d: %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Reason is the terminal reason recorded on the failed task.
func (e *UpstreamError) Reason() string { return "upstream_failure" }

func statusError(stage string, code int, body string) *UpstreamError {
	return &UpstreamError{
		Stage:      stage,
		StatusCode: code,
		Retryable:  reliability.IsRetryableHTTPStatus(code),
		Err:        errors.New(body),
	}
}

// AsUpstream reports whether err carries an UpstreamError.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
