package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies upstream statuses worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Wait sleeps for the backoff of attempt, returning early with the cause of
// ctx when it is done first.
func Wait(ctx context.Context, attempt int, base, cap time.Duration) error {
	t := time.NewTimer(ExponentialBackoff(attempt, base, cap))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
