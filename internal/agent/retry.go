package agent

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-recon/internal/llm"
)

// Decision is what to do after a failed model call.
type Decision int

const (
	// Retry the same request after a backoff.
	Retry Decision = iota
	// Fallback sends one tool-less request with an explanatory notice.
	Fallback
	// Fail gives up; the run reports a lost connection.
	Fail
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Fallback:
		return "fallback"
	default:
		return "fail"
	}
}

// RetryPolicy decides how model call failures are handled.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay doubles on every retry.
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times, waiting 1s, 2s and 4s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}

// Decide classifies err given how many retries were already spent.
func (p RetryPolicy) Decide(retries int, err error) Decision {
	switch {
	case err == nil:
		return Fail
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Fail
	case llm.IsBadRequest(err):
		return Fallback
	case llm.IsTransient(err) && retries < p.MaxRetries:
		return Retry
	default:
		return Fail
	}
}

// Backoff returns the wait before retry number retries+1.
func (p RetryPolicy) Backoff(retries int) time.Duration {
	return p.BaseDelay << retries
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
