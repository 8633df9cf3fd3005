package controller

import (
	"time"

	"github.com/HsiangNianian/snyper/internal/transport"
)

// RetryPolicy decides whether a failed per-target call is attempted again.
// attempt counts from 1. Returning false ends the call with res.
type RetryPolicy interface {
	Next(attempt int, res transport.Result) (delay time.Duration, retry bool)
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(attempt int, res transport.Result) (time.Duration, bool)

func (f RetryPolicyFunc) Next(attempt int, res transport.Result) (time.Duration, bool) {
	return f(attempt, res)
}

// NoRetry makes every call a single attempt.
type NoRetry struct{}

func (NoRetry) Next(int, transport.Result) (time.Duration, bool) { return 0, false }

// RetryOnTimeout retries only timed-out calls, up to Attempts in total,
// doubling Backoff between attempts.
type RetryOnTimeout struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryOnTimeout) Next(attempt int, res transport.Result) (time.Duration, bool) {
	if res.Status != transport.StatusTimeout || attempt >= p.Attempts {
		return 0, false
	}
	return p.Backoff << (attempt - 1), true
}
