package crawler

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// DefaultJitter is the upper bound of the random fraction added to each delay.
const DefaultJitter = 0.2

// Backoff computes exponential retry delays:
//
//	delay(attempt) = Factor * 2^(attempt-1) * (1 + U[0, Jitter))
//
// Attempt numbers are 1-based, so the first retry waits about Factor.
type Backoff struct {
	Factor time.Duration
	Jitter float64

	// randFunc returns a value in [0, 1). Tests replace it.
	randFunc func() float64
}

// NewBackoff returns a Backoff with the default jitter.
func NewBackoff(factor time.Duration) Backoff {
	return Backoff{Factor: factor, Jitter: DefaultJitter}
}

// Delay returns how long to wait after the given failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Factor <= 0 {
		return 0
	}
	r := rand.Float64
	if b.randFunc != nil {
		r = b.randFunc
	}
	base := float64(b.Factor) * math.Pow(2, float64(attempt-1))
	return time.Duration(base * (1 + b.Jitter*r()))
}

// MaxDelay is the largest delay Delay can return for attempt.
func (b Backoff) MaxDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(b.Factor) * math.Pow(2, float64(attempt-1)) * (1 + b.Jitter))
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
