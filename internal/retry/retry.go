// Package retry provides bounded exponential backoff for transient
// backend failures.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"membria/internal/types"
)

// Policy controls the backoff schedule.
type Policy struct {
	Base     time.Duration // first delay
	Factor   float64       // multiplier per attempt
	Attempts int           // max attempts including the first
	Jitter   float64       // fraction of delay, applied +/-
}

// DefaultPolicy is base 250ms, factor 2, 3 attempts, jitter +/-20%.
func DefaultPolicy() Policy {
	return Policy{Base: 250 * time.Millisecond, Factor: 2, Attempts: 3, Jitter: 0.2}
}

// Do runs fn, retrying only TransientBackend failures under the policy.
// Other error kinds surface immediately; context cancellation surfaces as
// Cancelled.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts <= 0 {
		p = DefaultPolicy()
	}

	delay := p.Base
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, types.ErrTransientBackend) {
			return err
		}
		if attempt >= p.Attempts {
			return err
		}

		sleep := delay
		if p.Jitter > 0 {
			f := 1 + p.Jitter*(2*rand.Float64()-1)
			sleep = time.Duration(float64(delay) * f)
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return types.ErrCancelled
		}
		delay = time.Duration(float64(delay) * p.Factor)
	}
}
