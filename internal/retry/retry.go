// Package retry decides whether and when a failed delivery is attempted again.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/lsm/hookbridge/internal/forwarder"
)

// Policy is exponential backoff with full jitter.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns 200ms base, factor 2, 30s cap, 8 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 8,
	}
}

// Decision is the result of Next.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be >= 1"))
	}
	if p.BaseDelay <= 0 {
		errs = append(errs, errors.New("base delay must be positive"))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, errors.New("max delay must be >= base delay"))
	}
	if p.Factor < 1 {
		errs = append(errs, errors.New("factor must be >= 1"))
	}
	return errors.Join(errs...)
}

// Next returns the decision after attempt (1-based) ended with outcome.
// Permanent gives up at once; Retriable gives up once attempt reaches
// MaxAttempts. A Retry-After hint raises the delay, bounded by MaxDelay.
func (p Policy) Next(attempt int, outcome forwarder.Outcome) Decision {
	switch outcome.Kind {
	case forwarder.Success:
		return Decision{}
	case forwarder.Permanent:
		return Decision{GiveUp: true}
	}
	if attempt >= p.MaxAttempts {
		return Decision{GiveUp: true}
	}

	d := p.Backoff(attempt)
	if hint := min(outcome.RetryAfter, p.MaxDelay); hint > d {
		d = hint
	}
	return Decision{Delay: d}
}

// Backoff returns a full-jitter delay in [0, min(MaxDelay, Base*Factor^(attempt-1))].
func (p Policy) Backoff(attempt int) time.Duration {
	return time.Duration(p.random() * float64(p.Ceiling(attempt)))
}

// Ceiling is the upper bound of the jittered delay after attempt.
func (p Policy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	ceiling := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if ceiling > float64(p.MaxDelay) || math.IsInf(ceiling, 0) {
		ceiling = float64(p.MaxDelay)
	}
	return time.Duration(ceiling)
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
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
