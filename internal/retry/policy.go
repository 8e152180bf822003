// Package retry holds the backoff policy shared by scheduler polling, channel
// reconnects and background removal.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines bounded (or unbounded) retry behaviour with exponential backoff.
type Policy struct {
	MaxAttempts  int           // attempts before giving up; 0 means unbounded
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for any single delay
	Multiplier   float64       // growth factor per attempt, e.g. 2.0
	Jitter       float64       // fraction of the delay randomised, 0..1
}

// QueryPolicy is used for query-status failures while polling.
func QueryPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// ChannelPolicy is used when opening or reconnecting the interactive channel.
func ChannelPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// RemovalPolicy is used for background removal; it never gives up.
func RemovalPolicy() Policy {
	return Policy{
		MaxAttempts:  0,
		InitialDelay: 5 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts failures have used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Validate checks if the policy configuration is usable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("MaxAttempts must be non-negative")
	}
	if p.InitialDelay < 0 {
		return errors.New("InitialDelay must be non-negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("Jitter must be within [0, 1]")
	}
	return nil
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() when cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a permanent error, or the policy is
// exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if p.Exhausted(attempt + 1) {
			return err
		}
		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			return err
		}
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
