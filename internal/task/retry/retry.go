// Package retry decides whether a failed attempt is retried and how long to
// wait before the next one. Policies are pure values: the same attempt number
// always yields the same answer.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"cronward/internal/task"
)

// Policy bounds the attempts of one logical run.
//
// MaxRetries bounds the total number of attempts: attempt n is retried only
// while n < MaxRetries, so 0 and 1 both mean a single attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Backoff    task.BackoffKind
	MaxDelay   time.Duration // 0 = uncapped
}

// FromSpec builds a policy from a task's retry configuration.
func FromSpec(s task.RetrySpec) Policy {
	return Policy{MaxRetries: s.MaxRetries, BaseDelay: s.BaseDelay, Backoff: s.Backoff, MaxDelay: s.MaxDelay}
}

// MaxAttempts is the number of attempts a run may take.
func (p Policy) MaxAttempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// ShouldRetry reports whether a run whose attempt-th attempt failed with err
// gets another attempt.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if err != nil {
		if task.IsNoRetry(err) || errors.Is(err, context.Canceled) {
			return false
		}
	}
	return true
}

// DelayFor is the wait after the attempt-th failed attempt.
// Exponential: BaseDelay * 2^(attempt-1); fixed: BaseDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	if p.Backoff != task.BackoffFixed {
		for i := 1; i < attempt; i++ {
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
			// Overflow guard for absurd attempt counts.
			if d > math.MaxInt64/2 {
				break
			}
			d *= 2
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// DelayForError is DelayFor, except that an explicit task.RetryAfter hint on
// err wins (still bounded by MaxDelay).
func (p Policy) DelayForError(attempt int, err error) time.Duration {
	var ra task.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}
	return p.DelayFor(attempt)
}

// Schedule lists the delays between the attempts of a run that fails every time.
func (p Policy) Schedule() []time.Duration {
	var out []time.Duration
	for attempt := 1; p.ShouldRetry(attempt, nil); attempt++ {
		out = append(out, p.DelayFor(attempt))
	}
	return out
}
