package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cronward/internal/task"
)

func TestExponentialDelays(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 4, BaseDelay: time.Second, Backoff: task.BackoffExponential}
	assert.Equal(t, 1000*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 2000*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 4000*time.Millisecond, p.DelayFor(3))

	// Pure: asking again gives the same answer.
	assert.Equal(t, 2000*time.Millisecond, p.DelayFor(2))
}

func TestFixedDelays(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 3, BaseDelay: 5 * time.Minute, Backoff: task.BackoffFixed}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Minute, p.DelayFor(attempt))
	}
}

func TestMaxDelayCaps(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 10, BaseDelay: time.Second, Backoff: task.BackoffExponential, MaxDelay: 5 * time.Second}
	assert.Equal(t, 4*time.Second, p.DelayFor(3))
	assert.Equal(t, 5*time.Second, p.DelayFor(4))
	assert.Equal(t, 5*time.Second, p.DelayFor(60))

	uncapped := Policy{MaxRetries: 100, BaseDelay: time.Second}
	assert.Positive(t, uncapped.DelayFor(90))
}

func TestShouldRetryBoundsAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := Policy{MaxRetries: 3, BaseDelay: time.Second}
	assert.True(t, p.ShouldRetry(1, boom))
	assert.True(t, p.ShouldRetry(2, boom))
	assert.False(t, p.ShouldRetry(3, boom))
	assert.Equal(t, 3, p.MaxAttempts())
	assert.Len(t, p.Schedule(), 2)

	for _, n := range []int{0, 1} {
		single := Policy{MaxRetries: n}
		assert.False(t, single.ShouldRetry(1, boom))
		assert.Equal(t, 1, single.MaxAttempts())
	}
}

func TestShouldRetryHonorsErrorKind(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5}
	assert.False(t, p.ShouldRetry(1, task.NoRetry(errors.New("bad config"))))
	assert.False(t, p.ShouldRetry(1, fmt.Errorf("run: %w", context.Canceled)))
	assert.True(t, p.ShouldRetry(1, context.DeadlineExceeded))
}

func TestDelayForErrorUsesHint(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
	assert.Equal(t, 7*time.Second, p.DelayForError(1, task.RetryAfter(errors.New("429"), 7*time.Second)))
	assert.Equal(t, time.Minute, p.DelayForError(1, task.RetryAfter(errors.New("429"), time.Hour)))
	assert.Equal(t, 2*time.Second, p.DelayForError(2, errors.New("plain")))
}
