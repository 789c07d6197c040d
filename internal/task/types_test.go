package task

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusApplyCountsRuns(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := t0.Add(30 * time.Minute)

	var st Status
	st = st.Apply(Execution{TaskID: "heartbeat", Attempt: 3, StartedAt: t0, FinishedAt: t0.Add(time.Second), Outcome: OutcomeFailure, Error: "boom"}, next)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 3, st.LastAttempts)
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, next, st.NextScheduledAt)

	st = st.Apply(Execution{TaskID: "heartbeat", Attempt: 1, StartedAt: t0, FinishedAt: t0, Outcome: OutcomeTimeout, Error: "deadline"}, next)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, OutcomeTimeout, st.LastOutcome)

	st = st.Apply(Execution{TaskID: "heartbeat", Attempt: 1, StartedAt: t0, FinishedAt: t0.Add(2 * time.Second), Outcome: OutcomeSuccess}, next)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 2*time.Second, st.LastDuration)
}

func TestLessOrdersByPriorityThenID(t *testing.T) {
	a := &Task{ID: "b", Priority: 5}
	b := &Task{ID: "a", Priority: 10}
	c := &Task{ID: "a", Priority: 5}
	assert.True(t, Less(a, b))
	assert.True(t, Less(c, a))
	assert.False(t, Less(b, c))
}

func TestErrorTaxonomy(t *testing.T) {
	cfgErr := &ConfigError{Field: "tasks[0].id", Reason: "duplicate id"}
	assert.ErrorIs(t, cfgErr, ErrConfig)
	assert.Equal(t, "config: tasks[0].id: duplicate id", cfgErr.Error())

	exprErr := &InvalidExpressionError{Expr: "61 * * * *", Reason: "minute out of range"}
	wrapped := &ConfigError{Field: "tasks[1].cron_expression", Err: exprErr}
	assert.ErrorIs(t, wrapped, ErrConfig)
	assert.ErrorIs(t, wrapped, ErrInvalidExpression)

	perr := &PersistenceError{Op: "flush", Err: errors.New("disk full")}
	assert.ErrorIs(t, perr, ErrPersistence)
	assert.Contains(t, perr.Error(), "disk full")
}

func TestNoRetry(t *testing.T) {
	assert.NoError(t, NoRetry(nil))
	base := errors.New("bad input")
	err := fmt.Errorf("handler: %w", NoRetry(base))
	require.True(t, IsNoRetry(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsNoRetry(base))
}
