// Package engine runs a single task: one logical run made of one or more
// attempts, each bounded by the task timeout, with retries spaced by the
// task's retry policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronward/internal/eventbus"
	"cronward/internal/task"
	"cronward/internal/task/retry"
	logx "cronward/pkg/logx"
)

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	Log logx.Logger
	Bus eventbus.Bus

	// Test hooks.
	Now      func() time.Time
	Sleep    SleepFunc
	NewRunID func() string
}

type Runner struct {
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	sleep SleepFunc
	newID func() string
}

func NewRunner(opts Options) *Runner {
	r := &Runner{
		log:   opts.Log.With(logx.String("comp", "runner")),
		bus:   opts.Bus,
		now:   opts.Now,
		sleep: opts.Sleep,
		newID: opts.NewRunID,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sleep == nil {
		r.sleep = sleepCtx
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Run executes one logical run of t and returns the execution of its final
// attempt. Handler errors, panics and hangs never escape: they become a
// failure or timeout outcome. Cancelling ctx aborts the current attempt and
// any pending retry wait.
func (r *Runner) Run(ctx context.Context, t task.Task, manual bool) task.Execution {
	policy := retry.FromSpec(t.Retry)
	exec := task.Execution{
		RunID:     r.newID(),
		TaskID:    t.ID,
		StartedAt: r.now(),
		Manual:    manual,
	}
	log := r.log.With(logx.String("task", t.ID), logx.String("run", exec.RunID))

	for attempt := 1; ; attempt++ {
		exec.Attempt = attempt
		res, outcome, err := r.attempt(ctx, t)
		exec.FinishedAt = r.now()
		exec.Outcome = outcome
		exec.Message = res.Message
		exec.Error = ""
		if err == nil {
			break
		}
		exec.Error = err.Error()

		if !policy.ShouldRetry(attempt, err) || ctx.Err() != nil {
			r.publish(eventbus.TaskAttemptFailed, eventbus.TaskEvent{
				TaskID: t.ID, RunID: exec.RunID, Manual: manual, Attempt: attempt,
				Outcome: string(outcome), Error: exec.Error,
			})
			break
		}
		delay := policy.DelayForError(attempt, err)
		log.Debug("attempt failed; retrying",
			logx.Int("attempt", attempt), logx.String("outcome", string(outcome)),
			logx.Duration("delay", delay), logx.Err(err))
		r.publish(eventbus.TaskAttemptFailed, eventbus.TaskEvent{
			TaskID: t.ID, RunID: exec.RunID, Manual: manual, Attempt: attempt,
			Outcome: string(outcome), Error: exec.Error, Delay: delay,
		})
		if serr := r.sleep(ctx, delay); serr != nil {
			exec.Error = fmt.Sprintf("%s (retry aborted: %v)", exec.Error, serr)
			break
		}
	}

	dur := exec.Duration()
	switch {
	case exec.Outcome != task.OutcomeSuccess:
		log.Warn("task failed",
			logx.String("outcome", string(exec.Outcome)), logx.Int("attempts", exec.Attempt),
			logx.Duration("dur", dur), logx.String("err", exec.Error))
	case dur >= 750*time.Millisecond:
		log.Info("task completed", logx.Int("attempts", exec.Attempt), logx.Duration("dur", dur))
	default:
		log.Debug("task completed", logx.Int("attempts", exec.Attempt), logx.Duration("dur", dur))
	}
	r.publish(eventbus.TaskFinished, eventbus.TaskEvent{
		TaskID: t.ID, RunID: exec.RunID, Priority: t.Priority, Manual: manual,
		Attempt: exec.Attempt, Outcome: string(exec.Outcome), Error: exec.Error, Duration: dur,
	})
	return exec
}

type attemptResult struct {
	res task.Result
	err error
}

// attempt invokes the handler once. The handler runs on its own goroutine so
// a handler that ignores ctx still cannot hold the run past its timeout; such
// a goroutine is abandoned and its late result discarded.
func (r *Runner) attempt(ctx context.Context, t task.Task) (task.Result, task.Outcome, error) {
	if t.Handler == nil {
		return task.Result{}, task.OutcomeFailure, task.NoRetry(fmt.Errorf("%w: no handler for %q", task.ErrExecution, t.HandlerRef))
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if t.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, t.Timeout)
	}
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("handler panic", logx.String("task", t.ID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				done <- attemptResult{err: fmt.Errorf("%w: panic: %v", task.ErrExecution, p)}
			}
		}()
		res, err := t.Handler.Execute(actx)
		done <- attemptResult{res: res, err: err}
	}()

	var ar attemptResult
	select {
	case ar = <-done:
	case <-actx.Done():
		// A result that raced the deadline still counts.
		select {
		case ar = <-done:
		default:
			if ctx.Err() != nil {
				return task.Result{}, task.OutcomeFailure, fmt.Errorf("%w: %w", task.ErrExecution, ctx.Err())
			}
			return task.Result{}, task.OutcomeTimeout, fmt.Errorf("%w after %s", task.ErrTimeout, t.Timeout)
		}
	}

	if ar.err != nil {
		if errors.Is(ar.err, context.DeadlineExceeded) && ctx.Err() == nil && actx.Err() != nil {
			return ar.res, task.OutcomeTimeout, fmt.Errorf("%w after %s: %w", task.ErrTimeout, t.Timeout, ar.err)
		}
		return ar.res, task.OutcomeFailure, ar.err
	}
	if !ar.res.Success {
		msg := strings.TrimSpace(ar.res.Message)
		if msg == "" {
			msg = "handler reported failure"
		}
		return ar.res, task.OutcomeFailure, fmt.Errorf("%w: %s", task.ErrExecution, msg)
	}
	return ar.res, task.OutcomeSuccess, nil
}

func (r *Runner) publish(typ string, ev eventbus.TaskEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: ev})
}
