package task

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfig            = errors.New("config error")
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrExecution         = errors.New("execution error")
	ErrTimeout           = errors.New("execution timed out")
	ErrPersistence       = errors.New("persistence error")

	ErrUnknownTask    = errors.New("unknown task")
	ErrAlreadyRunning = errors.New("task already running")
)

// ConfigError reports a malformed task definition or config section.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Field == "" {
		return "config: " + msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, msg)
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}

// InvalidExpressionError reports a cron expression that cannot be evaluated.
type InvalidExpressionError struct {
	Expr   string
	Reason string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
}

func (e *InvalidExpressionError) Is(target error) bool { return target == ErrInvalidExpression }

// PersistenceError wraps a storage failure of the status store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// NoRetry ends the run at the current attempt, whatever max_retries allows.
// The attempt is recorded as a failure. The stock jobs use it for a shell
// that cannot start, an HTTP 4xx other than 408 and 429, and a systemd unit
// that does not exist.
//
//	return task.Result{}, task.NoRetry(fmt.Errorf("unit %s: not found", unit))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter replaces the backoff delay before the next attempt with after,
// as the http: job does for a 429 or 503 carrying Retry-After. The delay is
// still capped by the task's retry.max_delay and no jitter is added. It does
// not grant an extra attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
