package app

import (
	"context"
	"errors"
)

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

func stopReason(parent context.Context, fatal error) StopReason {
	switch {
	case fatal != nil && !errors.Is(fatal, context.Canceled):
		return StopFatalError
	case parent.Err() != nil:
		return StopSignal
	default:
		return StopUnknown
	}
}
