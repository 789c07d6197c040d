//go:build !linux

package jobs

import (
	"context"
	"errors"

	"cronward/internal/task"
)

func querySystemdUnit(context.Context, string) (unitState, error) {
	return unitState{}, task.NoRetry(errors.New("systemd unit checks are only supported on linux"))
}
