package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cronward/internal/task"
)

// unitState is the subset of a systemd unit's properties the unit check needs.
type unitState struct {
	Active      string
	Sub         string
	Load        string
	Description string
	Since       time.Time // InactiveEnterTimestamp when not active
}

// unitQuerier looks up the current state of one unit.
type unitQuerier func(ctx context.Context, unit string) (unitState, error)

// unitHandler succeeds while the unit is active. A missing unit never
// recovers on its own, so it is not retried.
type unitHandler struct {
	unit  string
	query unitQuerier
}

func normalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func (h *unitHandler) Execute(ctx context.Context) (task.Result, error) {
	st, err := h.query(ctx, h.unit)
	if err != nil {
		if ctx.Err() != nil {
			return task.Result{}, ctx.Err()
		}
		return task.Result{}, fmt.Errorf("systemd %s: %w", h.unit, err)
	}
	if st.Load == "not-found" {
		return task.Result{}, task.NoRetry(fmt.Errorf("systemd %s: unit not found", h.unit))
	}
	if st.Active == "active" {
		return task.Result{Success: true, Message: fmt.Sprintf("%s %s (%s)", h.unit, st.Active, st.Sub)}, nil
	}
	msg := fmt.Sprintf("%s %s (%s)", h.unit, st.Active, st.Sub)
	if !st.Since.IsZero() {
		msg += " since " + st.Since.Format(time.RFC3339)
	}
	return task.Result{Success: false, Message: msg}, nil
}
