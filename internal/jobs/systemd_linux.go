//go:build linux

package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// querySystemdUnit asks systemd over the system bus. The cheap
// ListUnitsByPatterns call covers the common case; the property map is only
// fetched for units that are down, to report since when.
func querySystemdUnit(ctx context.Context, unit string) (unitState, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return unitState{}, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil {
		for _, u := range units {
			if u.Name != unit {
				continue
			}
			st := unitState{Active: u.ActiveState, Sub: u.SubState, Load: u.LoadState, Description: u.Description}
			if st.Active != "active" && st.Load != "not-found" {
				if props, perr := conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
					st.Since = unitTimestamp(props, "InactiveEnterTimestamp")
				}
			}
			return st, nil
		}
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return unitState{Active: "unknown", Sub: "not-found", Load: "not-found"}, nil
		}
		return unitState{}, err
	}
	st := unitState{
		Active:      unitString(props, "ActiveState"),
		Sub:         unitString(props, "SubState"),
		Load:        unitString(props, "LoadState"),
		Description: unitString(props, "Description"),
	}
	if st.Active != "active" {
		st.Since = unitTimestamp(props, "InactiveEnterTimestamp")
	}
	return st, nil
}

func unitString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// systemd timestamps are microseconds since the epoch.
func unitTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
