// Package cronspec evaluates five-field cron expressions in a timezone.
//
// Parsing and the base trigger search are delegated to robfig/cron. On top of
// that the package guarantees wall-clock semantics across daylight-saving
// transitions:
//   - a wall-clock time repeated by a fall-back transition fires once (first occurrence)
//   - a wall-clock time skipped by a spring-forward transition fires at the transition instant
package cronspec

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronward/internal/task"
)

// Only the classic five fields. No seconds, no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const starBit = 1 << 63

// Schedule is a parsed expression bound to a location. It is immutable and
// safe for concurrent use.
type Schedule struct {
	expr string
	loc  *time.Location
	spec *cron.SpecSchedule
}

// Parse validates expr and binds it to the named timezone.
// Errors are *task.InvalidExpressionError (bad expression) or a plain error
// for an unknown timezone.
func Parse(expr, timezone string) (*Schedule, error) {
	return parseAt(expr, timezone, time.Now())
}

// parseAt is Parse with the "fires at all" check anchored at now.
func parseAt(expr, timezone string, now time.Time) (*Schedule, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, &task.InvalidExpressionError{Expr: expr, Reason: "empty expression"}
	}
	up := strings.ToUpper(raw)
	if strings.HasPrefix(up, "TZ=") || strings.HasPrefix(up, "CRON_TZ=") {
		return nil, &task.InvalidExpressionError{Expr: expr, Reason: "timezone prefixes are not supported; use the timezone field"}
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(raw)
	if err != nil {
		return nil, &task.InvalidExpressionError{Expr: expr, Reason: err.Error()}
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, &task.InvalidExpressionError{Expr: expr, Reason: "unsupported schedule form"}
	}
	spec.Location = loc

	s := &Schedule{expr: raw, loc: loc, spec: spec}
	if s.Next(now).IsZero() {
		return nil, &task.InvalidExpressionError{Expr: expr, Reason: "expression never fires"}
	}
	return s, nil
}

// MustParse is Parse for static expressions in tests and defaults.
func MustParse(expr, timezone string) *Schedule {
	s, err := Parse(expr, timezone)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schedule) String() string            { return s.expr }
func (s *Schedule) Location() *time.Location { return s.loc }

// Next returns the first trigger instant strictly after the given instant,
// or the zero time if there is none within robfig's five-year search window.
func (s *Schedule) Next(after time.Time) time.Time {
	t := after.In(s.loc)
	for {
		n := s.spec.Next(t)
		if n.IsZero() {
			return n
		}
		if gap, ok := s.skippedMatch(t, n); ok {
			return gap
		}
		end, repeated := repeatedRange(n)
		if !repeated {
			return n
		}
		// Resume the search at the first wall-clock reading not seen before.
		t = end.Add(-time.Second)
	}
}

// IsDue reports whether at least one trigger lies in (lastChecked, at].
func (s *Schedule) IsDue(at, lastChecked time.Time) bool {
	if !at.After(lastChecked) {
		return false
	}
	n := s.Next(lastChecked)
	return !n.IsZero() && !n.After(at)
}

// Between lists trigger instants in (from, to], capped at limit entries.
func (s *Schedule) Between(from, to time.Time, limit int) []time.Time {
	var out []time.Time
	t := from
	for limit <= 0 || len(out) < limit {
		n := s.Next(t)
		if n.IsZero() || n.After(to) {
			break
		}
		out = append(out, n)
		t = n
	}
	return out
}

// skippedMatch looks for spring-forward transitions in (t, n]. If one of the
// wall-clock minutes it skips matches the schedule, the transition instant is
// the trigger.
func (s *Schedule) skippedMatch(t, n time.Time) (time.Time, bool) {
	cur := t
	for {
		_, end := cur.ZoneBounds()
		if end.IsZero() || end.After(n) {
			return time.Time{}, false
		}
		_, offBefore := cur.Zone()
		endLocal := end.In(s.loc)
		_, offAfter := endLocal.Zone()
		if diff := time.Duration(offAfter-offBefore) * time.Second; diff > 0 {
			wall := time.Date(endLocal.Year(), endLocal.Month(), endLocal.Day(), endLocal.Hour(), endLocal.Minute(), 0, 0, time.UTC)
			for m := wall.Add(-diff); m.Before(wall); m = m.Add(time.Minute) {
				if s.matchesWall(m) {
					return endLocal, true
				}
			}
		}
		cur = endLocal
	}
}

// matchesWall checks the schedule fields against the wall-clock fields of t
// (t's own location is irrelevant).
func (s *Schedule) matchesWall(t time.Time) bool {
	sp := s.spec
	if 1<<uint(t.Minute())&sp.Minute == 0 ||
		1<<uint(t.Hour())&sp.Hour == 0 ||
		1<<uint(t.Month())&sp.Month == 0 {
		return false
	}
	domMatch := 1<<uint(t.Day())&sp.Dom > 0
	dowMatch := 1<<uint(t.Weekday())&sp.Dow > 0
	if sp.Dom&starBit > 0 || sp.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// repeatedRange reports whether the wall-clock reading of t already occurred
// earlier (second pass through a fall-back transition). end is the first
// instant after the repeated range.
func repeatedRange(t time.Time) (end time.Time, repeated bool) {
	start, _ := t.ZoneBounds()
	if start.IsZero() {
		return time.Time{}, false
	}
	_, off := t.Zone()
	_, prev := start.Add(-time.Nanosecond).Zone()
	shift := time.Duration(prev-off) * time.Second
	if shift <= 0 {
		return time.Time{}, false
	}
	end = start.Add(shift)
	return end, t.Before(end)
}

// NextTrigger parses expr and returns the first trigger strictly after `after`.
func NextTrigger(expr, timezone string, after time.Time) (time.Time, error) {
	s, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after), nil
}

// IsDue parses expr and reports whether a trigger lies in (lastChecked, at].
func IsDue(expr, timezone string, at, lastChecked time.Time) (bool, error) {
	s, err := Parse(expr, timezone)
	if err != nil {
		return false, err
	}
	return s.IsDue(at, lastChecked), nil
}

// LoadLocation resolves an IANA name; "" and "Local" mean the process location.
func LoadLocation(name string) (*time.Location, error) {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(n)
}
