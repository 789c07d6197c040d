// Package registry holds the configured task set. Definitions are fixed for
// the lifetime of a Registry; only the enabled flag changes at runtime. A
// config reload builds a new Registry.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cronward/internal/config"
	"cronward/internal/task"
	"cronward/internal/task/cronspec"
)

// Resolver turns handler references into handlers (see package jobs).
type Resolver interface {
	Resolve(ref string) (task.Handler, error)
}

// Entry is a task together with its parsed schedule.
type Entry struct {
	task.Task
	Schedule *cronspec.Schedule
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // priority, then id
}

// Load builds a registry from config. Every problem is reported, each as a
// *task.ConfigError naming the offending field.
func Load(cfg *config.Config, resolver Resolver) (*Registry, error) {
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	var errs []error
	fail := func(field, reason string, err error) {
		errs = append(errs, &task.ConfigError{Field: field, Reason: reason, Err: err})
	}

	tasks := make([]task.Task, 0, len(cfg.Tasks))
	seen := make(map[string]int, len(cfg.Tasks))
	for i, tc := range cfg.Tasks {
		field := func(name string) string { return fmt.Sprintf("tasks[%d].%s", i, name) }

		id := strings.TrimSpace(tc.ID)
		if id == "" {
			fail(field("id"), "required", nil)
			continue
		}
		if prev, dup := seen[id]; dup {
			fail(field("id"), fmt.Sprintf("duplicate id %q (first defined at tasks[%d])", id, prev), nil)
			continue
		}
		seen[id] = i

		t := task.Task{
			ID:             id,
			Name:           strings.TrimSpace(tc.Name),
			Description:    strings.TrimSpace(tc.Description),
			CronExpression: strings.TrimSpace(tc.CronExpression),
			Timezone:       strings.TrimSpace(tc.Timezone),
			Priority:       config.DefaultPriority,
			Enabled:        tc.IsEnabled(),
			HandlerRef:     tc.HandlerRef(),
			Retry:          settings.Retry,
		}
		if t.Name == "" {
			t.Name = id
		}
		if t.Timezone == "" {
			t.Timezone = settings.Timezone
		}
		if tc.Priority != nil {
			t.Priority = *tc.Priority
		}

		if t.CronExpression == "" {
			fail(field("cron_expression"), "required", nil)
		} else if _, err := cronspec.Parse(t.CronExpression, t.Timezone); err != nil {
			if errors.Is(err, task.ErrInvalidExpression) {
				fail(field("cron_expression"), "", err)
			} else {
				fail(field("timezone"), "", err)
			}
		}

		timeout, err := config.ParseDurationOrDefault(tc.Timeout, settings.DefaultTimeout)
		if err != nil {
			fail(field("timeout"), "", err)
		}
		t.Timeout = timeout

		if rc := tc.Retry; rc != nil {
			if rc.MaxRetries != nil {
				if *rc.MaxRetries < 0 {
					fail(field("retry.max_retries"), "must be >= 0", nil)
				} else {
					t.Retry.MaxRetries = *rc.MaxRetries
				}
			}
			if d, err := config.ParseDurationOrDefault(rc.Delay, t.Retry.BaseDelay); err != nil {
				fail(field("retry.delay"), "", err)
			} else {
				t.Retry.BaseDelay = d
			}
			if d, err := config.ParseDurationOrDefault(rc.MaxDelay, t.Retry.MaxDelay); err != nil {
				fail(field("retry.max_delay"), "", err)
			} else {
				t.Retry.MaxDelay = d
			}
			if k, err := config.ParseBackoff(rc.Backoff, t.Retry.Backoff); err != nil {
				fail(field("retry.backoff"), "", err)
			} else {
				t.Retry.Backoff = k
			}
		}

		if resolver == nil {
			fail(field("handler"), "no handler catalog", nil)
		} else if h, err := resolver.Resolve(t.HandlerRef); err != nil {
			fail(field("handler"), "", err)
		} else {
			t.Handler = h
		}

		tasks = append(tasks, t)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return New(tasks)
}

// New builds a registry from ready task definitions.
func New(tasks []task.Task) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Entry, len(tasks))}
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return nil, &task.ConfigError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: "required"}
		}
		if _, dup := r.entries[t.ID]; dup {
			return nil, &task.ConfigError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: fmt.Sprintf("duplicate id %q", t.ID)}
		}
		if t.Handler == nil {
			return nil, &task.ConfigError{Field: fmt.Sprintf("tasks[%d].handler", i), Reason: "missing handler"}
		}
		sched, err := cronspec.Parse(t.CronExpression, t.Timezone)
		if err != nil {
			return nil, &task.ConfigError{Field: fmt.Sprintf("tasks[%d].cron_expression", i), Err: err}
		}
		r.entries[t.ID] = &Entry{Task: t, Schedule: sched}
		r.order = append(r.order, t.ID)
	}
	sort.Slice(r.order, func(i, j int) bool {
		return task.Less(&r.entries[r.order[i]].Task, &r.entries[r.order[j]].Task)
	})
	return r, nil
}

// List returns copies of all entries ordered by priority, then id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// SetEnabled flips a task's enabled flag in place.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrUnknownTask, id)
	}
	e.Enabled = enabled
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
