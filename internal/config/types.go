package config

import "strings"

// Config is the on-disk schema. YAML and JSON files decode into the same
// struct; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Status    StatusConfig    `json:"status"`
	HTTP      HTTPConfig      `json:"http"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig holds the global scheduling and retry defaults.
//
// Defaults (when fields are omitted/zero):
//   - timezone: process local time
//   - tick_interval: "30s" (must be <= 1m, the cron granularity)
//   - max_retries: 3 (bounds the total attempts of one run)
//   - retry_delay: "5m"
//   - retry_backoff: "exponential"
//   - retry_max_delay: "0s" (uncapped)
//   - default_timeout: "30m"
//   - log_retention_days: 7 (0 keeps run history forever)
type SchedulerConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`

	// MaxRetries is a pointer so an explicit 0 (single attempt) survives defaulting.
	MaxRetries    *int   `json:"max_retries,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	RetryBackoff  string `json:"retry_backoff,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	DefaultTimeout   string `json:"default_timeout,omitempty"`
	LogRetentionDays *int   `json:"log_retention_days,omitempty"`
}

// StatusConfig controls the status store and its backend.
//
// Example:
//
//	status: { driver: sqlite, path: ./data/cronward.db, save_interval: 1m }
type StatusConfig struct {
	Driver       string      `json:"driver,omitempty"` // file (default) | sqlite | redis
	Path         string      `json:"path,omitempty"`
	SaveInterval string      `json:"save_interval,omitempty"`
	FlushBatch   int         `json:"flush_batch,omitempty"`
	BusyTimeout  string      `json:"busy_timeout,omitempty"` // sqlite
	Redis        RedisConfig `json:"redis"`
}

type RedisConfig struct {
	URL string `json:"url,omitempty"`
	Key string `json:"key,omitempty"`
}

// HTTPConfig controls the optional status/metrics/control endpoint.
//
// Control endpoints are unauthenticated unless a token is set, and a token is
// required when addr is not a loopback address.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9180"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// TaskConfig is one scheduled job.
type TaskConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone,omitempty"`

	Enabled  *bool `json:"enabled,omitempty"`  // default true
	Priority *int  `json:"priority,omitempty"` // default 10, lower runs first

	// Handler references a job: "builtin:<name>" (or a bare name), "exec:<command>", "http:<url>",
	// "systemd:<unit>".
	Handler string `json:"handler,omitempty"`
	// Script is the legacy form of "exec:<script>". The path is handed to
	// /bin/sh -c as is, so the file must be executable and start with a
	// shebang (e.g. "#!/usr/bin/env node"). For an interpreter without one,
	// write the handler instead: "exec:node ./jobs/report.js".
	Script string `json:"script,omitempty"`

	Timeout string       `json:"timeout,omitempty"`
	Retry   *RetryConfig `json:"retry,omitempty"`
}

// RetryConfig overrides the scheduler-wide retry defaults for one task.
type RetryConfig struct {
	MaxRetries *int   `json:"max_retries,omitempty"`
	Delay      string `json:"delay,omitempty"`
	Backoff    string `json:"backoff,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
}

// IsEnabled applies the enabled default.
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// HandlerRef returns the effective handler reference. The legacy script field
// maps to exec:, and a task without either runs the builtin named after its id.
func (t TaskConfig) HandlerRef() string {
	if h := strings.TrimSpace(t.Handler); h != "" {
		return h
	}
	if s := strings.TrimSpace(t.Script); s != "" {
		return "exec:" + s
	}
	return strings.TrimSpace(t.ID)
}
