package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

const (
	DefaultTickInterval     = 30 * time.Second
	MaxTickInterval         = time.Minute
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 5 * time.Minute
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultLogRetentionDays = 7
	DefaultPriority         = 10

	DefaultStatusPath   = "./data/task-status.json"
	DefaultSaveInterval = 5 * time.Minute
	DefaultHTTPAddr     = "127.0.0.1:9180"
	DefaultRedisKey     = "cronward"
)

// Settings is the typed, defaulted view of the global sections.
type Settings struct {
	Logging logx.Config

	Timezone       string
	TickInterval   time.Duration
	Retry          task.RetrySpec
	DefaultTimeout time.Duration
	LogRetention   time.Duration // 0 = keep forever

	Status StatusSettings
	HTTP   HTTPSettings
}

type StatusSettings struct {
	Driver       string
	Path         string
	SaveInterval time.Duration
	FlushBatch   int
	BusyTimeout  time.Duration
	RedisURL     string
	RedisKey     string
}

type HTTPSettings struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool
}

// Resolve validates the global sections and applies defaults.
// Task entries are validated by the registry, which also needs the handler catalog.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, &task.ConfigError{Reason: "config is nil"}
	}
	var s Settings
	var errs []error
	fail := func(field, reason string, err error) {
		errs = append(errs, &task.ConfigError{Field: field, Reason: reason, Err: err})
	}
	dur := func(field, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(raw, def)
		if err != nil {
			fail(field, "", err)
			return def
		}
		return d
	}

	// Logging
	if !logx.ValidLevel(cfg.Logging.Level) {
		fail("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level), nil)
	}
	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	// Scheduler
	sc := cfg.Scheduler
	s.Timezone = strings.TrimSpace(sc.Timezone)
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			fail("scheduler.timezone", "", err)
		}
	}
	s.TickInterval = dur("scheduler.tick_interval", sc.TickInterval, DefaultTickInterval)
	if s.TickInterval > MaxTickInterval {
		fail("scheduler.tick_interval", fmt.Sprintf("must be <= %s", MaxTickInterval), nil)
	}

	s.Retry.MaxRetries = DefaultMaxRetries
	if sc.MaxRetries != nil {
		if *sc.MaxRetries < 0 {
			fail("scheduler.max_retries", "must be >= 0", nil)
		} else {
			s.Retry.MaxRetries = *sc.MaxRetries
		}
	}
	s.Retry.BaseDelay = dur("scheduler.retry_delay", sc.RetryDelay, DefaultRetryDelay)
	s.Retry.MaxDelay = dur("scheduler.retry_max_delay", sc.RetryMaxDelay, 0)
	kind, err := ParseBackoff(sc.RetryBackoff, task.BackoffExponential)
	if err != nil {
		fail("scheduler.retry_backoff", "", err)
	}
	s.Retry.Backoff = kind

	s.DefaultTimeout = dur("scheduler.default_timeout", sc.DefaultTimeout, DefaultTaskTimeout)

	days := DefaultLogRetentionDays
	if sc.LogRetentionDays != nil {
		if *sc.LogRetentionDays < 0 {
			fail("scheduler.log_retention_days", "must be >= 0", nil)
		} else {
			days = *sc.LogRetentionDays
		}
	}
	s.LogRetention = time.Duration(days) * 24 * time.Hour

	// Status
	st := cfg.Status
	s.Status.Driver = strings.ToLower(strings.TrimSpace(st.Driver))
	if s.Status.Driver == "" {
		s.Status.Driver = "file"
	}
	s.Status.Path = strings.TrimSpace(st.Path)
	switch s.Status.Driver {
	case "file":
		if s.Status.Path == "" {
			s.Status.Path = DefaultStatusPath
		}
	case "sqlite", "sqlite3":
		s.Status.Driver = "sqlite"
		if s.Status.Path == "" {
			s.Status.Path = "./data/cronward.db"
		}
	case "redis":
		s.Status.RedisURL = strings.TrimSpace(st.Redis.URL)
		if s.Status.RedisURL == "" {
			fail("status.redis.url", "required for the redis driver", nil)
		} else if u, err := url.Parse(s.Status.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
			fail("status.redis.url", "expected redis://, rediss:// or unix:// URL", nil)
		}
		s.Status.RedisKey = strings.TrimSpace(st.Redis.Key)
		if s.Status.RedisKey == "" {
			s.Status.RedisKey = DefaultRedisKey
		}
	default:
		fail("status.driver", fmt.Sprintf("unknown driver %q (want file, sqlite or redis)", st.Driver), nil)
	}
	s.Status.SaveInterval = dur("status.save_interval", st.SaveInterval, DefaultSaveInterval)
	s.Status.BusyTimeout = dur("status.busy_timeout", st.BusyTimeout, 5*time.Second)
	s.Status.FlushBatch = st.FlushBatch
	if s.Status.FlushBatch < 0 {
		fail("status.flush_batch", "must be >= 0", nil)
	}
	if s.Status.FlushBatch == 0 {
		s.Status.FlushBatch = 1
	}

	// HTTP
	s.HTTP = HTTPSettings{
		Enabled: cfg.HTTP.Enabled,
		Addr:    strings.TrimSpace(cfg.HTTP.Addr),
		Token:   strings.TrimSpace(cfg.HTTP.Token),
		Pprof:   cfg.HTTP.Pprof,
	}
	if s.HTTP.Addr == "" {
		s.HTTP.Addr = DefaultHTTPAddr
	}
	if host, _, err := net.SplitHostPort(s.HTTP.Addr); err != nil {
		fail("http.addr", "expected host:port", err)
	} else if s.HTTP.Enabled && s.HTTP.Token == "" && !loopbackHost(host) {
		fail("http.token", "required when http.addr is not a loopback address", nil)
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

func loopbackHost(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// ParseBackoff maps a config string to a backoff kind; empty yields def.
func ParseBackoff(raw string, def task.BackoffKind) (task.BackoffKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case "fixed":
		return task.BackoffFixed, nil
	case "exponential", "exp":
		return task.BackoffExponential, nil
	default:
		return def, fmt.Errorf("unknown backoff %q (want fixed or exponential)", raw)
	}
}
