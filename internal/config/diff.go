package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronward/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the http token or
// redis credentials), and (3) the ids of tasks that were added, removed or
// changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		sc := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(sc.Timezone)),
			logx.String("scheduler.tick_interval", strings.TrimSpace(sc.TickInterval)),
			logx.String("scheduler.retry_delay", strings.TrimSpace(sc.RetryDelay)),
			logx.String("scheduler.retry_backoff", strings.TrimSpace(sc.RetryBackoff)),
		)
		if sc.MaxRetries != nil {
			attrs = append(attrs, logx.Int("scheduler.max_retries", *sc.MaxRetries))
		}
	}

	// The status backend is opened once per process; a change here is only
	// reported, it takes effect on restart.
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.String("status.driver", strings.TrimSpace(newCfg.Status.Driver)),
			logx.Bool("status.path_set", strings.TrimSpace(newCfg.Status.Path) != ""),
			logx.Bool("status.redis_url_set", strings.TrimSpace(newCfg.Status.Redis.URL) != ""),
			logx.String("status.save_interval", strings.TrimSpace(newCfg.Status.SaveInterval)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || oh.Addr != nh.Addr || oh.Pprof != nh.Pprof || (oh.Token != "") != (nh.Token != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]uint64 {
		m := make(map[string]uint64, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.ID)] = hashTask(t)
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := om[id]
		n, inNew := nm[id]
		if inOld != inNew || o != n {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
