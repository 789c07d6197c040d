package config

// Example returns a starter config: the classic heartbeat, gateway check and
// report jobs in Asia/Shanghai, with the stock retry and persistence defaults.
func Example() *Config {
	maxRetries := DefaultMaxRetries
	retention := DefaultLogRetentionDays
	off := false
	prio := func(p int) *int { return &p }

	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{
			Timezone:         "Asia/Shanghai",
			TickInterval:     "30s",
			MaxRetries:       &maxRetries,
			RetryDelay:       "5m",
			RetryBackoff:     "exponential",
			DefaultTimeout:   "30m",
			LogRetentionDays: &retention,
		},
		Status: StatusConfig{
			Driver:       "file",
			Path:         DefaultStatusPath,
			SaveInterval: "5m",
			FlushBatch:   1,
		},
		HTTP: HTTPConfig{Enabled: false, Addr: DefaultHTTPAddr},
		Tasks: []TaskConfig{
			{
				ID:             "gateway-check",
				Name:           "Gateway health check",
				Description:    "Probe the gateway health endpoint",
				CronExpression: "*/30 * * * *",
				Priority:       prio(5),
				Handler:        "http:http://127.0.0.1:18789/health",
				Timeout:        "30s",
			},
			{
				ID:             "heartbeat",
				Name:           "System heartbeat",
				Description:    "Report process liveness",
				CronExpression: "*/30 * * * *",
				Priority:       prio(10),
				Handler:        "builtin:heartbeat",
			},
			{
				ID:             "daily-report",
				Name:           "Daily report",
				Description:    "Generate the daily report",
				CronExpression: "0 4 * * *",
				Priority:       prio(15),
				Script:         "./scripts/daily-report.sh",
				Enabled:        &off,
			},
			{
				ID:             "weekly-report",
				Name:           "Weekly report",
				Description:    "Generate the weekly report",
				CronExpression: "0 0 * * 1",
				Priority:       prio(20),
				Script:         "./scripts/weekly-report.sh",
				Enabled:        &off,
			},
		},
	}
}
