package app

import (
	"cronward/internal/config"
	"cronward/internal/jobs"
	"cronward/internal/task/registry"
)

// Loaded is a parsed and validated config file.
type Loaded struct {
	Config   *config.Config
	Settings config.Settings
	Registry *registry.Registry
}

// Load parses path and validates every section, tasks included. All problems
// are reported together as *task.ConfigError values.
func Load(path string, catalog *jobs.Catalog) (*Loaded, error) {
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return nil, err
	}
	return build(cfg, catalog)
}

func build(cfg *config.Config, catalog *jobs.Catalog) (*Loaded, error) {
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(cfg, catalog)
	if err != nil {
		return nil, err
	}
	return &Loaded{Config: cfg, Settings: settings, Registry: reg}, nil
}
