package app

import (
	"context"

	"cronward/internal/config"
	"cronward/internal/eventbus"
	"cronward/internal/status"
	"cronward/internal/storage"
	logx "cronward/pkg/logx"
)

func mapStorageConfig(s config.StatusSettings) storage.Config {
	return storage.Config{
		Driver:      s.Driver,
		Path:        s.Path,
		BusyTimeout: s.BusyTimeout,
		RedisURL:    s.RedisURL,
		RedisKey:    s.RedisKey,
	}
}

// OpenBackend opens the configured status backend without the in-memory
// table. The CLI reads snapshots and history through it.
func OpenBackend(ctx context.Context, s config.Settings, log logx.Logger) (storage.Store, error) {
	return storage.Open(ctx, mapStorageConfig(s.Status), log)
}

func openStatus(ctx context.Context, s config.Settings, log logx.Logger, bus eventbus.Bus) (*status.Store, error) {
	backend, err := OpenBackend(ctx, s, log)
	if err != nil {
		return nil, err
	}
	st, err := status.Open(ctx, backend, status.Options{
		SaveInterval: s.Status.SaveInterval,
		FlushBatch:   s.Status.FlushBatch,
		Retention:    s.LogRetention,
		Log:          log,
		Bus:          bus,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return st, nil
}
