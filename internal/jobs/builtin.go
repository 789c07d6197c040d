package jobs

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"cronward/internal/task"
)

// heartbeat reports process liveness: uptime, goroutines and heap in use.
func heartbeat(started time.Time) task.Handler {
	return task.HandlerFunc(func(ctx context.Context) (task.Result, error) {
		if err := ctx.Err(); err != nil {
			return task.Result{}, err
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		msg := fmt.Sprintf("alive: uptime=%s goroutines=%d heap=%dKiB",
			time.Since(started).Truncate(time.Second), runtime.NumGoroutine(), ms.HeapAlloc/1024)
		return task.Result{Success: true, Message: msg}, nil
	})
}

func noop(ctx context.Context) (task.Result, error) {
	return task.Result{Success: true, Message: "ok"}, ctx.Err()
}
