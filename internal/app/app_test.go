package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/jobs"
	"cronward/internal/storage"
	"cronward/internal/task"
	logx "cronward/pkg/logx"
	"cronward/pkg/systemd"
)

const appConfig = `
logging: { level: error, console: true }
scheduler:
  timezone: UTC
  tick_interval: 1s
  max_retries: 1
status:
  driver: file
  path: %STATUS%
tasks:
  - id: nightly
    name: Nightly noop
    cron_expression: "0 3 * * *"
    handler: builtin:noop
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "cronward.yaml")
	body = strings.ReplaceAll(body, "%STATUS%", filepath.Join(dir, "status.json"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

type notified struct {
	mu     sync.Mutex
	states []string
}

func (n *notified) send(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *notified) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func TestNewRejectsInvalidTasks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging: { level: error }
status: { path: %STATUS% }
tasks:
  - id: broken
    cron_expression: "61 * * * *"
    handler: builtin:noop
  - id: orphan
    cron_expression: "* * * * *"
    handler: builtin:does-not-exist
`)
	_, err := New(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrConfig)
	assert.Contains(t, err.Error(), "tasks[0].cron_expression")
	assert.Contains(t, err.Error(), "tasks[1].handler")

	_, statErr := os.Stat(filepath.Join(dir, "status.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "nothing is opened for an invalid config")
}

func TestRunFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, appConfig)

	n := &notified{}
	a, err := New(context.Background(), path, withNotifier(systemd.NotifierFunc(n.send)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(n.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Scheduler().Trigger("nightly"))
	require.Eventually(t, func() bool {
		st, ok := a.Status().Get("nightly")
		return ok && st.LastOutcome == task.OutcomeSuccess
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, []string{"READY=1", "STATUS=1 tasks", "STOPPING=1"}, n.snapshot())

	backend, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(dir, "status.json")}, logx.Nop())
	require.NoError(t, err)
	defer backend.Close()

	table, err := backend.LoadStatus(context.Background())
	require.NoError(t, err)
	require.Contains(t, table, "nightly")
	assert.Equal(t, task.OutcomeSuccess, table["nightly"].LastOutcome)
	assert.Equal(t, 0, table["nightly"].ConsecutiveFailures)

	runs, err := backend.ListRuns(context.Background(), storage.RunFilter{TaskID: "nightly"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Manual)
}

func TestDrainTimeoutCancelsHungRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, `
logging: { level: error }
scheduler: { timezone: UTC, max_retries: 1 }
status: { path: %STATUS% }
tasks:
  - id: stuck
    cron_expression: "0 3 * * *"
    handler: builtin:block
`)
	started := make(chan struct{})
	cat := jobs.NewCatalog(logx.Nop())
	require.NoError(t, cat.Register("block", task.HandlerFunc(func(ctx context.Context) (task.Result, error) {
		close(started)
		<-ctx.Done()
		return task.Result{}, ctx.Err()
	})))

	a, err := New(context.Background(), path, WithCatalog(cat), WithDrainTimeout(50*time.Millisecond),
		withNotifier(systemd.NotifierFunc(func(string) (bool, error) { return false, nil })))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Scheduler().Trigger("stuck") == nil }, 2*time.Second, 10*time.Millisecond)
	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	// aborted by shutdown: not recorded as a failure
	_, ok := a.Status().Get("stuck")
	assert.False(t, ok)
}

func TestReloadReplacesRegistry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, appConfig)
	a, err := New(context.Background(), path,
		withNotifier(systemd.NotifierFunc(func(string) (bool, error) { return false, nil })))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to attach
	time.Sleep(200 * time.Millisecond)

	writeConfig(t, dir, appConfig+`
  - id: hourly
    cron_expression: "0 * * * *"
    handler: noop
    priority: 1
`)
	require.Eventually(t, func() bool {
		_, ok := a.Scheduler().Registry().Get("hourly")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	// an invalid edit keeps the previous registry
	writeConfig(t, dir, appConfig+`
  - id: hourly
    cron_expression: "not a cron"
    handler: noop
`)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 2, a.Scheduler().Registry().Len())
}

func TestStopReason(t *testing.T) {
	t.Parallel()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, StopSignal, stopReason(cancelled, nil))
	assert.Equal(t, StopFatalError, stopReason(context.Background(), errors.New("boom")))
	assert.Equal(t, StopUnknown, stopReason(context.Background(), nil))
}
