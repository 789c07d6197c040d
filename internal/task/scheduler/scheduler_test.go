package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/eventbus"
	"cronward/internal/status"
	"cronward/internal/storage"
	"cronward/internal/task"
	"cronward/internal/task/engine"
	"cronward/internal/task/registry"
	logx "cronward/pkg/logx"
)

type fakeStore struct {
	mu    sync.Mutex
	table map[string]task.Status
	execs []task.Execution
}

func newFakeStore() *fakeStore { return &fakeStore{table: map[string]task.Status{}} }

func (f *fakeStore) Get(id string) (task.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.table[id]
	return st, ok
}

func (f *fakeStore) Record(_ context.Context, e task.Execution, next time.Time) task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.table[e.TaskID].Apply(e, next)
	f.table[e.TaskID] = st
	f.execs = append(f.execs, e)
	return st
}

func (f *fakeStore) SetNext(id string, next time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.table[id]; ok {
		st.NextScheduledAt = next
		f.table[id] = st
	}
}

func (f *fakeStore) recorded() []task.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Execution(nil), f.execs...)
}

var midnight = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func ok(context.Context) (task.Result, error) { return task.Result{Success: true}, nil }

func mkTask(id, cron string, prio int, h task.HandlerFunc) task.Task {
	return task.Task{
		ID: id, Name: id, CronExpression: cron, Timezone: "UTC", Priority: prio,
		Enabled: true, HandlerRef: "builtin:" + id, Handler: h,
		Retry: task.RetrySpec{MaxRetries: 1},
	}
}

func newService(t *testing.T, store StatusStore, bus eventbus.Bus, tasks ...task.Task) *Service {
	t.Helper()
	reg, err := registry.New(tasks)
	require.NoError(t, err)
	runner := engine.NewRunner(engine.Options{
		Log: logx.Nop(), Bus: bus,
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	return New(reg, store, runner, Options{Log: logx.Nop(), Bus: bus, Now: func() time.Time { return midnight }})
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatDueOnlyOnTriggers(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := newService(t, newFakeStore(), nil, mkTask("heartbeat", "*/30 * * * *", 10, func(context.Context) (task.Result, error) {
		runs.Add(1)
		return task.Result{Success: true}, nil
	}))
	ctx := context.Background()

	assert.Empty(t, s.Tick(ctx, midnight.Add(-30*time.Second)), "first tick is the baseline")
	assert.Equal(t, []string{"heartbeat"}, s.Tick(ctx, midnight))
	waitIdle(t, s)
	assert.Empty(t, s.Tick(ctx, midnight.Add(15*time.Minute)))
	assert.Equal(t, []string{"heartbeat"}, s.Tick(ctx, midnight.Add(30*time.Minute)))
	waitIdle(t, s)
	assert.Equal(t, int32(2), runs.Load())
}

func TestCoarseTickCatchesTrigger(t *testing.T) {
	t.Parallel()

	s := newService(t, newFakeStore(), nil, mkTask("every-minute", "* * * * *", 10, ok))
	ctx := context.Background()
	s.Tick(ctx, midnight.Add(10*time.Second))
	// 90s tick spans one trigger (00:01:00).
	assert.Equal(t, []string{"every-minute"}, s.Tick(ctx, midnight.Add(100*time.Second)))
	waitIdle(t, s)
	// Re-ticking the same instant fires nothing.
	assert.Empty(t, s.Tick(ctx, midnight.Add(100*time.Second)))
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s := newService(t, newFakeStore(), bus,
		mkTask("a-report", "0 * * * *", 10, ok),
		mkTask("z-check", "0 * * * *", 5, ok),
		mkTask("b-report", "0 * * * *", 10, ok),
	)
	ctx := context.Background()
	s.Tick(ctx, midnight.Add(-time.Minute))
	assert.Equal(t, []string{"z-check", "a-report", "b-report"}, s.Tick(ctx, midnight))
	waitIdle(t, s)

	var order []string
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TaskDispatched {
			order = append(order, e.Data.(eventbus.TaskEvent).TaskID)
		}
	}
	assert.Equal(t, []string{"z-check", "a-report", "b-report"}, order)
}

func TestDisabledTasksAreNotEvaluated(t *testing.T) {
	t.Parallel()

	tk := mkTask("weekly-report", "* * * * *", 20, ok)
	tk.Enabled = false
	s := newService(t, newFakeStore(), nil, tk)
	ctx := context.Background()
	s.Tick(ctx, midnight)
	assert.Empty(t, s.Tick(ctx, midnight.Add(time.Hour)))

	require.NoError(t, s.SetEnabled("weekly-report", true))
	assert.Equal(t, []string{"weekly-report"}, s.Tick(ctx, midnight.Add(2*time.Hour)))
	waitIdle(t, s)
	assert.ErrorIs(t, s.SetEnabled("nope", true), task.ErrUnknownTask)
}

func TestFloodNeverOverlaps(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	release := make(chan struct{})
	var inflight, maxInflight, runs atomic.Int32
	s := newService(t, newFakeStore(), bus, mkTask("slow", "* * * * *", 10, func(ctx context.Context) (task.Result, error) {
		runs.Add(1)
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		defer inflight.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return task.Result{Success: true}, nil
	}))
	ctx := context.Background()
	s.Tick(ctx, midnight)

	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Tick(ctx, midnight.Add(time.Duration(i)*time.Minute))
		}(i)
	}
	wg.Wait()
	for i := 41; i <= 60; i++ {
		s.Tick(ctx, midnight.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, StateRunning, s.State("slow"))
	assert.ErrorIs(t, s.Trigger("slow"), task.ErrAlreadyRunning)

	close(release)
	waitIdle(t, s)
	assert.Equal(t, int32(1), maxInflight.Load())
	assert.Equal(t, int32(1), runs.Load())

	skipped := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TaskSkipped {
			skipped++
		}
	}
	assert.Positive(t, skipped)
}

func TestTriggerRunsManually(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tk := mkTask("daily-report", "0 4 * * *", 15, ok)
	tk.Enabled = false
	s := newService(t, store, nil, tk)

	assert.ErrorIs(t, s.Trigger("missing"), task.ErrUnknownTask)
	require.NoError(t, s.Trigger("daily-report"))
	waitIdle(t, s)

	execs := store.recorded()
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Manual)
	st, found := store.Get("daily-report")
	require.True(t, found)
	assert.Equal(t, task.OutcomeSuccess, st.LastOutcome)
	assert.True(t, st.NextScheduledAt.IsZero(), "disabled task has no next trigger")
}

func TestFailedRunCountsOnceEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	be, err := storage.Open(ctx, storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "task-status.json")}, logx.Nop())
	require.NoError(t, err)
	store, err := status.Open(ctx, be, status.Options{Log: logx.Nop()})
	require.NoError(t, err)
	defer store.Close(ctx)

	var calls atomic.Int32
	tk := mkTask("gateway-check", "*/30 * * * *", 5, func(context.Context) (task.Result, error) {
		calls.Add(1)
		return task.Result{Success: false, Message: "HTTP 502"}, nil
	})
	tk.Retry = task.RetrySpec{MaxRetries: 3, BaseDelay: time.Second, Backoff: task.BackoffExponential}
	s := newService(t, store, nil, tk)

	s.Tick(ctx, midnight.Add(-time.Second))
	require.Equal(t, []string{"gateway-check"}, s.Tick(ctx, midnight))
	waitIdle(t, s)

	assert.Equal(t, int32(3), calls.Load())
	st, found := store.Get("gateway-check")
	require.True(t, found)
	assert.Equal(t, task.OutcomeFailure, st.LastOutcome)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 3, st.LastAttempts)
	assert.Contains(t, st.LastError, "HTTP 502")
	assert.True(t, st.NextScheduledAt.Equal(midnight.Add(30*time.Minute)))

	runs, err := store.History(ctx, storage.RunFilter{TaskID: "gateway-check"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDrainCancelsHungRunsAtDeadline(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newService(t, store, nil, mkTask("hung", "* * * * *", 10, func(ctx context.Context) (task.Result, error) {
		<-ctx.Done()
		return task.Result{}, ctx.Err()
	}))
	require.NoError(t, s.Trigger("hung"))

	dctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Drain(dctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, s.Running())
	assert.Empty(t, store.recorded(), "aborted run is not recorded")

	assert.ErrorIs(t, s.Trigger("hung"), ErrStopped)
	assert.Empty(t, s.Tick(context.Background(), midnight.Add(time.Hour)))
}

func TestDrainWaitsForCompletion(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newService(t, store, nil, mkTask("quick", "* * * * *", 10, func(context.Context) (task.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return task.Result{Success: true}, nil
	}))
	require.NoError(t, s.Trigger("quick"))
	require.NoError(t, s.Drain(context.Background()))
	assert.Len(t, store.recorded(), 1)
}

func TestReplaceRegistryKeepsInFlightState(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	blocking := func(context.Context) (task.Result, error) {
		<-release
		return task.Result{Success: true}, nil
	}
	s := newService(t, newFakeStore(), nil, mkTask("sync", "* * * * *", 10, blocking))
	require.NoError(t, s.Trigger("sync"))

	next, err := registry.New([]task.Task{mkTask("sync", "* * * * *", 1, blocking), mkTask("extra", "0 0 1 1 *", 1, ok)})
	require.NoError(t, err)
	s.ReplaceRegistry(next)
	assert.Equal(t, 2, s.Registry().Len())
	assert.ErrorIs(t, s.Trigger("sync"), task.ErrAlreadyRunning)

	close(release)
	waitIdle(t, s)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	off := mkTask("weekly-report", "0 0 * * 1", 20, ok)
	off.Enabled = false
	s := newService(t, store, nil, mkTask("heartbeat", "*/30 * * * *", 10, ok), off)
	require.NoError(t, s.Trigger("heartbeat"))
	waitIdle(t, s)

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 2)
	hb := snap.Tasks[0]
	assert.Equal(t, "heartbeat", hb.ID)
	assert.Equal(t, StateIdle, hb.State)
	assert.True(t, hb.Next.Equal(midnight.Add(30*time.Minute)))
	require.NotNil(t, hb.Status)
	assert.Equal(t, task.OutcomeSuccess, hb.Status.LastOutcome)

	wr := snap.Tasks[1]
	assert.False(t, wr.Enabled)
	assert.True(t, wr.Next.IsZero())
	assert.Nil(t, wr.Status)

	nt := s.NextTriggers("heartbeat", 2)
	require.Len(t, nt, 2)
	assert.True(t, nt[0].Equal(midnight.Add(30*time.Minute)))
	assert.True(t, nt[1].Equal(midnight.Add(time.Hour)))
	assert.Nil(t, s.NextTriggers("missing", 2))
}

func TestDisabledWhileRunningRecordsNoNextTrigger(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	s := newService(t, store, nil, mkTask("gateway-check", "*/30 * * * *", 5, func(context.Context) (task.Result, error) {
		close(started)
		<-release
		return task.Result{Success: true}, nil
	}))

	require.NoError(t, s.Trigger("gateway-check"))
	<-started
	require.NoError(t, s.SetEnabled("gateway-check", false))
	close(release)
	waitIdle(t, s)

	st, found := store.Get("gateway-check")
	require.True(t, found)
	assert.Equal(t, task.OutcomeSuccess, st.LastOutcome)
	assert.True(t, st.NextScheduledAt.IsZero(), "task disabled mid-run has no next trigger")
}
