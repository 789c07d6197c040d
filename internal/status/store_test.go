package status

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/eventbus"
	"cronward/internal/storage"
	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

// memBackend is an in-memory storage.Store with failure injection.
type memBackend struct {
	mu       sync.Mutex
	snapshot map[string]task.Status
	runs     []task.RunRecord
	saves    int
	failSave bool
	closed   bool
}

func (m *memBackend) LoadStatus(context.Context) (map[string]task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneTable(m.snapshot), nil
}

func (m *memBackend) SaveStatus(_ context.Context, t map[string]task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk full")
	}
	m.snapshot = cloneTable(t)
	m.saves++
	return nil
}

func (m *memBackend) AppendRun(_ context.Context, r task.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memBackend) ListRuns(context.Context, storage.RunFilter) ([]task.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.RunRecord(nil), m.runs...), nil
}

func (m *memBackend) PruneRuns(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.runs[:0]
	n := 0
	for _, r := range m.runs {
		if r.FinishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.runs = kept
	return n, nil
}

func (m *memBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memBackend) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

var base = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func exec(id string, n int, outcome task.Outcome) task.Execution {
	start := base.Add(time.Duration(n) * time.Minute)
	e := task.Execution{
		RunID: fmt.Sprintf("%s-%d", id, n), TaskID: id, Attempt: 1,
		StartedAt: start, FinishedAt: start.Add(2 * time.Second), Outcome: outcome,
	}
	if outcome != task.OutcomeSuccess {
		e.Error = "boom"
		e.Attempt = 3
	}
	return e
}

func TestOpenEmptyBackend(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), &memBackend{}, Options{Log: logx.Nop()})
	require.NoError(t, err)
	assert.Empty(t, s.All())
	_, ok := s.Get("heartbeat")
	assert.False(t, ok)
	assert.False(t, s.Dirty())
}

func TestRecordFoldsRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	be := &memBackend{}
	s, err := Open(ctx, be, Options{Log: logx.Nop(), FlushBatch: 100})
	require.NoError(t, err)

	next := base.Add(time.Hour)
	s.Record(ctx, exec("gateway-check", 1, task.OutcomeFailure), next)
	st := s.Record(ctx, exec("gateway-check", 2, task.OutcomeTimeout), next)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, task.OutcomeTimeout, st.LastOutcome)
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, 3, st.LastAttempts)

	st = s.Record(ctx, exec("gateway-check", 3, task.OutcomeSuccess), next)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.True(t, st.NextScheduledAt.Equal(next))

	got, ok := s.Get("gateway-check")
	require.True(t, ok)
	assert.Equal(t, st, got)
	assert.True(t, s.Dirty())
	assert.Len(t, be.runs, 3)
}

func TestFlushFailureKeepsTableDirty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	be := &memBackend{failSave: true}
	s, err := Open(ctx, be, Options{Log: logx.Nop(), Bus: bus, FlushBatch: 100})
	require.NoError(t, err)
	s.Record(ctx, exec("heartbeat", 1, task.OutcomeSuccess), base.Add(time.Hour))

	err = s.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrPersistence)
	assert.True(t, s.Dirty())
	e := <-events
	assert.Equal(t, eventbus.StatusFlushFailed, e.Type)

	be.mu.Lock()
	be.failSave = false
	be.mu.Unlock()
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.Dirty())
	assert.Equal(t, s.All(), be.snapshot)
	e = <-events
	assert.Equal(t, eventbus.StatusFlushed, e.Type)
	assert.Equal(t, 1, e.Data.(eventbus.FlushEvent).Tasks)

	// Clean table: no write.
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, be.saveCount())
}

func TestFlushThenRestartYieldsIdenticalTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "task-status.json")
	open := func() *Store {
		be, err := storage.Open(ctx, storage.Config{Driver: "file", Path: path}, logx.Nop())
		require.NoError(t, err)
		s, err := Open(ctx, be, Options{Log: logx.Nop(), FlushBatch: 1000})
		require.NoError(t, err)
		return s
	}

	rng := rand.New(rand.NewSource(7))
	ids := []string{"heartbeat", "gateway-check", "daily-report"}
	outcomes := []task.Outcome{task.OutcomeSuccess, task.OutcomeFailure, task.OutcomeTimeout}

	s := open()
	for i := 0; i < 50; i++ {
		e := exec(ids[rng.Intn(len(ids))], i, outcomes[rng.Intn(len(outcomes))])
		// Local times with monotonic readings must survive the round trip.
		e.StartedAt = time.Now().In(time.FixedZone("X", 8*3600))
		e.FinishedAt = e.StartedAt.Add(time.Duration(rng.Intn(5000)) * time.Millisecond)
		s.Record(ctx, e, e.FinishedAt.Add(30*time.Minute))
	}
	require.NoError(t, s.Flush(ctx))
	before := s.All()
	require.NoError(t, s.Close(ctx))

	s2 := open()
	defer s2.Close(ctx)
	assert.Equal(t, before, s2.All())
}

func TestRunFlushesOnBatch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be := &memBackend{}
	s, err := Open(ctx, be, Options{Log: logx.Nop(), SaveInterval: time.Hour, FlushBatch: 2})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.Record(ctx, exec("heartbeat", 1, task.OutcomeSuccess), base)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, be.saveCount())

	s.Record(ctx, exec("heartbeat", 2, task.OutcomeSuccess), base)
	require.Eventually(t, func() bool { return be.saveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunFlushesOnTimer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be := &memBackend{}
	s, err := Open(ctx, be, Options{Log: logx.Nop(), SaveInterval: 20 * time.Millisecond, FlushBatch: 100})
	require.NoError(t, err)
	go func() { _ = s.Run(ctx) }()

	s.Record(ctx, exec("heartbeat", 1, task.OutcomeSuccess), base)
	require.Eventually(t, func() bool { return !s.Dirty() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, be.saveCount())
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	be := &memBackend{}
	now := base.Add(10 * 24 * time.Hour)
	s, err := Open(ctx, be, Options{Log: logx.Nop(), Retention: 7 * 24 * time.Hour, Now: func() time.Time { return now }})
	require.NoError(t, err)

	s.Record(ctx, exec("heartbeat", 1, task.OutcomeSuccess), base)
	late := exec("heartbeat", 2, task.OutcomeSuccess)
	late.StartedAt = now.Add(-time.Hour)
	late.FinishedAt = now.Add(-time.Hour)
	s.Record(ctx, late, now)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	runs, err := s.History(ctx, storage.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "heartbeat-2", runs[0].RunID)

	off, err := Open(ctx, &memBackend{}, Options{Log: logx.Nop()})
	require.NoError(t, err)
	n, err = off.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseFlushesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	be := &memBackend{}
	s, err := Open(ctx, be, Options{Log: logx.Nop(), FlushBatch: 100})
	require.NoError(t, err)
	s.Record(ctx, exec("heartbeat", 1, task.OutcomeSuccess), base)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, be.saveCount())
	assert.True(t, be.closed)
	assert.Contains(t, be.snapshot, "heartbeat")
}

func TestConcurrentRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(ctx, &memBackend{}, Options{Log: logx.Nop(), FlushBatch: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", w)
			for i := 0; i < 25; i++ {
				s.Record(ctx, exec(id, i, task.OutcomeFailure), base)
			}
		}(w)
	}
	wg.Wait()

	all := s.All()
	require.Len(t, all, 8)
	for _, st := range all {
		assert.Equal(t, 25, st.ConsecutiveFailures)
	}
}
