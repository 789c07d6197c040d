// Package status owns the in-memory task status table and its flush loop.
//
// The table is authoritative. Backends only ever see whole snapshots, so a
// failed flush leaves nothing half-written and the next flush retries with
// the current table.
package status

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cronward/internal/eventbus"
	"cronward/internal/storage"
	"cronward/internal/task"
	logx "cronward/pkg/logx"
)

const (
	defaultSaveInterval = 5 * time.Minute
	defaultPruneEvery   = time.Hour
	defaultIOTimeout    = 10 * time.Second
)

type Options struct {
	SaveInterval time.Duration
	// FlushBatch triggers a flush once this many runs were recorded since
	// the last successful one. <=0 means 1.
	FlushBatch int
	// Retention bounds run history; 0 keeps everything.
	Retention  time.Duration
	PruneEvery time.Duration

	Log logx.Logger
	Bus eventbus.Bus
	Now func() time.Time
}

type Store struct {
	backend storage.Store
	opts    Options
	log     logx.Logger
	warn    *logx.Throttle

	mu      sync.Mutex
	table   map[string]task.Status
	version uint64 // bumped on every change
	saved   uint64 // version of the last durable snapshot
	pending int    // runs recorded since the last successful flush

	flushMu sync.Mutex
	kick    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open loads the last snapshot from backend. A backend without a snapshot
// yields an empty table. The returned Store owns backend.
func Open(ctx context.Context, backend storage.Store, opts Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("status: nil backend")
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = defaultSaveInterval
	}
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = 1
	}
	if opts.PruneEvery <= 0 {
		opts.PruneEvery = defaultPruneEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log.With(logx.String("comp", "status"))

	table, err := backend.LoadStatus(ctx)
	if err != nil {
		return nil, &task.PersistenceError{Op: "load", Err: err}
	}
	if table == nil {
		table = map[string]task.Status{}
	}
	log.Debug("status table loaded", logx.Int("tasks", len(table)))

	return &Store{
		backend: backend,
		opts:    opts,
		log:     log,
		warn:    logx.NewThrottle(time.Minute),
		table:   table,
		kick:    make(chan struct{}, 1),
	}, nil
}

func (s *Store) Get(id string) (task.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.table[id]
	return st, ok
}

// All returns a copy of the table.
func (s *Store) All() map[string]task.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTable(s.table)
}

// List returns the table sorted by task id.
func (s *Store) List() []task.Status {
	all := s.All()
	out := make([]task.Status, 0, len(all))
	for _, st := range all {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Record folds the terminal execution of a run into the table and appends it
// to run history. next is the task's next trigger after the run.
func (s *Store) Record(ctx context.Context, e task.Execution, next time.Time) task.Status {
	e.StartedAt = normTime(e.StartedAt)
	e.FinishedAt = normTime(e.FinishedAt)
	next = normTime(next)

	s.mu.Lock()
	st := s.table[e.TaskID].Apply(e, next)
	s.table[e.TaskID] = st
	s.version++
	s.pending++
	batchFull := s.pending >= s.opts.FlushBatch
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultIOTimeout)
	defer cancel()
	if err := s.backend.AppendRun(hctx, task.RecordOf(e)); err != nil {
		perr := &task.PersistenceError{Op: "append run", Err: err}
		if s.warn.Allow("append") {
			s.log.Warn("run history append failed", logx.String("task", e.TaskID), logx.Err(perr))
		}
	}

	if batchFull {
		s.requestFlush()
	}
	return st
}

// SetNext updates the next trigger of a task that already has a status.
// Tasks that never ran have no entry and are left alone.
func (s *Store) SetNext(id string, next time.Time) {
	next = normTime(next)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.table[id]
	if !ok || st.NextScheduledAt.Equal(next) {
		return
	}
	st.NextScheduledAt = next
	s.table[id] = st
	s.version++
}

// Dirty reports whether the table has changes not yet flushed.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version != s.saved
}

func (s *Store) requestFlush() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush writes the whole table to the backend if it changed. On failure the
// table stays dirty and the error is a *task.PersistenceError.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.version == s.saved {
		s.mu.Unlock()
		return nil
	}
	snap := cloneTable(s.table)
	ver := s.version
	pending := s.pending
	s.mu.Unlock()

	start := s.opts.Now()
	if err := s.backend.SaveStatus(ctx, snap); err != nil {
		perr := &task.PersistenceError{Op: "flush", Err: err}
		s.publish(eventbus.StatusFlushFailed, eventbus.FlushEvent{Tasks: len(snap), Error: err.Error()})
		return perr
	}
	dur := s.opts.Now().Sub(start)

	s.mu.Lock()
	s.saved = ver
	s.pending -= pending
	if s.pending < 0 {
		s.pending = 0
	}
	s.mu.Unlock()

	s.log.Debug("status flushed", logx.Int("tasks", len(snap)), logx.Duration("took", dur))
	s.publish(eventbus.StatusFlushed, eventbus.FlushEvent{Tasks: len(snap), Duration: dur})
	return nil
}

func (s *Store) flushLogged(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, defaultIOTimeout)
	defer cancel()
	if err := s.Flush(fctx); err != nil && s.warn.Allow("flush") {
		s.log.Warn("status flush failed; table kept in memory", logx.Err(err))
	}
}

// History lists recorded runs, newest first.
func (s *Store) History(ctx context.Context, f storage.RunFilter) ([]task.RunRecord, error) {
	runs, err := s.backend.ListRuns(ctx, f)
	if err != nil {
		return nil, &task.PersistenceError{Op: "list runs", Err: err}
	}
	return runs, nil
}

// Prune drops run history older than the retention window. No-op when
// retention is disabled.
func (s *Store) Prune(ctx context.Context) (int, error) {
	if s.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	n, err := s.backend.PruneRuns(ctx, cutoff)
	if err != nil {
		return 0, &task.PersistenceError{Op: "prune runs", Err: err}
	}
	if n > 0 {
		s.log.Info("run history pruned", logx.Int("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}

func (s *Store) pruneLogged(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, defaultIOTimeout)
	defer cancel()
	if _, err := s.Prune(pctx); err != nil && s.warn.Allow("prune") {
		s.log.Warn("run history prune failed", logx.Err(err))
	}
}

// Run is the flush loop: timer flushes, batch flushes and history pruning.
// It returns when ctx is done; the final flush belongs to Close.
func (s *Store) Run(ctx context.Context) error {
	save := time.NewTicker(s.opts.SaveInterval)
	defer save.Stop()

	var pruneC <-chan time.Time
	if s.opts.Retention > 0 {
		s.pruneLogged(ctx)
		prune := time.NewTicker(s.opts.PruneEvery)
		defer prune.Stop()
		pruneC = prune.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-save.C:
			s.flushLogged(ctx)
		case <-s.kick:
			s.flushLogged(ctx)
		case <-pruneC:
			s.pruneLogged(ctx)
		}
	}
}

// Close performs the final flush and closes the backend. Safe to call more
// than once; only the first call does work.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.Flush(ctx); err != nil {
			s.log.Error("final status flush failed", logx.Err(err))
			errs = append(errs, err)
		}
		if err := s.backend.Close(); err != nil {
			errs = append(errs, &task.PersistenceError{Op: "close", Err: err})
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Store) publish(typ string, data eventbus.FlushEvent) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func cloneTable(in map[string]task.Status) map[string]task.Status {
	out := make(map[string]task.Status, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// normTime drops the monotonic reading and location so in-memory values
// compare equal to what a backend gives back.
func normTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.Round(0).UTC()
}
