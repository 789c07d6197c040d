package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronward/internal/eventbus"
	"cronward/internal/task"
	"cronward/internal/task/registry"
	logx "cronward/pkg/logx"
)

const (
	defaultTickInterval = 30 * time.Second
	skipWarnThrottle    = time.Minute
)

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	tick  time.Duration
	warn  *logx.Throttle
	store StatusStore

	runner Runner

	mu          sync.Mutex
	reg         *registry.Registry
	states      map[string]State // absent = idle
	lastChecked time.Time
	closed      bool

	// Runs get their own context so stopping the loop does not abort them;
	// Drain cancels it only when its deadline passes.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(reg *registry.Registry, store StatusStore, runner Runner, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:       opts.Log.With(logx.String("comp", "scheduler")),
		bus:       opts.Bus,
		now:       opts.Now,
		tick:      opts.TickInterval,
		warn:      logx.NewThrottle(skipWarnThrottle),
		store:     store,
		runner:    runner,
		reg:       reg,
		states:    map[string]State{},
		runCtx:    runCtx,
		runCancel: cancel,
	}
}

// Run drives Tick from a ticker until ctx is done. The first tick only sets
// the lastChecked baseline. In-flight runs are left alone; see Drain.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()

	s.Tick(ctx, s.now())
	s.log.Info("scheduler started", logx.Duration("tick", s.tick), logx.Int("tasks", s.Registry().Len()))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopped")
			return nil
		case <-t.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick runs one pass of the loop at instant now and returns the ids it
// dispatched, in dispatch order.
func (s *Service) Tick(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	last := s.lastChecked
	reg := s.reg
	closed := s.closed
	if now.After(last) {
		s.lastChecked = now
	}
	s.mu.Unlock()

	if closed || reg == nil {
		return nil
	}
	entries := reg.List()
	s.refreshNext(entries, now)

	if last.IsZero() {
		s.log.Debug("tick baseline set", logx.Time("at", now))
		return nil
	}
	if !now.After(last) {
		// Clock stepped back: wait until it passes lastChecked again.
		return nil
	}

	var due []registry.Entry
	for _, e := range entries {
		if e.Enabled && e.Schedule.IsDue(now, last) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return task.Less(&due[i].Task, &due[j].Task) })

	// Idle -> Due for the whole batch first, then dispatch in order.
	claimed := make([]registry.Entry, 0, len(due))
	for _, e := range due {
		if st, ok := s.claim(e.ID); !ok {
			s.skipped(e, st)
			continue
		}
		claimed = append(claimed, e)
	}

	ids := make([]string, 0, len(claimed))
	for _, e := range claimed {
		if s.dispatch(e, false) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// claim moves id from Idle to Due. On failure it returns the blocking state.
func (s *Service) claim(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, busy := s.states[id]; busy {
		return st, false
	}
	s.states[id] = StateDue
	return StateDue, true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
}

func (s *Service) skipped(e registry.Entry, st State) {
	if s.warn.Allow(e.ID) {
		s.log.Warn("task still in flight; trigger skipped", logx.String("task", e.ID), logx.String("state", string(st)))
	}
	s.publish(eventbus.TaskSkipped, eventbus.TaskEvent{TaskID: e.ID, Priority: e.Priority, Reason: string(st)})
}

// dispatch moves a claimed entry to Running and starts its runner. It
// reports false, releasing the claim, once Drain has begun.
func (s *Service) dispatch(e registry.Entry, manual bool) bool {
	s.mu.Lock()
	if s.closed {
		delete(s.states, e.ID)
		s.mu.Unlock()
		return false
	}
	s.states[e.ID] = StateRunning
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("task dispatched", logx.String("task", e.ID), logx.Int("priority", e.Priority), logx.Bool("manual", manual))
	s.publish(eventbus.TaskDispatched, eventbus.TaskEvent{TaskID: e.ID, Priority: e.Priority, Manual: manual})

	go func() {
		defer s.wg.Done()
		defer s.release(e.ID)

		exec := s.runner.Run(s.runCtx, e.Task, manual)
		if s.runCtx.Err() != nil && exec.Outcome != task.OutcomeSuccess {
			// Aborted by shutdown: not a completed attempt.
			s.log.Warn("run aborted by shutdown; status not recorded", logx.String("task", e.ID), logx.String("run", exec.RunID))
			return
		}
		if s.store == nil {
			return
		}
		// The task may have been disabled, changed or removed while it ran.
		var next time.Time
		if cur, ok := s.Registry().Get(e.ID); ok && cur.Enabled {
			next = cur.Schedule.Next(s.now())
		}
		s.store.Record(s.runCtx, exec, next)
	}()
	return true
}

// refreshNext keeps nextScheduledAt of tasks with a status in step with the
// registry. Disabled tasks have no next trigger.
func (s *Service) refreshNext(entries []registry.Entry, now time.Time) {
	if s.store == nil {
		return
	}
	for _, e := range entries {
		var next time.Time
		if e.Enabled {
			next = e.Schedule.Next(now)
		}
		s.store.SetNext(e.ID, next)
	}
}

func (s *Service) publish(typ string, ev eventbus.TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
