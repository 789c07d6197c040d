package scheduler

import "time"

// Snapshot lists every task with its dispatch state, next trigger and last
// recorded status, in dispatch order.
func (s *Service) Snapshot() Snapshot {
	now := s.now()

	s.mu.Lock()
	reg := s.reg
	last := s.lastChecked
	states := make(map[string]State, len(s.states))
	for id, st := range s.states {
		states[id] = st
	}
	s.mu.Unlock()

	out := Snapshot{At: now, TickInterval: s.tick, LastChecked: last, Running: len(states)}
	if reg == nil {
		return out
	}
	for _, e := range reg.List() {
		info := TaskInfo{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Cron:        e.CronExpression,
			Timezone:    e.Schedule.Location().String(),
			Priority:    e.Priority,
			Enabled:     e.Enabled,
			Handler:     e.HandlerRef,
			Timeout:     e.Timeout,
			State:       StateIdle,
		}
		if st, ok := states[e.ID]; ok {
			info.State = st
		}
		if e.Enabled {
			info.Next = e.Schedule.Next(now).In(e.Schedule.Location())
		}
		if s.store != nil {
			if st, ok := s.store.Get(e.ID); ok {
				info.Status = &st
			}
		}
		out.Tasks = append(out.Tasks, info)
	}
	return out
}

// NextTriggers lists up to n upcoming triggers of id after now.
func (s *Service) NextTriggers(id string, n int) []time.Time {
	e, ok := s.Registry().Get(id)
	if !ok || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := s.now()
	for i := 0; i < n; i++ {
		t = e.Schedule.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.In(e.Schedule.Location()))
	}
	return out
}
