package scheduler

import (
	"context"
	"fmt"

	"cronward/internal/task"
	"cronward/internal/task/registry"
	logx "cronward/pkg/logx"
)

// Trigger starts a manual run of id now, regardless of its schedule or
// enabled flag. The no-overlap rule still applies.
func (s *Service) Trigger(id string) error {
	s.mu.Lock()
	reg := s.reg
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStopped
	}

	e, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrUnknownTask, id)
	}
	if st, ok := s.claim(id); !ok {
		return fmt.Errorf("%w: %q is %s", task.ErrAlreadyRunning, id, st)
	}
	if !s.dispatch(e, true) {
		return ErrStopped
	}
	s.log.Info("manual run started", logx.String("task", id))
	return nil
}

// SetEnabled toggles a task until the next reload. A running execution is
// not interrupted.
func (s *Service) SetEnabled(id string, enabled bool) error {
	if err := s.Registry().SetEnabled(id, enabled); err != nil {
		return err
	}
	s.log.Info("task toggled", logx.String("task", id), logx.Bool("enabled", enabled))
	return nil
}

// ReplaceRegistry swaps in a registry built from a reloaded config. Runs in
// flight keep their state, so a task id that survives the reload still cannot
// overlap itself.
func (s *Service) ReplaceRegistry(reg *registry.Registry) {
	if reg == nil {
		return
	}
	s.mu.Lock()
	old := s.reg
	s.reg = reg
	s.mu.Unlock()

	oldLen := 0
	if old != nil {
		oldLen = old.Len()
	}
	s.log.Info("task registry replaced", logx.Int("old", oldLen), logx.Int("new", reg.Len()))
}

func (s *Service) Registry() *registry.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg
}

// State reports the dispatch state of id.
func (s *Service) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st
	}
	return StateIdle
}

// Running counts tasks currently Due or Running.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Drain refuses new dispatches and waits for in-flight runs. When ctx ends
// first, the runs are cancelled (they return promptly) and ctx.Err() is
// returned.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.states)
	s.mu.Unlock()
	if n > 0 {
		s.log.Info("waiting for in-flight runs", logx.Int("running", n))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.runCancel()
		return nil
	case <-ctx.Done():
		s.log.Warn("drain deadline reached; cancelling in-flight runs", logx.Int("running", s.Running()))
		s.runCancel()
		<-done
		return ctx.Err()
	}
}
