// Package schedule runs delayed and background work on behalf of a component.
// Every task belongs to a Scheduler, and Close stops pending timers and waits
// for running tasks.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	mu     sync.Mutex
	clock  Clock
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	next   uint64
	timers map[uint64]pending
	wg     sync.WaitGroup
	closed bool
}

type pending struct {
	name  string
	timer Timer
}

// Task is a handle to one delayed function.
type Task struct {
	id uint64
	s  *Scheduler
}

func New(clock Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = System()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[uint64]pending),
	}
}

func (s *Scheduler) Clock() Clock {
	return s.clock
}

// After runs fn once d has elapsed unless the task is cancelled first.
func (s *Scheduler) After(d time.Duration, name string, fn func(ctx context.Context)) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("scheduler closed, task dropped", zap.String("task", name))
		return &Task{}
	}
	s.next++
	id := s.next
	timer := s.clock.AfterFunc(d, func() { s.fire(id, name, fn) })
	s.timers[id] = pending{name: name, timer: timer}
	return &Task{id: id, s: s}
}

// Go runs fn in the background as a tracked task.
func (s *Scheduler) Go(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("scheduler closed, task dropped", zap.String("task", name))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.run(name, fn)
	}()
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every armed timer and waits for running tasks. Timers that had
// not fired are dropped and logged.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped []string
	for id, p := range s.timers {
		p.timer.Stop()
		dropped = append(dropped, p.name)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.logger.Warn("pending tasks dropped at shutdown", zap.Int("count", len(dropped)), zap.Strings("tasks", dropped))
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(id uint64, name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if _, ok := s.timers[id]; !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.run(name, fn)
}

func (s *Scheduler) run(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	fn(s.ctx)
}

// Cancel stops the task if it has not started. It reports whether the task was
// still pending.
func (t *Task) Cancel() bool {
	if t == nil || t.s == nil {
		return false
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.timers[t.id]
	if !ok {
		return false
	}
	delete(s.timers, t.id)
	p.timer.Stop()
	return true
}
