// Package scheduler is a registry of named one-shot timers. Scheduling a
// name that is already armed replaces the previous timer, so at most one
// timer exists per name. Periodic jobs reschedule themselves by name.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	name  string
	due   time.Time
	fn    func()
	timer *time.Timer
}

// Scheduler runs due callbacks one at a time on the goroutine calling Run.
// Callbacks doing long work must start their own goroutine.
type Scheduler struct {
	log zerolog.Logger

	mu     sync.Mutex
	timers map[string]*entry

	fired    chan *entry
	stop     chan struct{}
	stopOnce sync.Once
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:    logger.With().Str("component", "scheduler").Logger(),
		timers: make(map[string]*entry),
		fired:  make(chan *entry),
		stop:   make(chan struct{}),
	}
}

// Schedule arms fn to run once after delay under name, cancelling any timer
// previously registered under the same name.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	e := &entry{name: name, due: time.Now().Add(delay), fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[name]; ok {
		old.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, func() {
		select {
		case s.fired <- e:
		case <-s.stop:
		}
	})
	s.timers[name] = e

	s.log.Debug().Str("name", name).Dur("delay", delay).Msg("timer scheduled")
}

// Cancel removes the timer registered under name. It reports whether one existed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, name)
	return true
}

// Pending returns when the timer registered under name is due.
func (s *Scheduler) Pending(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[name]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run executes callbacks as their timers fire until ctx is done. All
// remaining timers are cancelled when it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case e := <-s.fired:
			s.fire(e)
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	current, ok := s.timers[e.name]
	if !ok || current != e {
		// replaced or cancelled after the clock timer expired
		s.mu.Unlock()
		return
	}
	delete(s.timers, e.name)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("name", e.name).Msg("scheduled callback panicked")
		}
	}()
	e.fn()
}

func (s *Scheduler) stopAll() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, name)
	}
}
