// ABOUTME: Deferred per-conversation tasks for the inter-turn delay
// ABOUTME: Each task carries the turn number it was scheduled after so stale fires are harmless

package conversation

import (
	"sync"
	"time"
)

// Scheduler runs at most one deferred task per conversation.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	closed  bool
	running sync.WaitGroup
}

type task struct {
	timer *time.Timer
	token int
}

// NewScheduler creates an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]*task)}
}

// Schedule runs fn(token) after delay, replacing any task pending for id.
// A task scheduled after a later turn is never replaced by an older one.
// It is a no-op once the scheduler is closed.
func (s *Scheduler) Schedule(id string, token int, delay time.Duration, fn func(token int)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if prev, ok := s.tasks[id]; ok {
		if prev.token > token {
			return
		}
		prev.timer.Stop()
	}

	t := &task{token: token}
	t.timer = time.AfterFunc(delay, func() { s.fire(id, t, fn) })
	s.tasks[id] = t
}

func (s *Scheduler) fire(id string, t *task, fn func(int)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.tasks[id] == t {
		delete(s.tasks, id)
	}
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	fn(t.token)
}

// Cancel stops the task pending for id. Reports whether one was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Pending returns the token of the task pending for id.
func (s *Scheduler) Pending(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, false
	}
	return t.token, true
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops every pending task and waits for tasks already running.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.running.Wait()
}
