package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/local/parsemd/internal/core"
)

// Store is the in-memory task table. A single mutex guards every operation.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewStore() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

// Put inserts or replaces a task record.
func (s *Store) Put(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &t
}

// Get returns a detached snapshot of the task.
func (s *Store) Get(id string) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return View{}, false
	}
	return t.view(), true
}

// Update applies fn to the stored task while holding the lock.
func (s *Store) Update(id string, fn func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return fn(t)
}

// Transition moves a task to the next status, applying fn on success.
// Illegal transitions leave the task untouched.
func (s *Store) Transition(id string, to Status, fn func(*Task)) (View, error) {
	var out View
	err := s.Update(id, func(t *Task) error {
		if !t.Status.CanTransition(to) {
			return &TransitionError{ID: id, From: t.Status, To: to}
		}
		t.Status = to
		t.UpdatedAt = time.Now()
		if fn != nil {
			fn(t)
		}
		out = t.view()
		return nil
	})
	return out, err
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Counts returns the number of tasks per status.
func (s *Store) Counts() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int, 4)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// EvictOldestCompleted removes the oldest max(1, terminal*fraction) terminal tasks
// by UpdatedAt and returns how many were removed. Pending and processing tasks stay.
func (s *Store) EvictOldestCompleted(fraction float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(fraction)
}

// Shrink evicts only when the store holds more than capacity tasks. The bound is
// soft: when too few tasks are terminal the store stays above capacity.
func (s *Store) Shrink(capacity int, fraction float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) <= capacity {
		return 0
	}
	return s.evictLocked(fraction)
}

func (s *Store) evictLocked(fraction float64) int {
	done := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status.IsFinal() {
			done = append(done, t)
		}
	}
	if len(done) == 0 {
		return 0
	}

	sort.Slice(done, func(i, j int) bool {
		if done[i].UpdatedAt.Equal(done[j].UpdatedAt) {
			return done[i].ID < done[j].ID
		}
		return done[i].UpdatedAt.Before(done[j].UpdatedAt)
	})

	n := max(1, int(float64(len(done))*fraction))
	n = min(n, len(done))
	for _, t := range done[:n] {
		delete(s.tasks, t.ID)
	}
	return n
}
