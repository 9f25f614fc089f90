// Package resultstore is an in-memory, process-lifetime registry of
// analysis Tasks, keyed by task ID. It is the system of record the HTTP
// gateway reads from; the VM Health Ledger (package healthledger) is the
// separate, durable store for per-VM health, not task results.
package resultstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

// legalTransitions enumerates the only status changes UpdateStatus accepts,
// keeping Task.Status monotone: queued -> {running, failed, cancelled},
// running -> {completed, failed, cancelled}.
var legalTransitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskQueued:  {domain.TaskRunning, domain.TaskFailed, domain.TaskCancelled},
	domain.TaskRunning: {domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled},
}

// Store holds every Task submitted this process's lifetime.
type Store struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
}

// New creates an empty Store.
func New() *Store {
	return &Store{tasks: make(map[uuid.UUID]*domain.Task)}
}

// Put inserts a newly-created Task. It is an error to Put a task ID that
// already exists.
func (s *Store) Put(task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("resultstore: task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

// Get returns the Task for id, or false if it is not known.
func (s *Store) Get(id uuid.UUID) (*domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns every Task, optionally filtered to a single status. Pass
// an empty string for status to return everything.
func (s *Store) List(status domain.TaskStatus) []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// UpdateStatus transitions a task to newStatus, rejecting any transition
// not listed in legalTransitions so a stray late event can never revive a
// completed or failed task.
func (s *Store) UpdateStatus(id uuid.UUID, newStatus domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("resultstore: task %s not found", id)
	}
	if !isLegalTransition(t.Status, newStatus) {
		return fmt.Errorf("resultstore: illegal transition %s -> %s for task %s", t.Status, newStatus, id)
	}
	t.Status = newStatus
	if newStatus == domain.TaskCompleted || newStatus == domain.TaskFailed || newStatus == domain.TaskCancelled {
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
	return nil
}

func isLegalTransition(from, to domain.TaskStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SetVMResult records (or overwrites) the per-VM outcome for a task.
func (s *Store) SetVMResult(id uuid.UUID, result *domain.VMResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("resultstore: task %s not found", id)
	}
	if t.VMResults == nil {
		t.VMResults = make(map[string]*domain.VMResult)
	}
	t.VMResults[result.VMName] = result
	return nil
}

// Delete removes a task from the store, returning true if it existed.
// Used by the retention job to prune finished tasks.
func (s *Store) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// SetSummary records the aggregated TaskSummary once every VM has finished.
func (s *Store) SetSummary(id uuid.UUID, summary *domain.TaskSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("resultstore: task %s not found", id)
	}
	t.Summary = summary
	return nil
}
