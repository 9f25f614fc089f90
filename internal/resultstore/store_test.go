package resultstore

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

func newTask() *domain.Task {
	return &domain.Task{
		ID:        domain.NewID(),
		Status:    domain.TaskQueued,
		VMResults: map[string]*domain.VMResult{},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	task := newTask()
	if err := s.Put(task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Get(task.ID)
	if !ok || got.ID != task.ID {
		t.Fatalf("Get returned %v, %v", got, ok)
	}
}

func TestPutDuplicateRejected(t *testing.T) {
	s := New()
	task := newTask()
	if err := s.Put(task); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(task); err == nil {
		t.Fatal("expected error on duplicate Put")
	}
}

func TestUpdateStatusMonotone(t *testing.T) {
	s := New()
	task := newTask()
	if err := s.Put(task); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.UpdateStatus(task.ID, domain.TaskRunning); err != nil {
		t.Fatalf("queued->running: %v", err)
	}
	if err := s.UpdateStatus(task.ID, domain.TaskCompleted); err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	if err := s.UpdateStatus(task.ID, domain.TaskRunning); err == nil {
		t.Fatal("expected completed->running to be rejected")
	}
}

func TestUpdateStatusUnknownTask(t *testing.T) {
	s := New()
	if err := s.UpdateStatus(uuid.New(), domain.TaskRunning); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := New()
	a, b := newTask(), newTask()
	if err := s.Put(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(b); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(a.ID, domain.TaskRunning); err != nil {
		t.Fatal(err)
	}

	running := s.List(domain.TaskRunning)
	if len(running) != 1 || running[0].ID != a.ID {
		t.Errorf("List(running) = %v", running)
	}

	all := s.List("")
	if len(all) != 2 {
		t.Errorf("List(\"\") = %d tasks, want 2", len(all))
	}
}

func TestSetVMResultAndSummary(t *testing.T) {
	s := New()
	task := newTask()
	if err := s.Put(task); err != nil {
		t.Fatal(err)
	}

	res := &domain.VMResult{VMName: "win10-defender", Status: domain.VMResultSucceeded}
	if err := s.SetVMResult(task.ID, res); err != nil {
		t.Fatalf("SetVMResult: %v", err)
	}

	summary := &domain.TaskSummary{Detected: true, EventCount: 3}
	if err := s.SetSummary(task.ID, summary); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}

	got, _ := s.Get(task.ID)
	if got.VMResults["win10-defender"].Status != domain.VMResultSucceeded {
		t.Error("VM result not stored")
	}
	if !got.Summary.Detected {
		t.Error("summary not stored")
	}
}
