// Package orchestrator owns the Task queue and the worker pool that fans
// each Task out across the VMs it requested, running one pipeline.Pipeline
// per VM concurrently and assembling the results back into a TaskSummary.
// The concurrency-capped worker model mirrors a bounded job queue: a fixed
// number of workers pull tasks off a buffered channel, so the worker count
// bounds how many tasks run at once, and the VM pool's exclusivity allows
// at most one detonation per VM at any moment.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxlab/sandboxd/internal/domain"
	"github.com/sandboxlab/sandboxd/internal/notifier"
	"github.com/sandboxlab/sandboxd/internal/resultstore"
)

// PhaseEvent is a best-effort notification of one VM's phase transition
// within a task, consumed by the HTTP gateway's WebSocket stream endpoint.
type PhaseEvent struct {
	TaskID uuid.UUID
	VMName string
	Phase  domain.VMPhase
	At     time.Time
}

// Runner executes one (Task, VMSpec) pipeline run. pipeline.Pipeline
// satisfies this directly through its Run method.
type Runner interface {
	Run(ctx context.Context, taskID uuid.UUID, sample domain.Sample, spec domain.VMSpec) *domain.VMResult
}

// Orchestrator pulls queued Tasks and fans each one out across its own
// RequestedVMs.
type Orchestrator struct {
	runner Runner
	store  *resultstore.Store
	logger *slog.Logger

	queue   chan *domain.Task
	workers int

	perVMMax time.Duration

	events chan PhaseEvent

	notifier *notifier.Dispatcher

	cancelMu sync.Mutex
	cancels  map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

// SetNotifier attaches an operator-facing webhook dispatcher. When set, a
// task summary showing any detection fires a notification after the task
// reaches its final status. Nil is a valid no-op value.
func (o *Orchestrator) SetNotifier(d *notifier.Dispatcher) {
	o.notifier = d
}

// New creates an Orchestrator. perVMMax is the hard ceiling every task's
// pipeline runs are clamped to, regardless of what the task itself
// requests. Call Start to begin processing and Stop to drain it at
// shutdown.
func New(runner Runner, store *resultstore.Store, workers, queueSize int, perVMMax time.Duration, logger *slog.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if perVMMax <= 0 {
		perVMMax = 1200 * time.Second
	}
	return &Orchestrator{
		runner:   runner,
		store:    store,
		logger:   logger,
		queue:    make(chan *domain.Task, queueSize),
		workers:  workers,
		perVMMax: perVMMax,
		events:   make(chan PhaseEvent, 256),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Cancel requests cancellation of a queued or running task. A task still
// in the queue (its worker hasn't dequeued it yet) is marked Cancelled
// directly so the worker skips it on pickup. A task already running has
// its pipeline context canceled, which jumps every in-flight pipeline
// straight to Cleanup; Cleanup itself always runs to completion regardless.
// Cancel returns an error if the task is already in a terminal status.
func (o *Orchestrator) Cancel(taskID uuid.UUID) error {
	o.cancelMu.Lock()
	cancel, running := o.cancels[taskID]
	o.cancelMu.Unlock()
	if running {
		cancel()
		return nil
	}
	if err := o.store.UpdateStatus(taskID, domain.TaskCancelled); err != nil {
		return fmt.Errorf("orchestrator: cannot cancel task %s: %w", taskID, err)
	}
	return nil
}

// Events returns the channel of best-effort phase-transition notifications.
// A slow or absent consumer never blocks analysis: Publish drops events
// rather than wait for room.
func (o *Orchestrator) Events() <-chan PhaseEvent {
	return o.events
}

// Submit enqueues task for processing. It returns an error immediately if
// the queue is full rather than blocking the HTTP request that submitted
// the sample.
func (o *Orchestrator) Submit(task *domain.Task) error {
	select {
	case o.queue <- task:
		return nil
	default:
		return fmt.Errorf("orchestrator: queue full (capacity %d)", cap(o.queue))
	}
}

// Start launches the worker pool. ctx cancellation stops workers from
// picking up new tasks and cancels any in-flight pipeline runs.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Stop waits for all in-flight tasks to finish after ctx has been
// canceled by the caller.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
	close(o.events)
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-o.queue:
			if !ok {
				return
			}
			o.process(ctx, task)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, task *domain.Task) {
	if current, ok := o.store.Get(task.ID); ok && current.Status == domain.TaskCancelled {
		o.logger.Info("skipping task cancelled before it was dequeued", slog.String("task", task.ID.String()))
		return
	}
	if err := o.store.UpdateStatus(task.ID, domain.TaskRunning); err != nil {
		o.logger.Error("transitioning task to running", slog.String("task", task.ID.String()), slog.Any("error", err))
		return
	}

	timeout := o.perVMMax
	if task.TimeoutSeconds > 0 {
		requested := time.Duration(task.TimeoutSeconds) * time.Second
		if requested < timeout {
			timeout = requested
		}
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	o.cancelMu.Lock()
	o.cancels[task.ID] = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		delete(o.cancels, task.ID)
		o.cancelMu.Unlock()
		cancel()
	}()

	var wg sync.WaitGroup
	results := make(chan *domain.VMResult, len(task.RequestedVMs))

	for _, spec := range task.RequestedVMs {
		wg.Add(1)
		go func(spec domain.VMSpec) {
			defer wg.Done()
			o.publish(PhaseEvent{TaskID: task.ID, VMName: spec.Name, Phase: domain.PhaseAcquired, At: time.Now().UTC()})
			result := o.runner.Run(taskCtx, task.ID, task.Sample, spec)
			o.publish(PhaseEvent{TaskID: task.ID, VMName: spec.Name, Phase: result.Phase, At: time.Now().UTC()})
			results <- result
		}(spec)
	}

	wg.Wait()
	close(results)

	summary := &domain.TaskSummary{AlertCounts: map[string]int{}}
	resultCount := 0
	alertTotal := 0
	for result := range results {
		if err := o.store.SetVMResult(task.ID, result); err != nil {
			o.logger.Error("storing vm result", slog.String("task", task.ID.String()), slog.Any("error", err))
		}
		resultCount++
		alertTotal += len(result.Alerts)
		if len(result.Alerts) > 0 || result.SampleDeletedByAgent {
			summary.Detected = true
			summary.AlertCounts[result.VMName] += len(result.Alerts)
			if result.DetonatedAt != nil && (summary.FirstDetectionAt == nil || result.DetonatedAt.Before(*summary.FirstDetectionAt)) {
				summary.FirstDetectionAt = result.DetonatedAt
			}
		}
		summary.EventCount += len(result.Events)
	}

	if err := o.store.SetSummary(task.ID, summary); err != nil {
		o.logger.Error("storing task summary", slog.String("task", task.ID.String()), slog.Any("error", err))
	}
	// Per-VM failures are recorded on their VMResults; the task itself is
	// Failed only when no pipeline produced a result at all.
	finalStatus := domain.TaskCompleted
	if resultCount == 0 {
		finalStatus = domain.TaskFailed
	}
	if taskCtx.Err() != nil {
		finalStatus = domain.TaskCancelled
	}
	if err := o.store.UpdateStatus(task.ID, finalStatus); err != nil {
		o.logger.Error("transitioning task to final status", slog.String("task", task.ID.String()), slog.Any("error", err))
	}
	// A task-level event after the terminal status lets stream subscribers
	// observe that status and close.
	o.publish(PhaseEvent{TaskID: task.ID, At: time.Now().UTC()})

	if o.notifier != nil && summary.Detected {
		o.notifier.Notify(ctx, notifier.Event{
			Kind:      "detection",
			TaskID:    task.ID.String(),
			Message:   fmt.Sprintf("sample %s triggered %d alert(s) across %d event(s)", task.Sample.Filename, alertTotal, summary.EventCount),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (o *Orchestrator) publish(ev PhaseEvent) {
	select {
	case o.events <- ev:
	default:
		o.logger.Debug("dropping phase event, subscriber channel full", slog.String("vm", ev.VMName))
	}
}
