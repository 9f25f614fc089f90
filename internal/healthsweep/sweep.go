// Package healthsweep runs two independent background loops: a periodic
// reconciliation pass that catches VMs left running outside any lease
// (the pipeline crashed, the process restarted mid-run, an operator
// started a VM by hand) and a cron-scheduled retention job that prunes
// finished tasks out of the result store. The reconciliation pass follows
// the ticker + bounded-concurrency fan-out shape: a ticker drives each
// round, and a semaphore caps how many VMs are checked concurrently so a
// slow or hung CLI call can't stall the whole sweep. The retention job is
// driven by a cron schedule instead.
package healthsweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sandboxlab/sandboxd/internal/domain"
	"github.com/sandboxlab/sandboxd/internal/notifier"
	"github.com/sandboxlab/sandboxd/internal/resultstore"
	"github.com/sandboxlab/sandboxd/internal/vmcontrol"
)

// maxConcurrentChecks bounds how many VMs a single sweep round inspects
// at once.
const maxConcurrentChecks = 4

// Ledger is the subset of healthledger.Ledger the sweep needs.
type Ledger interface {
	NeedsAttention(vmName string) bool
	MarkNeedsAttention(vmName, reason string)
}

// Checker periodically verifies that every configured VM not currently
// leased is powered off, flagging any found running or paused.
type Checker struct {
	controller vmcontrol.Controller
	ledger     Ledger
	specs      []domain.VMSpec
	interval   time.Duration
	logger     *slog.Logger

	leased func(vmName string) bool

	notifier *notifier.Dispatcher
}

// SetNotifier attaches an operator-facing webhook dispatcher, fired whenever
// the sweep flags a VM needs-attention. Nil is a valid no-op value.
func (c *Checker) SetNotifier(d *notifier.Dispatcher) {
	c.notifier = d
}

// NewChecker creates a Checker. leased reports whether a VM is currently
// held by an in-flight pipeline run (the vmpool.Pool tells it so) — a
// leased VM running is expected, not a problem.
func NewChecker(controller vmcontrol.Controller, ledger Ledger, specs []domain.VMSpec, interval time.Duration, leased func(vmName string) bool, logger *slog.Logger) *Checker {
	return &Checker{
		controller: controller,
		ledger:     ledger,
		specs:      specs,
		interval:   interval,
		leased:     leased,
		logger:     logger,
	}
}

// Run blocks, ticking every interval until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Checker) tick(ctx context.Context) {
	sem := make(chan struct{}, maxConcurrentChecks)
	var wg sync.WaitGroup

	for _, spec := range c.specs {
		if c.leased(spec.Name) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(spec domain.VMSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			c.checkOne(ctx, spec)
		}(spec)
	}

	wg.Wait()
}

func (c *Checker) checkOne(ctx context.Context, spec domain.VMSpec) {
	status, err := c.controller.Status(ctx, spec.Name)
	if err != nil {
		c.logger.Warn("health sweep: status check failed", slog.String("vm", spec.Name), slog.Any("error", err))
		return
	}
	if status.State == vmcontrol.StateRunning || status.State == vmcontrol.StatePaused {
		if !c.ledger.NeedsAttention(spec.Name) {
			c.logger.Warn("health sweep: vm running outside any lease", slog.String("vm", spec.Name))
			reason := "found running outside any active lease during periodic sweep"
			c.ledger.MarkNeedsAttention(spec.Name, reason)
			if c.notifier != nil {
				c.notifier.Notify(ctx, notifier.Event{
					Kind:      "vm_needs_attention",
					VMName:    spec.Name,
					Message:   reason,
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}
}

// RetentionJob prunes tasks finished longer than retention ago out of the
// result store, on a cron schedule.
type RetentionJob struct {
	store     *resultstore.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewRetentionJob creates a RetentionJob.
func NewRetentionJob(store *resultstore.Store, retention time.Duration, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{store: store, retention: retention, logger: logger}
}

// Schedule registers the job on c using the given 5-field cron expression
// and returns the cron.EntryID so the caller can later inspect c.Entry.
func (j *RetentionJob) Schedule(c *cron.Cron, expr string) (cron.EntryID, error) {
	return c.AddFunc(expr, j.run)
}

func (j *RetentionJob) run() {
	cutoff := time.Now().UTC().Add(-j.retention)
	pruned := 0
	for _, task := range j.store.List("") {
		if task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			if j.store.Delete(task.ID) {
				pruned++
			}
		}
	}
	if pruned > 0 {
		j.logger.Info("retention job pruned finished tasks", slog.Int("count", pruned))
	}
}
