// Package pipeline drives one sample through one VM end to end: acquire,
// restore, boot, wait for the guest, upload, detonate, dwell, collect,
// clean up, release. It is the per-(sample, VM) state machine the Task
// Orchestrator (package orchestrator) fans a Task's VMs out into.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxlab/sandboxd/internal/collector"
	"github.com/sandboxlab/sandboxd/internal/domain"
	"github.com/sandboxlab/sandboxd/internal/guestcmd"
	"github.com/sandboxlab/sandboxd/internal/vmcontrol"
	"github.com/sandboxlab/sandboxd/internal/vmpool"
)

// HealthRecorder is the write side of the VM Health Ledger: Run calls it
// whenever Cleanup leaves a VM in a state that needs operator attention,
// and clears it again the next time Cleanup succeeds cleanly.
type HealthRecorder interface {
	MarkNeedsAttention(vmName, reason string)
	ClearNeedsAttention(vmName string)
}

// Pipeline runs the fixed phase sequence for one (Sample, VMSpec) pair.
type Pipeline struct {
	pool       *vmpool.Pool
	controller vmcontrol.Controller
	collectors *collector.Registry
	health     HealthRecorder
	tracer     trace.Tracer
	logger     *slog.Logger

	dwell       time.Duration
	graceWindow time.Duration
}

// New creates a Pipeline. tracer may be the otel noop tracer when tracing
// is disabled.
func New(pool *vmpool.Pool, controller vmcontrol.Controller, collectors *collector.Registry, health HealthRecorder, tracer trace.Tracer, logger *slog.Logger, dwell, graceWindow time.Duration) *Pipeline {
	return &Pipeline{
		pool:        pool,
		controller:  controller,
		collectors:  collectors,
		health:      health,
		tracer:      tracer,
		logger:      logger,
		dwell:       dwell,
		graceWindow: graceWindow,
	}
}

// Run executes every phase for one VM against one sample, returning a
// VMResult whose Phase is the critical phase that failed (acquire, restore,
// boot, guest-ready), or PhaseReleased once cleanup and release have run.
func (p *Pipeline) Run(ctx context.Context, taskID uuid.UUID, sample domain.Sample, spec domain.VMSpec) *domain.VMResult {
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("vm.name", spec.Name),
			attribute.String("task.id", taskID.String()),
			attribute.String("sample.sha256", sample.SHA256),
		))
	defer span.End()

	result := &domain.VMResult{
		VMName:    spec.Name,
		StartedAt: time.Now().UTC(),
	}
	creds := vmcontrol.Credentials{User: spec.GuestUser, Password: spec.GuestPassword}
	guestOS := guestcmd.Linux
	if spec.GuestOS == "windows" {
		guestOS = guestcmd.Windows
	}

	type namedPhase struct {
		name domain.VMPhase
		run  func(context.Context) error
	}

	// critical phases must all succeed before detonation or collection can
	// mean anything: a failure here jumps straight to Cleanup.
	critical := []namedPhase{
		{domain.PhaseAcquired, func(ctx context.Context) error {
			lease, err := p.pool.Acquire(ctx, spec.Name, taskID)
			if err != nil {
				return err
			}
			result.NeedsAttention = lease.NeedsAttention
			return nil
		}},
		{domain.PhaseRestoring, func(ctx context.Context) error {
			return p.controller.RestoreSnapshot(ctx, spec.Name, spec.SnapshotName)
		}},
		{domain.PhaseStarting, func(ctx context.Context) error {
			return p.controller.PowerOn(ctx, spec.Name, true)
		}},
		{domain.PhaseWaitGuest, func(ctx context.Context) error {
			bootCtx, cancel := context.WithTimeout(ctx, spec.BootTimeout)
			defer cancel()
			return p.controller.WaitGuestReady(bootCtx, spec.Name, guestOS, spec.GuestReadyProbe, creds)
		}},
	}

	// detonation phases can fail without stopping Collecting from running:
	// a security product may have detected and acted on the upload itself,
	// and whatever it logged is still worth reading back.
	detonation := []namedPhase{
		{domain.PhaseUploading, func(ctx context.Context) error {
			guestPath := spec.UploadDir + "/" + sample.Filename
			if guestOS == guestcmd.Windows {
				guestPath = spec.UploadDir + `\` + sample.Filename
			}
			return p.controller.CopyToGuest(ctx, spec.Name, sample.StoredAt, guestPath, creds)
		}},
		{domain.PhaseDetonating, func(ctx context.Context) error {
			guestPath := spec.UploadDir + "/" + sample.Filename
			if guestOS == guestcmd.Windows {
				guestPath = spec.UploadDir + `\` + sample.Filename
			}

			exists, err := p.controller.GuestPathExists(ctx, spec.Name, guestOS, guestPath, creds)
			if err != nil {
				return err
			}
			if !exists {
				// Some security products consume (quarantine, delete) the
				// sample the instant it lands on disk, before detonation
				// ever gets a chance to run it. That is itself the result:
				// record it and let Collecting pick up whatever the agent
				// already logged.
				result.SampleDeletedByAgent = true
				return nil
			}

			now := time.Now().UTC()
			result.DetonatedAt = &now
			// Fire-and-forget: once launched, the sample's own process is
			// what the dwell and collection phases are waiting on, not this
			// guestcontrol call. Awaiting it would block on a process that
			// may run for the entire dwell period or never return at all.
			go func() {
				_ = p.controller.GuestRunExecutable(context.Background(), spec.Name, guestOS, guestPath, nil, creds)
			}()
			return nil
		}},
	}

	// dwell/collect always runs once the VM is up, whether or not
	// detonation itself succeeded.
	dwellCollect := []namedPhase{
		{domain.PhaseDwelling, func(ctx context.Context) error {
			select {
			case <-time.After(p.dwell):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{domain.PhaseCollecting, func(ctx context.Context) error {
			start := time.Now().UTC()
			result.CollectionStart = &start

			c, err := p.collectors.For(spec.AgentKind)
			if err != nil {
				return err
			}

			logDir := spec.AgentLogDir
			if logDir == "" {
				logDir = defaultAgentLogDir(guestOS)
			}
			raw, err := p.readAgentLog(ctx, spec.Name, guestOS, logDir, creds)
			if err != nil {
				result.ErrorKind = domain.ErrorKindAgentUnavailable
				return err
			}

			windowStart := result.StartedAt.Add(-p.graceWindow)
			if result.DetonatedAt != nil {
				windowStart = result.DetonatedAt.Add(-p.graceWindow)
			}
			window := collector.Window{Start: windowStart, End: time.Now().UTC().Add(p.graceWindow)}
			hints := collector.Hints{SampleName: sample.Filename, SampleSHA256: sample.SHA256}

			alerts, events, errorKind := c.Collect(raw, window, hints)
			result.Alerts = alerts
			result.Events = events
			if errorKind != "" && !result.SampleDeletedByAgent {
				result.ErrorKind = errorKind
			}

			end := time.Now().UTC()
			result.CollectionEnd = &end
			return nil
		}},
	}

	var phaseErr error
	var failedPhase domain.VMPhase
	runPhase := func(ph namedPhase) error {
		result.Phase = ph.name
		_, phSpan := p.tracer.Start(ctx, "pipeline."+string(ph.name))
		err := ph.run(ctx)
		if err != nil {
			phSpan.RecordError(err)
			phSpan.SetStatus(codes.Error, err.Error())
		}
		phSpan.End()
		return err
	}
	recordFirstFailure := func(ph namedPhase, err error) {
		if err != nil && phaseErr == nil {
			phaseErr = err
			failedPhase = ph.name
		}
	}

	criticalFailed := false
	for _, ph := range critical {
		err := runPhase(ph)
		recordFirstFailure(ph, err)
		if err != nil {
			criticalFailed = true
			break
		}
	}

	if !criticalFailed {
		for _, ph := range detonation {
			err := runPhase(ph)
			recordFirstFailure(ph, err)
			if err != nil {
				break // detonation's own remaining phases are skipped, but dwell/collect below still runs
			}
		}
		for _, ph := range dwellCollect {
			err := runPhase(ph)
			recordFirstFailure(ph, err)
			if err != nil {
				break
			}
		}
	}

	// A failed Acquire means this pipeline never actually holds the VM's
	// lease — running Cleanup or Release here would act on a VM another
	// pipeline may legitimately be holding, since vmpool.Pool.Release has
	// no lease-token check of its own.
	var cleanupErr error
	if failedPhase != domain.PhaseAcquired {
		result.Phase = domain.PhaseCleanup
		cleanupErr = p.runCleanup(ctx, spec.Name)
		if spec.Name != "" {
			p.pool.Release(spec.Name)
		}
		result.Phase = domain.PhaseReleased
	}
	if criticalFailed {
		result.Phase = failedPhase
	}
	result.FinishedAt = time.Now().UTC()

	switch {
	case phaseErr != nil:
		result.Status = domain.VMResultFailed
		result.Error = phaseErr.Error()
		result.ErrorKind = errorKindForPhase(failedPhase, ctx.Err() != nil)
		span.RecordError(phaseErr)
		span.SetStatus(codes.Error, phaseErr.Error())
	case cleanupErr != nil:
		result.Status = domain.VMResultFailed
		result.Error = fmt.Sprintf("cleanup failed: %v", cleanupErr)
		result.ErrorKind = domain.ErrorKindCleanupFailed
		span.RecordError(cleanupErr)
	default:
		result.Status = domain.VMResultSucceeded
	}
	result.NeedsAttention = result.NeedsAttention || cleanupErr != nil

	return result
}

// errorKindForPhase maps the phase a VM run failed at to the stable
// ErrorKind taxonomy, so a caller can act on failure category without
// string-matching result.Error. cancelled takes precedence over the phase
// itself, since a cancellation can interrupt any phase.
func errorKindForPhase(phase domain.VMPhase, cancelled bool) string {
	if cancelled {
		return domain.ErrorKindCancelled
	}
	switch phase {
	case domain.PhaseAcquired, domain.PhaseRestoring, domain.PhaseStarting, domain.PhaseWaitGuest:
		return domain.ErrorKindEnvironmentFailed
	case domain.PhaseUploading, domain.PhaseDetonating:
		return domain.ErrorKindDetonationFailed
	case domain.PhaseCollecting:
		return domain.ErrorKindCollectionFailed
	default:
		return domain.ErrorKindInternal
	}
}

// defaultAgentLogDir is where an agent's export script drops its log when a
// VM's config leaves AgentLogDir unset.
func defaultAgentLogDir(guestOS guestcmd.OS) string {
	if guestOS == guestcmd.Windows {
		return `C:\ProgramData\sandboxd\agent.log`
	}
	return "/var/log/sandboxd/agent.log"
}

// readAgentLog reads the agent's exported log/quarantine file, tolerating
// its absence by returning an empty string rather than failing the whole
// Collecting phase over a monitor that never wrote anything.
func (p *Pipeline) readAgentLog(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds vmcontrol.Credentials) (string, error) {
	exists, err := p.controller.GuestPathExists(ctx, vmName, guestOS, path, creds)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	return p.controller.GuestReadFile(ctx, vmName, guestOS, path, creds)
}

// runCleanup always attempts CleanupResources, recording the outcome in
// the VM Health Ledger regardless of whether earlier phases already
// failed — a VM left running or locked needs attention even if the
// analysis itself never got past Uploading.
func (p *Pipeline) runCleanup(ctx context.Context, vmName string) error {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	_ = ctx

	err := p.controller.CleanupResources(cleanupCtx, vmName)
	if err != nil {
		p.logger.Warn("cleanup left vm needing attention", slog.String("vm", vmName), slog.Any("error", err))
		if p.health != nil {
			p.health.MarkNeedsAttention(vmName, err.Error())
		}
		return err
	}
	if p.health != nil {
		p.health.ClearNeedsAttention(vmName)
	}
	return nil
}
