package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/sandboxlab/sandboxd/internal/collector"
	"github.com/sandboxlab/sandboxd/internal/domain"
	"github.com/sandboxlab/sandboxd/internal/vmcontrol"
	"github.com/sandboxlab/sandboxd/internal/vmpool"
)

type fakeHealth struct {
	marked  map[string]string
	cleared map[string]bool
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{marked: map[string]string{}, cleared: map[string]bool{}}
}

func (f *fakeHealth) MarkNeedsAttention(vmName, reason string) { f.marked[vmName] = reason }
func (f *fakeHealth) ClearNeedsAttention(vmName string)        { f.cleared[vmName] = true }

func testSpec() domain.VMSpec {
	return domain.VMSpec{
		Name:          "win10-defender",
		AgentKind:     "defender",
		SnapshotName:  "clean",
		GuestOS:       "windows",
		GuestUser:     "analyst",
		GuestPassword: "pw",
		UploadDir:     `C:\samples`,
		BootTimeout:   5 * time.Second,
	}
}

func testSample() domain.Sample {
	return domain.Sample{
		ID:        domain.NewID(),
		SHA256:    "deadbeef",
		Filename:  "malware.exe",
		StoredAt:  "/tmp/malware.exe",
		CreatedAt: time.Now().UTC(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRunSucceedsEndToEnd(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	result := p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	if result.Status != domain.VMResultSucceeded {
		t.Fatalf("Status = %q, Error = %q", result.Status, result.Error)
	}
	if result.Phase != domain.PhaseReleased {
		t.Errorf("Phase = %q, want released", result.Phase)
	}
	if result.NeedsAttention {
		t.Error("did not expect NeedsAttention")
	}
	if !health.cleared["win10-defender"] {
		t.Error("expected health to be cleared on clean cleanup")
	}
}

func TestRunFailsAtWaitGuestReady(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	fake.FailWaitGuestReady["win10-defender"] = context.DeadlineExceeded
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	result := p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	if result.Status != domain.VMResultFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Phase != domain.PhaseWaitGuest {
		t.Errorf("Phase = %q, want waiting_guest (last attempted phase)", result.Phase)
	}
}

func TestRunMarksNeedsAttentionOnCleanupFailure(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	fake.FailCleanup["win10-defender"] = context.DeadlineExceeded
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	result := p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	if !result.NeedsAttention {
		t.Error("expected NeedsAttention after cleanup failure")
	}
	if health.marked["win10-defender"] == "" {
		t.Error("expected health ledger to be marked needs-attention")
	}
}

func TestRunRecordsSampleDeletedByAgent(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	fake.PathExists["win10-defender"] = false
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	result := p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	if !result.SampleDeletedByAgent {
		t.Error("expected SampleDeletedByAgent when the guest probe finds the sample missing")
	}
	if result.DetonatedAt != nil {
		t.Error("did not expect DetonatedAt to be set when detonation never ran")
	}
	if result.Status != domain.VMResultSucceeded {
		t.Fatalf("Status = %q, Error = %q", result.Status, result.Error)
	}
}

func TestRunCollectsWithinGraceWindow(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	fake.ReadFile["win10-defender"] = "high|Trojan:Win32/Wacatac.B|Quarantined C:\\malware.exe\n"
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	result := p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	if result.Status != domain.VMResultSucceeded {
		t.Fatalf("Status = %q, Error = %q", result.Status, result.Error)
	}
	if len(result.Alerts) != 1 {
		t.Fatalf("expected 1 alert from the agent log, got %d", len(result.Alerts))
	}
}

func TestRunStillCollectsAfterUploadingFails(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	fake.FailCopyToGuest["win10-defender"] = errors.New("guestcontrol copyto: guest additions not running")
	fake.ReadFile["win10-defender"] = "high|Trojan:Win32/Wacatac.B|Quarantined C:\\malware.exe\n"
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	result := p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	if result.Status != domain.VMResultFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.ErrorKind != domain.ErrorKindDetonationFailed {
		t.Errorf("ErrorKind = %q, want %q", result.ErrorKind, domain.ErrorKindDetonationFailed)
	}
	if result.Phase != domain.PhaseReleased {
		t.Errorf("Phase = %q, want released — cleanup must still run after an upload failure", result.Phase)
	}
	if len(result.Alerts) != 1 {
		t.Fatalf("expected collecting to still run and pick up the agent's own alert, got %d alerts", len(result.Alerts))
	}
}

func TestRunSkipsCleanupAndReleaseWhenAcquireFails(t *testing.T) {
	spec := testSpec()
	pool := vmpool.New([]domain.VMSpec{spec}, nil)
	fake := vmcontrol.NewFake()
	health := newFakeHealth()
	p := New(pool, fake, collector.DefaultRegistry(), health, otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	// Hold the VM's own lease first so this run's own Acquire call has to
	// wait — then give it a context that expires before the holder frees
	// it, so Acquire itself fails.
	holder, err := pool.Acquire(context.Background(), spec.Name, domain.NewID())
	if err != nil {
		t.Fatalf("pre-acquiring lease: %v", err)
	}
	_ = holder

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := p.Run(ctx, domain.NewID(), testSample(), spec)

	if result.Status != domain.VMResultFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Phase != domain.PhaseAcquired {
		t.Errorf("Phase = %q, want acquired — cleanup/release must not run for a lease this pipeline never held", result.Phase)
	}
	for _, call := range fake.Calls {
		if strings.HasPrefix(call, "cleanup:") || strings.HasPrefix(call, "status:") {
			t.Errorf("unexpected call %q after a failed Acquire", call)
		}
	}
	if !pool.IsHeld(spec.Name) {
		t.Error("expected the VM to still be held by the original lease holder")
	}
}

func TestRunReleasesVMEvenOnFailure(t *testing.T) {
	pool := vmpool.New([]domain.VMSpec{testSpec()}, nil)
	fake := vmcontrol.NewFake()
	fake.FailPowerOn["win10-defender"] = context.DeadlineExceeded
	p := New(pool, fake, collector.DefaultRegistry(), newFakeHealth(), otel.Tracer("test"), discardLogger(), 10*time.Millisecond, time.Second)

	p.Run(context.Background(), domain.NewID(), testSample(), testSpec())

	// VM must be acquirable again immediately; Release must have run.
	lease, err := pool.Acquire(context.Background(), "win10-defender", domain.NewID())
	if err != nil {
		t.Fatalf("vm was not released after failed run: %v", err)
	}
	_ = lease
}
