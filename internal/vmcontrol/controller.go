// Package vmcontrol wraps the virtualization platform's command-line tool
// (VBoxManage by default) behind a small Go interface: power, snapshot,
// status, guest-file-copy, and guest-exec primitives. Every invocation is a
// subprocess, so the discipline here mirrors sandbox/process.go's process-
// isolation idiom from the teacher codebase: own process group, capped
// output buffers, context-bound timeout, and a kill on cancellation so a
// hung VBoxManage call can never leak a goroutine or a zombie process.
package vmcontrol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/sandboxlab/sandboxd/internal/guestcmd"
)

// maxOutputBytes caps captured stdout/stderr from both the CLI itself and
// anything a compromised guest chooses to print.
const maxOutputBytes = 4 << 20 // 4 MB

// VMState is the power state reported by the virtualization platform.
type VMState string

const (
	StateRunning    VMState = "running"
	StatePoweredOff VMState = "poweroff"
	StateSaved      VMState = "saved"
	StatePaused     VMState = "paused"
	StateUnknown    VMState = "unknown"
)

// Status is the parsed result of a VM status query.
type Status struct {
	State  VMState
	Locked bool // a GUI/headless session currently holds the VM
}

// ExecResult is the outcome of a command executed inside the guest.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Controller is the interface the pipeline state machine drives. A single
// implementation (VBoxController) backs it in production; tests provide a
// fake.
type Controller interface {
	Status(ctx context.Context, vmName string) (Status, error)
	RestoreSnapshot(ctx context.Context, vmName, snapshotName string) error
	PowerOn(ctx context.Context, vmName string, headless bool) error
	WaitGuestReady(ctx context.Context, vmName string, guestOS guestcmd.OS, probe string, creds Credentials) error
	CopyToGuest(ctx context.Context, vmName, hostPath, guestPath string, creds Credentials) error
	CopyFromGuest(ctx context.Context, vmName, guestPath, hostPath string, creds Credentials) error
	ExecInGuest(ctx context.Context, vmName string, guestOS guestcmd.OS, shellCommand string, creds Credentials) (*ExecResult, error)
	CleanupResources(ctx context.Context, vmName string) error

	// GuestPathExists, GuestDeletePath, GuestListFiles, and
	// GuestRunExecutable are the standardized guest primitives: every
	// caller that needs one of these four operations goes through them
	// instead of composing guestcmd command strings itself.
	GuestPathExists(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) (bool, error)
	GuestDeletePath(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) error
	GuestListFiles(ctx context.Context, vmName string, guestOS guestcmd.OS, dir string, recursive bool, creds Credentials) ([]string, error)
	GuestRunExecutable(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, argv []string, creds Credentials) error
	GuestReadFile(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) (string, error)
}

// Credentials are the guest OS account used for guestcontrol operations.
type Credentials struct {
	User     string
	Password string
}

// VBoxController drives VBoxManage as a subprocess per call.
type VBoxController struct {
	bin     string // path to VBoxManage, or another CLI with the same subcommand surface
	timeout time.Duration
	logger  *slog.Logger
}

// NewVBoxController creates a Controller bound to the given CLI binary.
func NewVBoxController(bin string, timeout time.Duration, logger *slog.Logger) *VBoxController {
	if bin == "" {
		bin = "VBoxManage"
	}
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &VBoxController{bin: bin, timeout: timeout, logger: logger}
}

// run executes the CLI with args under its own process group, killing the
// whole group on cancellation, and returns captured stdout/stderr.
func (c *VBoxController) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.SysProcAttr = procAttrNewGroup()
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &outBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &errBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	c.logger.Debug("vm controller invocation",
		slog.Any("args", args),
		slog.Duration("duration", duration),
	)

	if runErr != nil {
		if ctx.Err() != nil {
			return outBuf.String(), errBuf.String(), fmt.Errorf("%s timed out after %s: %w", args[0], c.timeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return outBuf.String(), errBuf.String(), fmt.Errorf("%s exited %d: %s", args[0], exitErr.ExitCode(), errBuf.String())
		}
		return outBuf.String(), errBuf.String(), fmt.Errorf("running %s: %w", args[0], runErr)
	}
	return outBuf.String(), errBuf.String(), nil
}

// Status queries power state via "showvminfo --machinereadable" and parses
// the key=value pairs it prints.
func (c *VBoxController) Status(ctx context.Context, vmName string) (Status, error) {
	out, _, err := c.run(ctx, "showvminfo", vmName, "--machinereadable")
	if err != nil {
		return Status{State: StateUnknown}, fmt.Errorf("querying status of %s: %w", vmName, err)
	}
	return parseMachineReadableStatus(out), nil
}

// RestoreSnapshot reverts vmName to snapshotName. The VM must be powered off.
func (c *VBoxController) RestoreSnapshot(ctx context.Context, vmName, snapshotName string) error {
	if _, _, err := c.run(ctx, "snapshot", vmName, "restore", snapshotName); err != nil {
		return fmt.Errorf("restoring snapshot %s on %s: %w", snapshotName, vmName, err)
	}
	return nil
}

// PowerOn starts vmName headless (or windowed, for local debugging).
func (c *VBoxController) PowerOn(ctx context.Context, vmName string, headless bool) error {
	vmType := "headless"
	if !headless {
		vmType = "gui"
	}
	if _, _, err := c.run(ctx, "startvm", vmName, "--type", vmType); err != nil {
		return fmt.Errorf("starting %s: %w", vmName, err)
	}
	return nil
}

// WaitGuestReady polls probe inside the guest until it succeeds or the
// context deadline is reached, treating each attempt's failure as "not
// ready yet" rather than a fatal error.
func (c *VBoxController) WaitGuestReady(ctx context.Context, vmName string, guestOS guestcmd.OS, probe string, creds Credentials) error {
	if probe == "" {
		probe = guestcmd.BuildExists(guestOS, defaultReadyMarker(guestOS))
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if _, err := c.ExecInGuest(ctx, vmName, guestOS, probe, creds); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest %s never became ready: %w", vmName, ctx.Err())
		case <-ticker.C:
		}
	}
}

func defaultReadyMarker(os guestcmd.OS) string {
	if os == guestcmd.Windows {
		return `C:\Windows\System32`
	}
	return "/bin"
}

// CopyToGuest copies hostPath into the guest at guestPath via guestcontrol.
// Falls back to a PowerShell chunked-base64 transfer when the platform's
// own guestcontrol copyto call fails — some guest additions versions
// reject copyto for files above a few hundred MB.
func (c *VBoxController) CopyToGuest(ctx context.Context, vmName, hostPath, guestPath string, creds Credentials) error {
	args := []string{
		"guestcontrol", vmName, "copyto",
		"--username", creds.User, "--password", creds.Password,
		hostPath, guestPath,
	}
	if _, _, err := c.run(ctx, args...); err == nil {
		return nil
	}

	c.logger.Warn("guestcontrol copyto failed, falling back to chunked transfer",
		slog.String("vm", vmName))
	return c.copyToGuestChunked(ctx, vmName, hostPath, guestPath, creds)
}

// CopyFromGuest copies guestPath out of the guest to hostPath.
func (c *VBoxController) CopyFromGuest(ctx context.Context, vmName, guestPath, hostPath string, creds Credentials) error {
	args := []string{
		"guestcontrol", vmName, "copyfrom",
		"--username", creds.User, "--password", creds.Password,
		guestPath, hostPath,
	}
	if _, _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("copying %s from guest %s: %w", guestPath, vmName, err)
	}
	return nil
}

// ExecInGuest runs shellCommand inside the guest via guestcontrol run,
// wrapping it in the guest's own shell via BuildGuestInvocation so the
// outer-double/inner-single quoting guestcmd builders rely on reaches the
// guest intact.
func (c *VBoxController) ExecInGuest(ctx context.Context, vmName string, guestOS guestcmd.OS, shellCommand string, creds Credentials) (*ExecResult, error) {
	shell, shellArgs := guestcmd.BuildGuestInvocation(guestOS, shellCommand)

	args := []string{
		"guestcontrol", vmName, "run",
		"--username", creds.User, "--password", creds.Password,
		"--exe", shell, "--",
	}
	args = append(args, shellArgs...)

	start := time.Now()
	stdout, stderr, err := c.run(ctx, args...)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("executing in guest %s: %w", vmName, err)
	}

	return &ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: 0,
		Duration: duration,
	}, nil
}

// GuestPathExists reports whether path is present in the guest filesystem.
func (c *VBoxController) GuestPathExists(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) (bool, error) {
	result, err := c.ExecInGuest(ctx, vmName, guestOS, guestcmd.BuildExists(guestOS, path), creds)
	if err != nil {
		if guestOS != guestcmd.Windows {
			// test -e's non-zero exit surfaces as a run() error; that
			// means "absent", not a failed probe.
			return false, nil
		}
		return false, err
	}
	if guestOS == guestcmd.Windows {
		return guestcmd.ParseExists(result.Stdout), nil
	}
	return true, nil
}

// GuestDeletePath removes path from the guest, tolerating its absence.
func (c *VBoxController) GuestDeletePath(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) error {
	_, err := c.ExecInGuest(ctx, vmName, guestOS, guestcmd.BuildDelete(guestOS, path), creds)
	return err
}

// GuestListFiles lists the files under dir in the guest, one path per
// element, with the shell echo and prompt noise already filtered out.
func (c *VBoxController) GuestListFiles(ctx context.Context, vmName string, guestOS guestcmd.OS, dir string, recursive bool, creds Credentials) ([]string, error) {
	cmd := guestcmd.BuildListFiles(guestOS, dir, recursive)
	result, err := c.ExecInGuest(ctx, vmName, guestOS, cmd, creds)
	if err != nil {
		return nil, err
	}
	return guestcmd.FilterDataLines(result.Stdout, cmd), nil
}

// GuestRunExecutable launches path with argv inside the guest.
func (c *VBoxController) GuestRunExecutable(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, argv []string, creds Credentials) error {
	_, err := c.ExecInGuest(ctx, vmName, guestOS, guestcmd.BuildRunExecutable(guestOS, path, argv), creds)
	return err
}

// GuestReadFile dumps the contents of path in the guest, tolerating its
// absence by returning an empty string rather than an error.
func (c *VBoxController) GuestReadFile(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) (string, error) {
	result, err := c.ExecInGuest(ctx, vmName, guestOS, guestcmd.BuildReadFile(guestOS, path), creds)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// cleanupACPIWait, cleanupPollInterval, cleanupPollDeadline, and
// cleanupSettleDelay govern the shutdown escalation CleanupResources runs
// through before it gives up on a VM: a short window for ACPI to land
// before forcing poweroff, then one confirmation poll (once a second, up
// to 30s total) over the whole escalation, then a settle sleep to let the
// hypervisor's own processes exit. var, not const, so tests can shrink
// them to keep the suite fast.
var (
	cleanupACPIWait     = 5 * time.Second
	cleanupPollInterval = 1 * time.Second
	cleanupPollDeadline = 30 * time.Second
	cleanupSettleDelay  = 2 * time.Second
)

// CleanupResources performs the mandatory shutdown sequence: a graceful
// savestate first, escalating to ACPI and then a forced poweroff only if
// the softer step doesn't land. Every step runs even if an earlier one
// failed — the caller gets the first error, but the escalation keeps
// going, since leaving a VM locked or running is worse than reporting one
// extra error. Success is only declared once a final Status query, taken
// after the full escalation and its confirmation poll have both run,
// confirms the VM actually reached a powered-off state.
func (c *VBoxController) CleanupResources(ctx context.Context, vmName string) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	status, err := c.Status(ctx, vmName)
	record(err)

	if status.State == StateRunning || status.State == StatePaused || status.State == StateUnknown {
		// Graceful: ask the hypervisor to save the VM's state without
		// touching the guest's power button or cutting power outright.
		if _, _, err := c.run(ctx, "controlvm", vmName, "savestate"); err != nil {
			record(err)
			c.logger.Warn("graceful savestate failed, escalating to acpi shutdown", slog.String("vm", vmName))

			if _, _, err := c.run(ctx, "controlvm", vmName, "acpipowerbutton"); err != nil {
				record(err)
			}
			if !c.pollUntilOff(ctx, vmName, cleanupACPIWait) {
				c.logger.Warn("acpi shutdown did not settle, forcing poweroff", slog.String("vm", vmName))
				if _, _, err := c.run(ctx, "controlvm", vmName, "poweroff"); err != nil {
					record(err)
				}
			}
		}
	}

	c.pollUntilOff(ctx, vmName, cleanupPollDeadline)
	time.Sleep(cleanupSettleDelay)

	final, err := c.Status(ctx, vmName)
	record(err)
	if final.State != StatePoweredOff && final.State != StateSaved {
		record(fmt.Errorf("vm %s did not reach a powered-off state, last seen %s", vmName, final.State))
	}

	return firstErr
}

// pollUntilOff checks Status once per cleanupPollInterval until the VM
// reports powered off or deadline elapses.
func (c *VBoxController) pollUntilOff(ctx context.Context, vmName string, deadline time.Duration) bool {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		time.Sleep(cleanupPollInterval)
		st, err := c.Status(ctx, vmName)
		if err == nil && (st.State == StatePoweredOff || st.State == StateSaved) {
			return true
		}
	}
	return false
}

// limitedWriter wraps a writer and silently discards data beyond the limit.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
