package vmcontrol

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseMachineReadableStatusRunning(t *testing.T) {
	out := `name="win10-defender"
VMState="running"
VMStateChangeTime="2026-08-06T10:00:00.000000000"
SessionState="locked"
`
	st := parseMachineReadableStatus(out)
	if st.State != StateRunning {
		t.Errorf("State = %q, want running", st.State)
	}
	if !st.Locked {
		t.Error("expected Locked = true")
	}
}

func TestParseMachineReadableStatusPoweredOff(t *testing.T) {
	out := `name="win10-defender"
VMState="poweroff"
SessionState="unlocked"
`
	st := parseMachineReadableStatus(out)
	if st.State != StatePoweredOff {
		t.Errorf("State = %q, want poweroff", st.State)
	}
	if st.Locked {
		t.Error("expected Locked = false")
	}
}

func TestParseMachineReadableStatusUnknownOnGarbage(t *testing.T) {
	st := parseMachineReadableStatus("not a key value file at all")
	if st.State != StateUnknown {
		t.Errorf("State = %q, want unknown", st.State)
	}
}

func discardVBoxLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVBoxManageScript is a shell script standing in for VBoxManage: it
// tracks the current VM power state in a file and appends every subcommand
// it is invoked with to a calls log, so CleanupResources's escalation can
// be driven and observed like a real VM without one.
const fakeVBoxManageScript = `#!/bin/sh
state_file="$FAKE_VBOX_STATE_FILE"
calls_file="$FAKE_VBOX_CALLS_FILE"
case "$1" in
  showvminfo)
    echo "showvminfo" >> "$calls_file"
    state=$(cat "$state_file")
    printf 'name="%s"\nVMState="%s"\nSessionState="unlocked"\n' "$2" "$state"
    exit 0
    ;;
  controlvm)
    action="$3"
    echo "controlvm:$action" >> "$calls_file"
    case "$action" in
      savestate)
        if [ "${FAKE_VBOX_SAVESTATE_EXIT:-0}" != "0" ]; then
          echo "savestate unsupported" >&2
          exit 1
        fi
        echo "saved" > "$state_file"
        exit 0
        ;;
      acpipowerbutton)
        if [ "${FAKE_VBOX_ACPI_EFFECTIVE:-0}" = "1" ]; then
          echo "poweroff" > "$state_file"
        fi
        exit 0
        ;;
      poweroff)
        echo "poweroff" > "$state_file"
        exit 0
        ;;
    esac
    exit 0
    ;;
esac
exit 1
`

// setUpFakeVBoxManage writes the fake script plus its state/calls files into
// a fresh temp dir, points the process's own environment at them (the
// child process VBoxController.run spawns inherits it), seeds the VM's
// initial power state, and returns the script path.
func setUpFakeVBoxManage(t *testing.T, initialState string) string {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "fake-vboxmanage.sh")
	if err := os.WriteFile(script, []byte(fakeVBoxManageScript), 0o755); err != nil {
		t.Fatal(err)
	}

	stateFile := filepath.Join(dir, "state")
	if err := os.WriteFile(stateFile, []byte(initialState), 0o644); err != nil {
		t.Fatal(err)
	}
	callsFile := filepath.Join(dir, "calls")
	if err := os.WriteFile(callsFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FAKE_VBOX_STATE_FILE", stateFile)
	t.Setenv("FAKE_VBOX_CALLS_FILE", callsFile)
	return script
}

// shrinkCleanupTimings overrides CleanupResources's timing knobs to
// millisecond scale for the duration of a test, restoring them on cleanup.
func shrinkCleanupTimings(t *testing.T) {
	t.Helper()
	origACPI, origInterval, origDeadline, origSettle := cleanupACPIWait, cleanupPollInterval, cleanupPollDeadline, cleanupSettleDelay
	cleanupACPIWait = 20 * time.Millisecond
	cleanupPollInterval = 5 * time.Millisecond
	cleanupPollDeadline = 30 * time.Millisecond
	cleanupSettleDelay = 5 * time.Millisecond
	t.Cleanup(func() {
		cleanupACPIWait, cleanupPollInterval, cleanupPollDeadline, cleanupSettleDelay = origACPI, origInterval, origDeadline, origSettle
	})
}

func readState(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(b))
}

func TestCleanupResourcesSucceedsViaGracefulSavestate(t *testing.T) {
	shrinkCleanupTimings(t)
	script := setUpFakeVBoxManage(t, "running")
	stateFile := os.Getenv("FAKE_VBOX_STATE_FILE")
	callsFile := os.Getenv("FAKE_VBOX_CALLS_FILE")

	c := NewVBoxController(script, 5*time.Second, discardVBoxLogger())
	if err := c.CleanupResources(context.Background(), "win10-defender"); err != nil {
		t.Fatalf("CleanupResources: %v", err)
	}

	if got := readState(t, stateFile); got != "saved" {
		t.Errorf("final state = %q, want saved", got)
	}
	calls := readState(t, callsFile)
	if !strings.Contains(calls, "controlvm:savestate") {
		t.Error("expected savestate to be attempted")
	}
	if strings.Contains(calls, "controlvm:acpipowerbutton") || strings.Contains(calls, "controlvm:poweroff") {
		t.Errorf("escalation should not have been needed, got calls:\n%s", calls)
	}
}

func TestCleanupResourcesEscalatesThroughForcedPoweroff(t *testing.T) {
	shrinkCleanupTimings(t)
	script := setUpFakeVBoxManage(t, "running")
	stateFile := os.Getenv("FAKE_VBOX_STATE_FILE")
	callsFile := os.Getenv("FAKE_VBOX_CALLS_FILE")
	t.Setenv("FAKE_VBOX_SAVESTATE_EXIT", "1")

	c := NewVBoxController(script, 5*time.Second, discardVBoxLogger())
	err := c.CleanupResources(context.Background(), "win10-defender")
	if err == nil {
		t.Fatal("expected the recorded savestate failure to surface as an error")
	}

	if got := readState(t, stateFile); got != "poweroff" {
		t.Errorf("final state = %q, want poweroff (forced)", got)
	}
	calls := readState(t, callsFile)
	savestateAt := strings.Index(calls, "controlvm:savestate")
	acpiAt := strings.Index(calls, "controlvm:acpipowerbutton")
	poweroffAt := strings.LastIndex(calls, "controlvm:poweroff")
	if savestateAt < 0 || acpiAt < 0 || poweroffAt < 0 {
		t.Fatalf("expected all three escalation tiers attempted, got calls:\n%s", calls)
	}
	if !(savestateAt < acpiAt && acpiAt < poweroffAt) {
		t.Errorf("expected savestate, then acpi, then poweroff, got calls:\n%s", calls)
	}
}

