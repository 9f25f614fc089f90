package vmcontrol

import (
	"context"
	"sync"
	"time"

	"github.com/sandboxlab/sandboxd/internal/guestcmd"
)

// Fake is an in-memory Controller used by the pipeline and healthsweep
// packages' own tests, so they don't need a real hypervisor. It
// records calls and lets tests inject failures per VM name.
type Fake struct {
	mu sync.Mutex

	FailStatus          map[string]error
	FailRestoreSnapshot map[string]error
	FailPowerOn         map[string]error
	FailWaitGuestReady  map[string]error
	FailCopyToGuest     map[string]error
	FailCopyFromGuest   map[string]error
	FailExecInGuest     map[string]error
	FailCleanup         map[string]error
	FailGuestPathExists map[string]error
	FailGuestDeletePath map[string]error
	FailGuestListFiles  map[string]error
	FailGuestRun        map[string]error
	FailGuestReadFile   map[string]error

	ExecResults map[string]*ExecResult // vmName -> canned result

	// PathExists defaults a vmName to "present" when absent from the map,
	// since most pipeline tests exercise the happy path where the sample
	// is still there when detonation starts.
	PathExists map[string]bool
	ListFiles  map[string][]string // vmName -> canned file listing
	ReadFile   map[string]string   // vmName -> canned agent log contents

	Calls []string
}

// NewFake returns a ready-to-use Fake with no injected failures.
func NewFake() *Fake {
	return &Fake{
		FailStatus:          map[string]error{},
		FailRestoreSnapshot: map[string]error{},
		FailPowerOn:         map[string]error{},
		FailWaitGuestReady:  map[string]error{},
		FailCopyToGuest:     map[string]error{},
		FailCopyFromGuest:   map[string]error{},
		FailExecInGuest:     map[string]error{},
		FailCleanup:         map[string]error{},
		FailGuestPathExists: map[string]error{},
		FailGuestDeletePath: map[string]error{},
		FailGuestListFiles:  map[string]error{},
		FailGuestRun:        map[string]error{},
		FailGuestReadFile:   map[string]error{},
		ExecResults:         map[string]*ExecResult{},
		PathExists:          map[string]bool{},
		ListFiles:           map[string][]string{},
		ReadFile:            map[string]string{},
	}
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Status(ctx context.Context, vmName string) (Status, error) {
	f.record("status:" + vmName)
	if err := f.FailStatus[vmName]; err != nil {
		return Status{State: StateUnknown}, err
	}
	return Status{State: StatePoweredOff}, nil
}

func (f *Fake) RestoreSnapshot(ctx context.Context, vmName, snapshotName string) error {
	f.record("restore:" + vmName)
	return f.FailRestoreSnapshot[vmName]
}

func (f *Fake) PowerOn(ctx context.Context, vmName string, headless bool) error {
	f.record("poweron:" + vmName)
	return f.FailPowerOn[vmName]
}

func (f *Fake) WaitGuestReady(ctx context.Context, vmName string, guestOS guestcmd.OS, probe string, creds Credentials) error {
	f.record("waitguest:" + vmName)
	return f.FailWaitGuestReady[vmName]
}

func (f *Fake) CopyToGuest(ctx context.Context, vmName, hostPath, guestPath string, creds Credentials) error {
	f.record("copyto:" + vmName)
	return f.FailCopyToGuest[vmName]
}

func (f *Fake) CopyFromGuest(ctx context.Context, vmName, guestPath, hostPath string, creds Credentials) error {
	f.record("copyfrom:" + vmName)
	return f.FailCopyFromGuest[vmName]
}

func (f *Fake) ExecInGuest(ctx context.Context, vmName string, guestOS guestcmd.OS, shellCommand string, creds Credentials) (*ExecResult, error) {
	f.record("exec:" + vmName)
	if err := f.FailExecInGuest[vmName]; err != nil {
		return nil, err
	}
	if res, ok := f.ExecResults[vmName]; ok {
		return res, nil
	}
	return &ExecResult{Duration: time.Millisecond}, nil
}

func (f *Fake) CleanupResources(ctx context.Context, vmName string) error {
	f.record("cleanup:" + vmName)
	return f.FailCleanup[vmName]
}

func (f *Fake) GuestPathExists(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) (bool, error) {
	f.record("pathexists:" + vmName)
	if err := f.FailGuestPathExists[vmName]; err != nil {
		return false, err
	}
	if exists, ok := f.PathExists[vmName]; ok {
		return exists, nil
	}
	return true, nil
}

func (f *Fake) GuestDeletePath(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) error {
	f.record("deletepath:" + vmName)
	return f.FailGuestDeletePath[vmName]
}

func (f *Fake) GuestListFiles(ctx context.Context, vmName string, guestOS guestcmd.OS, dir string, recursive bool, creds Credentials) ([]string, error) {
	f.record("listfiles:" + vmName)
	if err := f.FailGuestListFiles[vmName]; err != nil {
		return nil, err
	}
	return f.ListFiles[vmName], nil
}

func (f *Fake) GuestRunExecutable(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, argv []string, creds Credentials) error {
	f.record("run:" + vmName)
	return f.FailGuestRun[vmName]
}

func (f *Fake) GuestReadFile(ctx context.Context, vmName string, guestOS guestcmd.OS, path string, creds Credentials) (string, error) {
	f.record("readfile:" + vmName)
	if err := f.FailGuestReadFile[vmName]; err != nil {
		return "", err
	}
	return f.ReadFile[vmName], nil
}
