//go:build linux

package vmcontrol

import "syscall"

// procAttrNewGroup places the child in its own process group so
// CleanupResources-triggered kills (and context cancellation) can signal
// the whole subprocess tree rather than only its immediate PID.
func procAttrNewGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
