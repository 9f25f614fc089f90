//go:build !linux

package vmcontrol

import "syscall"

func procAttrNewGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
