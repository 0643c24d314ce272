//go:build !windows

package sidecar

import (
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the whole process group.
func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// kill sends SIGKILL to the whole process group.
func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
