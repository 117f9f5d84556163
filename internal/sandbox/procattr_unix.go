//go:build unix && !linux

package sandbox

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func applyLimits(pid int, l Limits) error {
	return nil
}
