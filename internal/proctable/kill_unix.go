//go:build !windows

package proctable

import "syscall"

// Kill sends SIGKILL to pid.
func Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
