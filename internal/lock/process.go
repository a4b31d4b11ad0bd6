//go:build !windows

package lock

import "syscall"

// processAlive reports whether a process with the given pid is currently
// running on this host. It uses signal 0, which performs existence and
// permission checks without actually delivering a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// ESRCH: no such process. EPERM: process exists but we lack permission
	// to signal it -- still alive from our point of view.
	return err == syscall.EPERM
}
