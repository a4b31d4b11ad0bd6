//go:build windows

package lock

import "os"

// processAlive reports whether a process with the given pid is currently
// running. Windows has no signal-0 equivalent via os; OpenProcess is not
// available without syscall bindings beyond the standard library here, so
// we fall back to treating any non-openable process as dead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc != nil
}
