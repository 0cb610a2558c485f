// Package proc answers liveness questions about host processes and manages
// process groups.  Both the engine and the executor spawn workloads with
// Setpgid and tear them down group-wide through these helpers.
package proc

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// Alive reports whether a process with the given PID exists.  Signal 0
// probes existence without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// SignalGroup delivers sig to the whole process group of pid, falling back
// to the single process when the group is already gone.
func SignalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, sig)
	}
}

// TerminateGroup stops the process group of pid: SIGTERM first, then a
// bounded poll for graceful exit, then SIGKILL.  A paused group gets SIGCONT
// so the pending TERM can be delivered.  It returns true when the leader is
// gone by the time it returns.
func TerminateGroup(pid int, grace time.Duration) bool {
	if pid <= 0 {
		return true
	}

	SignalGroup(pid, syscall.SIGTERM)
	SignalGroup(pid, syscall.SIGCONT)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(150 * time.Millisecond)
	}

	SignalGroup(pid, syscall.SIGKILL)

	// SIGKILL cannot be blocked; give the kernel a moment to reap.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !Alive(pid)
}
