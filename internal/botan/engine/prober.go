package engine

// prober answers liveness and resource questions about a process.  The
// engine runs with a proc.Probe; tests substitute a fake to drive the
// sampler deterministically.
type prober interface {
	// Alive reports whether pid exists AND was started at about
	// startTimeMS.  The second check guards against PID reuse after a
	// daemon restart; startTimeMS <= 0 skips it.
	Alive(pid int, startTimeMS int64) bool
	// StartTime returns the process start time in milliseconds since the
	// epoch.
	StartTime(pid int) (int64, error)
	// Sample returns current CPU usage (percent of one core, measured since
	// the previous Sample for the same pid) and resident memory.
	Sample(pid int) (cpuPercent float64, rssBytes int64, err error)
	// Forget drops any per-pid sampling state.
	Forget(pid int)
}
