package proc

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// startTimeSlackMS tolerates clock rounding when comparing a process start
// time against the one recorded at spawn.
const startTimeSlackMS = 1000

// Probe reads liveness and resource usage for host processes via gopsutil.
// It caches one process handle per PID because CPU percentages are computed
// from the previous sample on the same handle.  Safe for concurrent use.
type Probe struct {
	mu      sync.Mutex
	handles map[int]*process.Process
}

// NewProbe returns an empty probe.
func NewProbe() *Probe {
	return &Probe{handles: make(map[int]*process.Process)}
}

func (g *Probe) handle(pid int) (*process.Process, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.handles[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("probe pid %d: %w", pid, err)
	}
	g.handles[pid] = p
	return p, nil
}

// Alive reports whether pid exists AND was started at about startTimeMS.
// The second check guards against PID reuse after a daemon restart;
// startTimeMS <= 0 skips it.
func (g *Probe) Alive(pid int, startTimeMS int64) bool {
	if !Alive(pid) {
		return false
	}
	if startTimeMS <= 0 {
		return true
	}
	actual, err := g.StartTime(pid)
	if err != nil {
		// The process exists but we cannot read its start time; assume it
		// is ours rather than declaring a false death.
		return true
	}
	diff := actual - startTimeMS
	if diff < 0 {
		diff = -diff
	}
	return diff <= startTimeSlackMS
}

// StartTime returns the process start time in milliseconds since the epoch.
func (g *Probe) StartTime(pid int) (int64, error) {
	p, err := g.handle(pid)
	if err != nil {
		return 0, err
	}
	ct, err := p.CreateTime()
	if err != nil {
		return 0, fmt.Errorf("probe pid %d start time: %w", pid, err)
	}
	return ct, nil
}

// Sample returns current CPU usage (percent of one core, measured since the
// previous Sample for the same pid) and resident memory.
func (g *Probe) Sample(pid int) (float64, int64, error) {
	p, err := g.handle(pid)
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.Percent(0)
	if err != nil {
		return 0, 0, fmt.Errorf("probe pid %d cpu: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("probe pid %d memory: %w", pid, err)
	}
	return cpu, int64(mem.RSS), nil
}

// Forget drops any per-pid sampling state.
func (g *Probe) Forget(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.handles, pid)
}
