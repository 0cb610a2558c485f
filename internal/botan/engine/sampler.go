package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/proc"
)

// Run drives the resource sampler until ctx is canceled.  Each tick it polls
// liveness for containers without a watcher goroutine and checks running
// containers against their resource limits.  A limit breach must persist for
// the full debounce window before the container is killed, so short spikes
// do not take workloads down.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()
	slog.Info("engine: sampler started",
		"interval", e.cfg.SampleInterval,
		"debounce", e.cfg.DebounceWindow)
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine: sampler stopped")
			return
		case <-ticker.C:
			e.sampleOnce()
		}
	}
}

// sampleOnce walks the container set one time.  Exposed to the sampler loop
// and to tests, which call it directly instead of waiting on the ticker.
func (e *Engine) sampleOnce() {
	e.mu.Lock()
	entries := make([]*containerEntry, 0, len(e.containers))
	for _, en := range e.containers {
		entries = append(entries, en)
	}
	e.mu.Unlock()

	for _, en := range entries {
		en.mu.Lock()
		c := en.c
		if c.State != StateRunning {
			en.mu.Unlock()
			continue
		}
		if c.Paused {
			// A stopped clock: breaches do not accumulate while suspended.
			en.breach = make(map[string]time.Time)
			en.mu.Unlock()
			continue
		}
		pid := c.PID
		startMS := c.StartTimeMS
		watched := en.waitDone != nil
		en.mu.Unlock()

		if !watched && !e.prober.Alive(pid, startMS) {
			e.finalizePolled(en)
			continue
		}

		cpu, rss, err := e.prober.Sample(pid)
		if err != nil {
			// Most likely the process is mid-exit; the watcher or the next
			// liveness poll settles it.
			continue
		}
		e.enforce(en, cpu, rss)
	}
}

// enforce applies the debounce policy to one sample and kills the container
// if a breach outlasted the window.  Containers with minimal isolation are
// observed but never killed.
func (e *Engine) enforce(en *containerEntry, cpu float64, rss int64) {
	now := time.Now()

	en.mu.Lock()
	c := en.c
	if c.State != StateRunning || c.Paused || c.Isolation == botspec.IsolationMinimal {
		en.mu.Unlock()
		return
	}

	type check struct {
		resource string
		over     bool
		reason   error
	}
	checks := []check{
		{
			resource: "memory",
			over:     c.MemoryLimitBytes > 0 && rss > c.MemoryLimitBytes,
			reason:   errdefs.ResourceLimitf("memory: rss %d bytes over limit %d", rss, c.MemoryLimitBytes),
		},
		{
			resource: "cpu",
			over:     c.CPULimitPercent > 0 && cpu > c.CPULimitPercent,
			reason:   errdefs.ResourceLimitf("cpu: %.1f%% over limit %.1f%%", cpu, c.CPULimitPercent),
		},
	}

	var kill error
	var resource string
	for _, chk := range checks {
		if !chk.over {
			delete(en.breach, chk.resource)
			continue
		}
		first, seen := en.breach[chk.resource]
		if !seen {
			en.breach[chk.resource] = now
			continue
		}
		if now.Sub(first) >= e.cfg.DebounceWindow {
			kill = chk.reason
			resource = chk.resource
			break
		}
	}
	if kill == nil {
		en.mu.Unlock()
		return
	}

	// Write the reason before the kill so the watcher's failure transition
	// carries it.
	c.Reason = kill.Error()
	pid := c.PID
	name := c.Name
	watched := en.waitDone != nil
	en.mu.Unlock()

	slog.Warn("engine: killing container over resource limit",
		"container", name, "resource", resource, "reason", kill.Error())
	limitKillsTotal.WithLabelValues(resource).Inc()

	proc.TerminateGroup(pid, e.cfg.GraceTimeout)
	if !watched {
		e.finalizePolled(en)
	}
}
