package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/registry"
)

// RunMonitor runs the heartbeat loop until ctx is canceled.  Each pass
// verifies liveness of every tracked handle and pushes a fresh resource
// sample into the registry.
//
// Local-process deaths normally arrive through the watcher callback and
// container deaths through the engine failure hook; the monitor is the
// fallback that catches re-adopted workloads, which have no watcher.
func (e *Executor) RunMonitor(ctx context.Context) error {
	slog.Info("executor: monitor started", "interval", e.cfg.MonitorInterval)
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("executor: monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.monitorOnce(ctx)
		}
	}
}

func (e *Executor) monitorOnce(ctx context.Context) {
	e.mu.Lock()
	hs := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		hs = append(hs, h)
	}
	e.mu.Unlock()

	for _, h := range hs {
		e.monitorHandle(ctx, h)
	}
}

func (e *Executor) monitorHandle(ctx context.Context, h *handle) {
	bot, err := e.reg.Get(ctx, h.botID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// Deleted behind our back; nothing left to report to.
			e.dropHandle(h)
		}
		return
	}

	be, err := e.backendFor(h.backend)
	if err != nil {
		return
	}

	e.mu.Lock()
	stopping := h.stopping
	paused := h.paused
	e.mu.Unlock()

	if !be.alive(h) {
		if stopping || bot.Status == registry.StatusStopping || bot.Status == registry.StatusStopped {
			return
		}
		e.reportDeath(h, e.deathReason(ctx, h))
		return
	}

	if paused {
		// Suspended workloads keep their handle but produce no samples.
		return
	}

	tel := registry.Telemetry{
		HandleID:      h.id(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		LastHeartbeat: time.Now().UTC(),
	}
	if cpu, rss, err := be.sample(h); err == nil {
		tel.CPUPercent = cpu
		tel.MemoryBytes = rss
	} else {
		slog.Warn("executor: sample bot", "bot", h.botID, "err", err)
	}
	if err := e.reg.UpdateTelemetry(ctx, h.botID, tel); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("executor: record telemetry", "bot", h.botID, "err", err)
	}
}

// deathReason extracts the most specific failure reason available for a
// handle whose workload is gone.
func (e *Executor) deathReason(ctx context.Context, h *handle) string {
	if h.containerID != "" {
		if c, err := e.containers.eng.Inspect(ctx, h.containerID); err == nil && c.Reason != "" {
			return c.Reason
		}
		return "container exited unexpectedly"
	}
	return "process exited unexpectedly"
}
