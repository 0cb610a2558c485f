package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/engine"
	"github.com/bdobrica/botan/internal/botan/registry"
)

// Reconcile aligns registry records with the workloads that actually
// survived a daemon restart.  Live workloads are re-adopted into the handle
// map; records claiming liveness nothing backs are settled to stopped or
// failed.  Called once at startup, before the monitor loop begins.
func (e *Executor) Reconcile(ctx context.Context) error {
	bots, err := e.reg.List(ctx, registry.Filter{})
	if err != nil {
		return err
	}

	// The engine recovered its own descriptors when it came up; one listing
	// serves every container-backed bot.
	byBot := make(map[string]*engine.Container)
	if cs, err := e.containers.eng.List(ctx); err == nil {
		for _, c := range cs {
			if c.BotID == "" {
				continue
			}
			prev, ok := byBot[c.BotID]
			if !ok || c.CreatedAt.After(prev.CreatedAt) {
				byBot[c.BotID] = c
			}
		}
	} else {
		slog.Warn("executor: reconcile container listing", "err", err)
	}

	var adopted, settled int
	for _, bot := range bots {
		switch bot.Status {
		case registry.StatusRunning, registry.StatusDeploying, registry.StatusStopping, registry.StatusPaused:
		default:
			continue
		}
		unlock := e.lockBot(bot.ID)
		ok, err := e.reconcileBot(ctx, bot, byBot[bot.ID])
		unlock()
		if err != nil {
			slog.Warn("executor: reconcile bot", "bot", bot.ID, "err", err)
			continue
		}
		if ok {
			adopted++
		} else {
			settled++
		}
	}
	slog.Info("executor: reconcile done", "adopted", adopted, "settled", settled)
	return nil
}

// reconcileBot re-adopts one bot's workload if it is still alive, settling
// the record otherwise.  Reports whether anything was adopted.
func (e *Executor) reconcileBot(ctx context.Context, bot *registry.Bot, c *engine.Container) (bool, error) {
	switch bot.Deploy.Backend {
	case botspec.BackendIsolatedContainer:
		if c != nil {
			return e.reconcileContainer(ctx, bot, c)
		}
	case botspec.BackendLocalProcess:
		if bot.Telemetry != nil {
			if cid, pid, startMS, ok := parseHandleID(bot.Telemetry.HandleID); ok && cid == "" {
				if e.local.probe.Alive(pid, startMS) {
					return true, e.adoptProcess(ctx, bot, pid, startMS)
				}
			}
		}
	}
	return false, e.settleDead(ctx, bot, "")
}

func (e *Executor) reconcileContainer(ctx context.Context, bot *registry.Bot, c *engine.Container) (bool, error) {
	if c.State != engine.StateRunning {
		reason := c.Reason
		if reason == "" {
			reason = "container exited while daemon was down"
		}
		return false, e.settleDead(ctx, bot, reason)
	}

	h := &handle{
		botID:       bot.ID,
		backend:     botspec.BackendIsolatedContainer,
		containerID: c.ID,
		startedAt:   time.Now().UTC(),
	}
	if c.StartedAt != nil {
		h.startedAt = *c.StartedAt
	}
	e.putHandle(h)
	slog.Info("executor: re-adopted container", "bot", bot.ID, "container", c.ID)

	switch bot.Status {
	case registry.StatusDeploying:
		_, err := e.reg.UpdateStatus(ctx, bot.ID, registry.StatusRunning)
		return true, err
	case registry.StatusStopping:
		// Finish the stop the old daemon never completed.
		return true, e.stopLocked(ctx, bot.ID, e.cfg.GraceTimeout)
	case registry.StatusPaused:
		if !c.Paused {
			// The record says paused but the workload runs; trust reality.
			_, err := e.reg.UpdateStatus(ctx, bot.ID, registry.StatusRunning)
			return true, err
		}
	}
	return true, nil
}

func (e *Executor) adoptProcess(ctx context.Context, bot *registry.Bot, pid int, startMS int64) error {
	h := &handle{
		botID:     bot.ID,
		backend:   botspec.BackendLocalProcess,
		pid:       pid,
		startMS:   startMS,
		startedAt: time.Now().UTC(),
		paused:    bot.Status == registry.StatusPaused,
	}
	if bot.StartedAt != nil {
		h.startedAt = *bot.StartedAt
	}
	e.putHandle(h)
	slog.Info("executor: re-adopted process", "bot", bot.ID, "pid", pid)

	switch bot.Status {
	case registry.StatusDeploying:
		_, err := e.reg.UpdateStatus(ctx, bot.ID, registry.StatusRunning)
		return err
	case registry.StatusStopping:
		return e.stopLocked(ctx, bot.ID, e.cfg.GraceTimeout)
	}
	return nil
}

// settleDead moves a record whose workload is gone to its terminal state.
func (e *Executor) settleDead(ctx context.Context, bot *registry.Bot, reason string) error {
	switch bot.Status {
	case registry.StatusStopping:
		// The stop was requested before the daemon went down; honor it.
		_, err := e.reg.UpdateStatus(ctx, bot.ID, registry.StatusStopped)
		return err
	case registry.StatusDeploying:
		if reason == "" {
			reason = "deploy interrupted by daemon restart"
		}
	default:
		if reason == "" {
			reason = "workload lost while daemon was down"
		}
	}
	_, err := e.reg.MarkFailed(ctx, bot.ID, reason)
	return err
}
