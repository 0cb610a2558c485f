// Package executor turns registry records into running workloads.
//
// It selects an execution backend per bot (direct child process, engine
// container, or the declared remote placeholder), keeps the transient
// bot-to-handle map, and is the normal-operation writer of bot status.
// Remediation policy lives in the supervisor; the executor only detects and
// reports.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/botan/common/retry"
	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/blueprints"
	"github.com/bdobrica/botan/internal/botan/engine"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/proc"
	"github.com/bdobrica/botan/internal/botan/registry"
)

const (
	defaultGraceTimeout    = 5 * time.Second
	defaultMonitorInterval = 3 * time.Second
	defaultSpawnAttempts   = 3
	defaultSpawnRetryDelay = 250 * time.Millisecond
)

// Config configures an Executor.
type Config struct {
	// StateDir holds per-bot working directories and logs for the
	// local-process backend.
	StateDir string
	// GraceTimeout bounds graceful stops before the forced kill.
	GraceTimeout time.Duration
	// MonitorInterval is the heartbeat/liveness loop period.
	MonitorInterval time.Duration
	// SpawnAttempts bounds start retries on transient spawn failures.
	SpawnAttempts int
	// SpawnRetryDelay is the initial backoff between spawn attempts.
	SpawnRetryDelay time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.GraceTimeout <= 0 {
		out.GraceTimeout = defaultGraceTimeout
	}
	if out.MonitorInterval <= 0 {
		out.MonitorInterval = defaultMonitorInterval
	}
	if out.SpawnAttempts <= 0 {
		out.SpawnAttempts = defaultSpawnAttempts
	}
	if out.SpawnRetryDelay <= 0 {
		out.SpawnRetryDelay = defaultSpawnRetryDelay
	}
	return out
}

// BotStatus is the executor's composite view of one bot: the registry state
// plus what the runtime handle actually reports.
type BotStatus struct {
	ID       string
	Name     string
	Status   registry.Status
	Backend  botspec.Backend
	HandleID string
	Alive    bool
	Paused   bool
}

// Executor runs bots through their configured backends.
type Executor struct {
	cfg     Config
	reg     *registry.Registry
	catalog *blueprints.Catalog

	local      *localBackend
	containers *containerBackend

	mu      sync.Mutex
	handles map[string]*handle
	latches map[string]*sync.Mutex
}

// New builds an Executor over the given registry, engine and blueprint
// catalog.
func New(cfg Config, reg *registry.Registry, eng *engine.Engine, catalog *blueprints.Catalog) (*Executor, error) {
	cfg = cfg.withDefaults()
	if cfg.StateDir == "" {
		return nil, errdefs.Validationf("executor state dir must not be empty")
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, errdefs.Storage(fmt.Errorf("create executor state dir: %w", err))
	}

	e := &Executor{
		cfg:        cfg,
		reg:        reg,
		catalog:    catalog,
		containers: &containerBackend{eng: eng},
		handles:    make(map[string]*handle),
		latches:    make(map[string]*sync.Mutex),
	}
	e.local = &localBackend{
		stateDir: cfg.StateDir,
		probe:    proc.NewProbe(),
		onExit:   e.onLocalExit,
	}
	return e, nil
}

// lockBot serializes operations on one bot.  Distinct bots proceed in
// parallel.
func (e *Executor) lockBot(id string) func() {
	e.mu.Lock()
	l, ok := e.latches[id]
	if !ok {
		l = &sync.Mutex{}
		e.latches[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Executor) handleFor(id string) *handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[id]
}

func (e *Executor) putHandle(h *handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles[h.botID] = h
}

// dropHandle removes the tracked handle, but only if it is still the given
// one; a bot restarted in the meantime keeps its fresh handle.
func (e *Executor) dropHandle(h *handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles[h.botID] == h {
		delete(e.handles, h.botID)
	}
}

func (e *Executor) backendFor(kind botspec.Backend) (backend, error) {
	switch kind {
	case botspec.BackendLocalProcess:
		return e.local, nil
	case botspec.BackendIsolatedContainer:
		return e.containers, nil
	case botspec.BackendRemote:
		return nil, errdefs.Validationf("remote backend is not implemented")
	default:
		return nil, errdefs.Validationf("unknown backend %q", kind)
	}
}

// retryableSpawn keeps permanent rejections out of the retry loop.
func retryableSpawn(err error) bool {
	switch {
	case errdefs.IsValidation(err),
		errdefs.IsAlreadyExists(err),
		errdefs.IsInvalidState(err),
		errdefs.IsNotFound(err):
		return false
	}
	return true
}

// RunBot brings a bot up on its configured backend.  Running it twice
// reports AlreadyExists without touching the live workload.
func (e *Executor) RunBot(ctx context.Context, id string) error {
	unlock := e.lockBot(id)
	defer unlock()
	return e.runLocked(ctx, id)
}

func (e *Executor) runLocked(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errdefs.FromContext(err)
	}
	bot, err := e.reg.Get(ctx, id)
	if err != nil {
		return err
	}

	if h := e.handleFor(id); h != nil {
		be, err := e.backendFor(h.backend)
		if err == nil && be.alive(h) {
			return errdefs.AlreadyExistsf("bot %q is already running", id)
		}
		e.dropHandle(h)
	}

	be, err := e.backendFor(bot.Deploy.Backend)
	if err != nil {
		return err
	}

	// Resolve and validate everything before the record moves.
	manifest, err := e.catalog.Resolve(bot.Blueprint, blueprints.Vars{
		BotID:   bot.ID,
		BotName: bot.Name,
		Role:    bot.Role,
	})
	if err != nil {
		return err
	}

	if _, err := e.reg.UpdateStatus(ctx, id, registry.StatusDeploying); err != nil {
		return err
	}

	var h *handle
	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  e.cfg.SpawnAttempts,
		InitialDelay: e.cfg.SpawnRetryDelay,
		MaxDelay:     2 * time.Second,
		ShouldRetry:  retryableSpawn,
	}, func() error {
		var serr error
		h, serr = be.start(ctx, bot, manifest)
		return serr
	})
	if err != nil {
		if _, ferr := e.reg.MarkFailed(ctx, id, err.Error()); ferr != nil {
			slog.Error("executor: record spawn failure", "bot", id, "err", ferr)
		}
		return err
	}

	e.putHandle(h)
	if _, err := e.reg.UpdateStatus(ctx, id, registry.StatusRunning); err != nil {
		// The workload is up; the record will catch up on the next
		// heartbeat or reconcile.
		slog.Error("executor: record running status", "bot", id, "err", err)
		return err
	}
	if err := e.reg.UpdateTelemetry(ctx, id, registry.Telemetry{
		HandleID:      h.id(),
		LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		slog.Warn("executor: record handle", "bot", id, "err", err)
	}
	slog.Info("executor: bot started", "bot", id, "backend", string(bot.Deploy.Backend), "handle", h.id())
	return nil
}

// StopBot tears a bot's workload down: graceful within grace, then forced.
// A grace of zero uses the executor default.
func (e *Executor) StopBot(ctx context.Context, id string, grace time.Duration) error {
	unlock := e.lockBot(id)
	defer unlock()
	return e.stopLocked(ctx, id, grace)
}

func (e *Executor) stopLocked(ctx context.Context, id string, grace time.Duration) error {
	if grace <= 0 {
		grace = e.cfg.GraceTimeout
	}
	bot, err := e.reg.Get(ctx, id)
	if err != nil {
		return err
	}

	h := e.handleFor(id)
	if h == nil {
		// Nothing tracked.  Settle a record that still claims liveness,
		// reject the rest.
		switch bot.Status {
		case registry.StatusRunning, registry.StatusPaused, registry.StatusStopping:
			if _, err := e.reg.UpdateStatus(ctx, id, registry.StatusStopping); err != nil {
				return err
			}
			_, err := e.reg.UpdateStatus(ctx, id, registry.StatusStopped)
			return err
		default:
			return errdefs.InvalidStatef("bot %q is %s; nothing to stop", id, bot.Status)
		}
	}

	be, err := e.backendFor(h.backend)
	if err != nil {
		return err
	}

	e.mu.Lock()
	h.stopping = true
	e.mu.Unlock()

	if _, err := e.reg.UpdateStatus(ctx, id, registry.StatusStopping); err != nil {
		return err
	}
	if err := be.stop(ctx, h, grace); err != nil {
		return err
	}
	e.dropHandle(h)
	if _, err := e.reg.UpdateStatus(ctx, id, registry.StatusStopped); err != nil {
		return err
	}
	slog.Info("executor: bot stopped", "bot", id)
	return nil
}

// RestartBot stops the bot if anything of it is running, then brings it up
// fresh.  The restarted episode re-reads the registered deploy parameters.
func (e *Executor) RestartBot(ctx context.Context, id string) error {
	unlock := e.lockBot(id)
	defer unlock()

	if err := e.stopLocked(ctx, id, e.cfg.GraceTimeout); err != nil && !errdefs.IsInvalidState(err) {
		return err
	}
	return e.runLocked(ctx, id)
}

// PauseBot suspends a running bot's workload.
func (e *Executor) PauseBot(ctx context.Context, id string) error {
	unlock := e.lockBot(id)
	defer unlock()

	bot, err := e.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.Status != registry.StatusRunning {
		return errdefs.InvalidStatef("bot %q is %s; pause requires running", id, bot.Status)
	}
	h := e.handleFor(id)
	if h == nil {
		return errdefs.InvalidStatef("bot %q has no live workload", id)
	}
	be, err := e.backendFor(h.backend)
	if err != nil {
		return err
	}
	if err := be.pause(ctx, h); err != nil {
		return err
	}
	e.mu.Lock()
	h.paused = true
	e.mu.Unlock()
	_, err = e.reg.UpdateStatus(ctx, id, registry.StatusPaused)
	return err
}

// ResumeBot resumes a paused bot.
func (e *Executor) ResumeBot(ctx context.Context, id string) error {
	unlock := e.lockBot(id)
	defer unlock()

	bot, err := e.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.Status != registry.StatusPaused {
		return errdefs.InvalidStatef("bot %q is %s; resume requires paused", id, bot.Status)
	}
	h := e.handleFor(id)
	if h == nil {
		return errdefs.InvalidStatef("bot %q has no live workload", id)
	}
	be, err := e.backendFor(h.backend)
	if err != nil {
		return err
	}
	if err := be.resume(ctx, h); err != nil {
		return err
	}
	e.mu.Lock()
	h.paused = false
	e.mu.Unlock()
	_, err = e.reg.UpdateStatus(ctx, id, registry.StatusRunning)
	return err
}

// GetStatus reports the registry state alongside the live handle view.
func (e *Executor) GetStatus(ctx context.Context, id string) (*BotStatus, error) {
	bot, err := e.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &BotStatus{
		ID:      bot.ID,
		Name:    bot.Name,
		Status:  bot.Status,
		Backend: bot.Deploy.Backend,
	}
	h := e.handleFor(id)
	if h == nil {
		return st, nil
	}
	be, err := e.backendFor(h.backend)
	if err != nil {
		return st, nil
	}
	st.HandleID = h.id()
	st.Alive = be.alive(h)
	st.Paused = e.isPaused(h)
	return st, nil
}

// isPaused reads the pause flag from wherever the backend keeps it.
func (e *Executor) isPaused(h *handle) bool {
	if h.backend == botspec.BackendIsolatedContainer {
		c, err := e.containers.eng.Inspect(context.Background(), h.containerID)
		return err == nil && c.Paused
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return h.paused
}

// GetMetrics returns a fresh resource sample for a live bot, falling back
// to the last recorded telemetry.
func (e *Executor) GetMetrics(ctx context.Context, id string) (*registry.Telemetry, error) {
	bot, err := e.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	h := e.handleFor(id)
	if h == nil {
		if bot.Telemetry != nil {
			tel := *bot.Telemetry
			return &tel, nil
		}
		return &registry.Telemetry{}, nil
	}

	tel := &registry.Telemetry{
		HandleID:      h.id(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		LastHeartbeat: time.Now().UTC(),
	}
	be, err := e.backendFor(h.backend)
	if err != nil {
		return tel, nil
	}
	if cpu, rss, err := be.sample(h); err == nil {
		tel.CPUPercent = cpu
		tel.MemoryBytes = rss
	} else if bot.Telemetry != nil {
		tel.CPUPercent = bot.Telemetry.CPUPercent
		tel.MemoryBytes = bot.Telemetry.MemoryBytes
	}
	return tel, nil
}

// StopAll stops every tracked bot concurrently.  Used at daemon shutdown.
func (e *Executor) StopAll(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.handles))
	for id := range e.handles {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := e.StopBot(ctx, id, 0)
			if errdefs.IsInvalidState(err) || errdefs.IsNotFound(err) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("executor: stop all: %w", err)
	}
	slog.Info("executor: all bots stopped", "count", len(ids))
	return nil
}

// onLocalExit is the local backend watcher's report of a reaped process.
// Requested stops are finalized by the stop path; everything else is an
// unexpected death.
func (e *Executor) onLocalExit(h *handle, exitCode int) {
	e.mu.Lock()
	requested := h.stopping
	e.mu.Unlock()
	if requested {
		return
	}

	reason := fmt.Sprintf("process exited with code %d", exitCode)
	e.reportDeath(h, reason)
}

// NotifyContainerFailed is wired to the engine's failure hook so container
// deaths reach the registry without waiting for the next monitor pass.
func (e *Executor) NotifyContainerFailed(c *engine.Container) {
	if c.BotID == "" {
		return
	}
	h := e.handleFor(c.BotID)
	if h == nil || h.containerID != c.ID {
		return
	}
	e.mu.Lock()
	requested := h.stopping
	e.mu.Unlock()
	if requested {
		return
	}

	reason := c.Reason
	if reason == "" {
		reason = "container failed"
	}
	e.reportDeath(h, reason)
}

// reportDeath marks the bot failed and forgets the handle.  A record that
// already settled terminal (deleted, or stopped by a racing stop) is left
// alone.
func (e *Executor) reportDeath(h *handle, reason string) {
	ctx := context.Background()
	if _, err := e.reg.MarkFailed(ctx, h.botID, reason); err != nil {
		if !errdefs.IsNotFound(err) && !errdefs.IsInvalidState(err) {
			slog.Error("executor: record bot death", "bot", h.botID, "err", err)
		}
		e.dropHandle(h)
		return
	}
	e.dropHandle(h)
	slog.Warn("executor: bot died", "bot", h.botID, "reason", reason)
}
