package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bdobrica/botan/common/atomicfile"
	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/proc"
)

const (
	defaultGraceTimeout   = 5 * time.Second
	defaultSampleInterval = 2 * time.Second
	defaultDebounceWindow = 6 * time.Second
	defaultSandboxUser    = "botan-sandbox"

	// lowDiskBytes is the free-space floor below which New logs a warning.
	lowDiskBytes = 100 << 20

	containerLogMaxSizeMB  = 10
	containerLogMaxBackups = 3
	containerLogMaxAgeDays = 7

	// descriptorFile is the persisted container descriptor inside each
	// container directory.
	descriptorFile = "config.json"
)

var (
	containersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botan_engine_containers",
		Help: "Number of containers by state.",
	}, []string{"state"})
	limitKillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botan_engine_limit_kills_total",
		Help: "Containers killed for breaching a resource limit.",
	}, []string{"resource"})
)

// Config configures an Engine.
type Config struct {
	// Root is the directory holding one subdirectory per container.
	Root string
	// GraceTimeout is how long a stopped container gets between SIGTERM and
	// SIGKILL.
	GraceTimeout time.Duration
	// SampleInterval is the resource sampler period.
	SampleInterval time.Duration
	// DebounceWindow is how long a limit breach must persist before the
	// container is killed, so short spikes survive.
	DebounceWindow time.Duration
	// SandboxUser is the account strict-isolation workloads run as.
	SandboxUser string
	// OnContainerFailed is called (without engine locks held) whenever a
	// container enters the failed state on its own: a crash, a spawn that
	// never came up, or a resource-limit kill.
	OnContainerFailed func(c *Container)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.GraceTimeout <= 0 {
		out.GraceTimeout = defaultGraceTimeout
	}
	if out.SampleInterval <= 0 {
		out.SampleInterval = defaultSampleInterval
	}
	if out.DebounceWindow <= 0 {
		out.DebounceWindow = defaultDebounceWindow
	}
	if out.SandboxUser == "" {
		out.SandboxUser = defaultSandboxUser
	}
	return out
}

// containerEntry pairs a descriptor with its runtime bookkeeping.  Per-entry
// locks serialize operations on one container without blocking the rest of
// the fleet.
type containerEntry struct {
	mu sync.Mutex
	c  *Container
	// waitDone is closed when the watcher goroutine has observed the process
	// exit.  Nil for containers recovered from a previous daemon run, whose
	// liveness is tracked by polling instead.
	waitDone chan struct{}
	// logw is the active log writer while this daemon owns the process.
	logw io.WriteCloser
	// breach tracks the first moment of each continuing limit breach.
	breach map[string]time.Time
}

// Engine manages the container set.
//
// Lock order: entry.mu may be held while acquiring e.mu, never the other way
// around.
type Engine struct {
	cfg    Config
	prober prober

	mu         sync.Mutex
	containers map[string]*containerEntry
	names      map[string]string
}

// New creates an Engine rooted at cfg.Root and recovers any containers found
// there from a previous run: still-alive processes are reattached, dead ones
// are marked failed.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Root == "" {
		return nil, errdefs.Validationf("engine root must not be empty")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, errdefs.Storage(fmt.Errorf("create engine root %s: %w", cfg.Root, err))
	}

	var fsStat unix.Statfs_t
	if err := unix.Statfs(cfg.Root, &fsStat); err == nil {
		free := int64(fsStat.Bavail) * fsStat.Bsize
		if free < lowDiskBytes {
			slog.Warn("engine: low disk space under root", "root", cfg.Root, "free_bytes", free)
		}
	}

	e := &Engine{
		cfg:        cfg,
		prober:     proc.NewProbe(),
		containers: make(map[string]*containerEntry),
		names:      make(map[string]string),
	}
	if err := e.recover(); err != nil {
		return nil, err
	}
	e.updateGauge()
	return e, nil
}

// recover loads container descriptors left by a previous daemon run.
func (e *Engine) recover() error {
	entries, err := os.ReadDir(e.cfg.Root)
	if err != nil {
		return errdefs.Storage(fmt.Errorf("scan engine root: %w", err))
	}
	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}
		dir := filepath.Join(e.cfg.Root, dirEnt.Name())
		atomicfile.CleanStale(dir)

		raw, err := os.ReadFile(filepath.Join(dir, descriptorFile))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return errdefs.Storage(fmt.Errorf("read descriptor in %s: %w", dir, err))
		}
		var c Container
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Warn("engine: skipping corrupt container descriptor", "dir", dir, "err", err)
			continue
		}
		if c.ID != dirEnt.Name() {
			slog.Warn("engine: skipping descriptor whose id does not match its directory", "dir", dir, "id", c.ID)
			continue
		}

		en := &containerEntry{c: &c, breach: make(map[string]time.Time)}
		if c.State == StateRunning {
			if e.prober.Alive(c.PID, c.StartTimeMS) {
				slog.Info("engine: reattached to running container", "container", c.Name, "pid", c.PID)
			} else {
				now := time.Now().UTC()
				c.FinishedAt = &now
				c.Paused = false
				if c.StopRequested {
					c.State = StateStopped
				} else {
					c.State = StateFailed
					c.Reason = "process exited while engine was down"
				}
				if err := e.persist(&c); err != nil {
					return err
				}
				slog.Warn("engine: container died while engine was down", "container", c.Name, "state", c.State)
			}
		}
		e.containers[c.ID] = en
		e.names[c.Name] = c.ID
	}
	slog.Info("engine: recovered state", "containers", len(e.containers))
	return nil
}

func (e *Engine) containerDir(id string) string {
	return filepath.Join(e.cfg.Root, id)
}

func (e *Engine) entry(id string) (*containerEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.containers[id]
	if !ok {
		return nil, errdefs.NotFoundf("container %q", id)
	}
	return en, nil
}

// Create validates the spec completely and only then materializes the
// container: directory, descriptor, state created.  Nothing is spawned.
func (e *Engine) Create(ctx context.Context, spec Spec) (*Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.FromContext(err)
	}
	if err := ValidateName(spec.Name); err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	if spec.Command == "" {
		return nil, errdefs.Validationf("container %q has no command", spec.Name)
	}
	isolation := spec.Isolation
	if isolation == "" {
		isolation = botspec.IsolationStandard
	}
	if err := e.checkIsolation(isolation); err != nil {
		return nil, err
	}
	if spec.CPULimitPercent < 0 {
		return nil, errdefs.Validationf("container %q: cpu limit must be >= 0", spec.Name)
	}
	if spec.MemoryLimitBytes < 0 {
		return nil, errdefs.Validationf("container %q: memory limit must be >= 0", spec.Name)
	}
	if err := validateVolumes(spec.Volumes); err != nil {
		return nil, err
	}

	c := &Container{
		ID:               uuid.NewString(),
		Name:             spec.Name,
		BotID:            spec.BotID,
		Command:          spec.Command,
		Args:             append([]string(nil), spec.Args...),
		Workdir:          spec.Workdir,
		Isolation:        isolation,
		CPULimitPercent:  spec.CPULimitPercent,
		MemoryLimitBytes: spec.MemoryLimitBytes,
		Volumes:          append([]botspec.VolumeMount(nil), spec.Volumes...),
		State:            StateCreated,
		CreatedAt:        time.Now().UTC(),
	}
	if spec.Env != nil {
		c.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			c.Env[k] = v
		}
	}

	e.mu.Lock()
	if otherID, taken := e.names[spec.Name]; taken {
		e.mu.Unlock()
		return nil, errdefs.AlreadyExistsf("container name %q (container %s)", spec.Name, shortID(otherID))
	}
	en := &containerEntry{c: c, breach: make(map[string]time.Time)}
	e.containers[c.ID] = en
	e.names[c.Name] = c.ID
	e.mu.Unlock()

	if err := os.MkdirAll(e.containerDir(c.ID), 0o755); err != nil {
		e.forget(c)
		return nil, errdefs.Storage(fmt.Errorf("create container dir: %w", err))
	}
	if err := e.persist(c); err != nil {
		e.forget(c)
		return nil, err
	}
	e.updateGauge()
	slog.Info("engine: container created", "container", c.Name, "id", shortID(c.ID), "isolation", string(c.Isolation))
	return c.Clone(), nil
}

// forget rolls a half-created container out of the maps.
func (e *Engine) forget(c *Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, c.ID)
	if e.names[c.Name] == c.ID {
		delete(e.names, c.Name)
	}
}

// Start spawns the container's process group.  Only freshly created
// containers can be started; a finished container is removed and recreated
// instead of reused.
func (e *Engine) Start(ctx context.Context, id string) error {
	en, err := e.entry(id)
	if err != nil {
		return err
	}

	// Deferred before the unlock so the gauge refresh runs without en.mu.
	defer e.updateGauge()
	en.mu.Lock()
	defer en.mu.Unlock()
	c := en.c
	if c.State != StateCreated {
		return errdefs.InvalidStatef("container %q is %s; start requires created", c.Name, c.State)
	}

	dir := e.containerDir(c.ID)
	rootfs := filepath.Join(dir, "rootfs")
	if c.Isolation != botspec.IsolationMinimal {
		if err := e.prepareRootfs(c, rootfs); err != nil {
			return e.failSpawnLocked(c, fmt.Errorf("prepare rootfs: %w", err))
		}
		if err := linkVolumes(rootfs, c.Volumes); err != nil {
			return e.failSpawnLocked(c, err)
		}
	}

	logw := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "logs", "container.log"),
		MaxSize:    containerLogMaxSizeMB,
		MaxBackups: containerLogMaxBackups,
		MaxAge:     containerLogMaxAgeDays,
	}

	cmd := exec.Command(c.Command, c.Args...)
	cmd.Stdout = logw
	cmd.Stderr = logw
	cmd.Env = buildEnv(c, rootfs)
	switch {
	case c.Workdir != "":
		cmd.Dir = c.Workdir
	case c.Isolation != botspec.IsolationMinimal:
		cmd.Dir = rootfs
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	if c.Isolation == botspec.IsolationStrict {
		cred, err := sandboxCredential(e.cfg.SandboxUser)
		if err != nil {
			logw.Close()
			return e.failSpawnLocked(c, err)
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		logw.Close()
		return e.failSpawnLocked(c, fmt.Errorf("spawn: %w", err))
	}

	now := time.Now().UTC()
	c.State = StateRunning
	c.Paused = false
	c.StopRequested = false
	c.PID = cmd.Process.Pid
	c.StartedAt = &now
	c.FinishedAt = nil
	c.ExitCode = nil
	c.Reason = ""
	if st, err := e.prober.StartTime(c.PID); err == nil {
		c.StartTimeMS = st
	} else {
		c.StartTimeMS = now.UnixMilli()
	}
	en.waitDone = make(chan struct{})
	en.logw = logw
	en.breach = make(map[string]time.Time)

	if err := e.persist(c); err != nil {
		// The process is already up; losing the descriptor write is logged
		// but does not abort the start.
		slog.Error("engine: persist descriptor after start", "container", c.Name, "err", err)
	}
	go e.watch(en, cmd)

	slog.Info("engine: container started", "container", c.Name, "id", shortID(c.ID), "pid", c.PID)
	return nil
}

// failSpawnLocked records a start that never produced a live process.  The
// caller holds en.mu.
func (e *Engine) failSpawnLocked(c *Container, cause error) error {
	now := time.Now().UTC()
	c.State = StateFailed
	c.Reason = cause.Error()
	c.FinishedAt = &now
	if perr := e.persist(c); perr != nil {
		slog.Error("engine: persist failed spawn", "container", c.Name, "err", perr)
	}
	return errdefs.Internalf("start container %q: %v", c.Name, cause)
}

// watch blocks on the process and finalizes the container when it exits.
func (e *Engine) watch(en *containerEntry, cmd *exec.Cmd) {
	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	en.mu.Lock()
	c := en.c
	var failed *Container
	if c.State == StateRunning {
		now := time.Now().UTC()
		c.FinishedAt = &now
		c.ExitCode = &exitCode
		c.Paused = false
		if c.StopRequested {
			c.State = StateStopped
		} else {
			c.State = StateFailed
			// A resource-limit kill has already written its reason.
			if c.Reason == "" {
				c.Reason = fmt.Sprintf("process exited with code %d", exitCode)
			}
			failed = c.Clone()
		}
		e.prober.Forget(c.PID)
		if err := e.persist(c); err != nil {
			slog.Error("engine: persist after exit", "container", c.Name, "err", err)
		}
	}
	logw := en.logw
	en.logw = nil
	done := en.waitDone
	en.mu.Unlock()

	if logw != nil {
		logw.Close()
	}
	e.updateGauge()
	if done != nil {
		close(done)
	}

	if failed != nil {
		slog.Warn("engine: container failed", "container", failed.Name, "reason", failed.Reason)
		if e.cfg.OnContainerFailed != nil {
			e.cfg.OnContainerFailed(failed)
		}
	}
}

// Stop terminates a running container: SIGTERM to the group, a grace period,
// then SIGKILL.  Stopping an already stopped container is a no-op.  A grace
// of zero uses the engine default.
func (e *Engine) Stop(ctx context.Context, id string, grace time.Duration) error {
	en, err := e.entry(id)
	if err != nil {
		return err
	}
	if grace <= 0 {
		grace = e.cfg.GraceTimeout
	}

	en.mu.Lock()
	c := en.c
	switch c.State {
	case StateStopped:
		en.mu.Unlock()
		return nil
	case StateRunning:
	default:
		st := c.State
		name := c.Name
		en.mu.Unlock()
		return errdefs.InvalidStatef("container %q is %s; nothing to stop", name, st)
	}
	c.StopRequested = true
	if err := e.persist(c); err != nil {
		slog.Error("engine: persist stop request", "container", c.Name, "err", err)
	}
	pid := c.PID
	name := c.Name
	done := en.waitDone
	en.mu.Unlock()

	gone := proc.TerminateGroup(pid, grace)

	if done != nil {
		select {
		case <-done:
			return nil
		case <-time.After(5 * time.Second):
			return errdefs.Timeoutf("container %q did not finish exiting", name)
		case <-ctx.Done():
			return errdefs.FromContext(ctx.Err())
		}
	}

	// Recovered container without a watcher: finalize by poll.
	if !gone {
		return errdefs.Timeoutf("container %q survived SIGKILL", name)
	}
	e.finalizePolled(en)
	return nil
}

// finalizePolled moves a running container whose process is known to be gone
// into its terminal state.  Used for containers without a watcher goroutine.
func (e *Engine) finalizePolled(en *containerEntry) {
	en.mu.Lock()
	c := en.c
	if c.State != StateRunning {
		en.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	c.FinishedAt = &now
	c.Paused = false
	if c.StopRequested {
		c.State = StateStopped
	} else {
		c.State = StateFailed
		if c.Reason == "" {
			c.Reason = "process exited (observed by poll)"
		}
	}
	e.prober.Forget(c.PID)
	if err := e.persist(c); err != nil {
		slog.Error("engine: persist after polled exit", "container", c.Name, "err", err)
	}
	var failed *Container
	if c.State == StateFailed {
		failed = c.Clone()
	}
	en.mu.Unlock()

	e.updateGauge()
	if failed != nil {
		slog.Warn("engine: container failed", "container", failed.Name, "reason", failed.Reason)
		if e.cfg.OnContainerFailed != nil {
			e.cfg.OnContainerFailed(failed)
		}
	}
}

// Pause suspends a running container's process group with SIGSTOP.  Paused
// containers keep their running state but are skipped by the sampler.
func (e *Engine) Pause(ctx context.Context, id string) error {
	en, err := e.entry(id)
	if err != nil {
		return err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	c := en.c
	if c.State != StateRunning {
		return errdefs.InvalidStatef("container %q is %s; pause requires running", c.Name, c.State)
	}
	if c.Paused {
		return nil
	}
	proc.SignalGroup(c.PID, syscall.SIGSTOP)
	c.Paused = true
	en.breach = make(map[string]time.Time)
	if err := e.persist(c); err != nil {
		slog.Error("engine: persist pause", "container", c.Name, "err", err)
	}
	slog.Info("engine: container paused", "container", c.Name)
	return nil
}

// Unpause resumes a paused container with SIGCONT.
func (e *Engine) Unpause(ctx context.Context, id string) error {
	en, err := e.entry(id)
	if err != nil {
		return err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	c := en.c
	if c.State != StateRunning || !c.Paused {
		return errdefs.InvalidStatef("container %q is not paused", c.Name)
	}
	proc.SignalGroup(c.PID, syscall.SIGCONT)
	c.Paused = false
	if err := e.persist(c); err != nil {
		slog.Error("engine: persist unpause", "container", c.Name, "err", err)
	}
	slog.Info("engine: container resumed", "container", c.Name)
	return nil
}

// Remove deletes a container that is not running, including its on-disk
// directory.
func (e *Engine) Remove(ctx context.Context, id string) error {
	en, err := e.entry(id)
	if err != nil {
		return err
	}

	defer e.updateGauge()
	en.mu.Lock()
	defer en.mu.Unlock()
	c := en.c
	if c.State == StateRunning {
		return errdefs.InvalidStatef("container %q is running; stop it before removing", c.Name)
	}

	if err := os.RemoveAll(e.containerDir(c.ID)); err != nil {
		return errdefs.Storage(fmt.Errorf("remove container dir: %w", err))
	}

	e.mu.Lock()
	delete(e.containers, c.ID)
	if e.names[c.Name] == c.ID {
		delete(e.names, c.Name)
	}
	e.mu.Unlock()

	slog.Info("engine: container removed", "container", c.Name, "id", shortID(c.ID))
	return nil
}

// Inspect returns a copy of the container descriptor.
func (e *Engine) Inspect(ctx context.Context, id string) (*Container, error) {
	en, err := e.entry(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.c.Clone(), nil
}

// List returns copies of all container descriptors, oldest first.
func (e *Engine) List(ctx context.Context) ([]*Container, error) {
	e.mu.Lock()
	entries := make([]*containerEntry, 0, len(e.containers))
	for _, en := range e.containers {
		entries = append(entries, en)
	}
	e.mu.Unlock()

	out := make([]*Container, 0, len(entries))
	for _, en := range entries {
		en.mu.Lock()
		out = append(out, en.c.Clone())
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Stats samples a running container's resource usage on demand.
func (e *Engine) Stats(ctx context.Context, id string) (*Stats, error) {
	en, err := e.entry(id)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	c := en.c
	if c.State != StateRunning {
		st := c.State
		name := c.Name
		en.mu.Unlock()
		return nil, errdefs.InvalidStatef("container %q is %s; stats require running", name, st)
	}
	stats := &Stats{
		ContainerID:      c.ID,
		Name:             c.Name,
		State:            c.State,
		Paused:           c.Paused,
		PID:              c.PID,
		CPULimitPercent:  c.CPULimitPercent,
		MemoryLimitBytes: c.MemoryLimitBytes,
		SampledAt:        time.Now().UTC(),
	}
	if c.StartedAt != nil {
		stats.Uptime = stats.SampledAt.Sub(*c.StartedAt)
	}
	pid := c.PID
	en.mu.Unlock()

	cpu, rss, err := e.prober.Sample(pid)
	if err != nil {
		return nil, errdefs.Internalf("sample container %q: %v", stats.Name, err)
	}
	stats.CPUPercent = cpu
	stats.MemoryBytes = rss
	return stats, nil
}

// Logs returns up to tailBytes from the end of the container's log file.  A
// tailBytes of zero returns the default 64KiB window.
func (e *Engine) Logs(ctx context.Context, id string, tailBytes int64) ([]byte, error) {
	en, err := e.entry(id)
	if err != nil {
		return nil, err
	}
	en.mu.Lock()
	path := filepath.Join(e.containerDir(en.c.ID), "logs", "container.log")
	name := en.c.Name
	en.mu.Unlock()

	const defaultTail = 64 << 10
	const maxTail = 1 << 20
	switch {
	case tailBytes <= 0:
		tailBytes = defaultTail
	case tailBytes > maxTail:
		tailBytes = maxTail
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.NotFoundf("container %q has no logs yet", name)
	}
	if err != nil {
		return nil, errdefs.Storage(fmt.Errorf("open logs for %q: %w", name, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errdefs.Storage(fmt.Errorf("stat logs for %q: %w", name, err))
	}
	if info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			return nil, errdefs.Storage(fmt.Errorf("seek logs for %q: %w", name, err))
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errdefs.Storage(fmt.Errorf("read logs for %q: %w", name, err))
	}
	return data, nil
}

// Shutdown stops every running container concurrently and waits for them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	entries := make(map[string]*containerEntry, len(e.containers))
	for id, en := range e.containers {
		entries[id] = en
	}
	e.mu.Unlock()

	var ids []string
	for id, en := range entries {
		en.mu.Lock()
		if en.c.State == StateRunning {
			ids = append(ids, id)
		}
		en.mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := e.Stop(ctx, id, 0)
			// A container that exited between the snapshot and the stop is
			// fine.
			if errdefs.IsInvalidState(err) || errdefs.IsNotFound(err) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: shutdown: %w", err)
	}
	slog.Info("engine: shutdown complete", "stopped", len(ids))
	return nil
}

// persist writes the container descriptor atomically.
func (e *Engine) persist(c *Container) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errdefs.Storage(fmt.Errorf("encode container %s: %w", shortID(c.ID), err))
	}
	if err := atomicfile.WriteFile(filepath.Join(e.containerDir(c.ID), descriptorFile), data, 0o600); err != nil {
		return errdefs.Storage(err)
	}
	return nil
}

// updateGauge republishes per-state container counts.
func (e *Engine) updateGauge() {
	e.mu.Lock()
	entries := make([]*containerEntry, 0, len(e.containers))
	for _, en := range e.containers {
		entries = append(entries, en)
	}
	e.mu.Unlock()

	counts := make(map[State]int)
	for _, en := range entries {
		en.mu.Lock()
		counts[en.c.State]++
		en.mu.Unlock()
	}
	containersGauge.Reset()
	for state, n := range counts {
		containersGauge.WithLabelValues(string(state)).Set(float64(n))
	}
}

// shortID trims a container ID for log lines.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
