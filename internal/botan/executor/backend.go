package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/blueprints"
	"github.com/bdobrica/botan/internal/botan/engine"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/proc"
	"github.com/bdobrica/botan/internal/botan/registry"
)

const (
	handlePrefixContainer = "container:"
	handlePrefixProcess   = "process:"

	botLogMaxSizeMB  = 10
	botLogMaxBackups = 3
	botLogMaxAgeDays = 7
)

// handle is the runtime realization of one bot.  Fields written after
// creation (paused, stopping) are guarded by the Executor mutex.
type handle struct {
	botID   string
	backend botspec.Backend

	// containerID is set for the isolated-container backend.
	containerID string

	// pid and startMS identify a local process.  done is closed once the
	// watcher goroutine has reaped it; re-adopted processes have no watcher
	// and a nil done, and are poll-checked instead.
	pid     int
	startMS int64
	done    chan struct{}

	startedAt time.Time
	paused    bool
	stopping  bool
}

// id renders the persisted form used in Telemetry.HandleID.
func (h *handle) id() string {
	if h.backend == botspec.BackendIsolatedContainer {
		return handlePrefixContainer + h.containerID
	}
	return fmt.Sprintf("%s%d:%d", handlePrefixProcess, h.pid, h.startMS)
}

// parseHandleID reverses handle.id.  It reports ok=false for anything it
// does not recognize, including the empty string.
func parseHandleID(s string) (containerID string, pid int, startMS int64, ok bool) {
	switch {
	case strings.HasPrefix(s, handlePrefixContainer):
		containerID = strings.TrimPrefix(s, handlePrefixContainer)
		return containerID, 0, 0, containerID != ""
	case strings.HasPrefix(s, handlePrefixProcess):
		rest := strings.TrimPrefix(s, handlePrefixProcess)
		pidStr, msStr, found := strings.Cut(rest, ":")
		if !found {
			return "", 0, 0, false
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			return "", 0, 0, false
		}
		ms, err := strconv.ParseInt(msStr, 10, 64)
		if err != nil {
			return "", 0, 0, false
		}
		return "", pid, ms, true
	}
	return "", 0, 0, false
}

// backend realizes bots on one execution substrate.
type backend interface {
	start(ctx context.Context, bot *registry.Bot, m *blueprints.Manifest) (*handle, error)
	// stop tears the workload down gracefully within grace, escalating to a
	// forced kill.  It only errors when the workload could not be killed.
	stop(ctx context.Context, h *handle, grace time.Duration) error
	pause(ctx context.Context, h *handle) error
	resume(ctx context.Context, h *handle) error
	alive(h *handle) bool
	sample(h *handle) (cpuPercent float64, rssBytes int64, err error)
}

// mergedEnv layers the manifest env under the deploy env and stamps the
// bot's identity on top.
func mergedEnv(bot *registry.Bot, m *blueprints.Manifest) map[string]string {
	env := make(map[string]string, len(m.Env)+len(bot.Deploy.Env)+3)
	for k, v := range m.Env {
		env[k] = v
	}
	for k, v := range bot.Deploy.Env {
		env[k] = v
	}
	env["BOTAN_BOT_ID"] = bot.ID
	env["BOTAN_BOT_NAME"] = bot.Name
	env["BOTAN_BOT_ROLE"] = bot.Role
	return env
}

// localBackend spawns blueprint commands directly as child processes in
// their own process groups.  No isolation beyond the group; the host
// environment is inherited.
type localBackend struct {
	stateDir string
	probe    *proc.Probe
	// onExit is called by the watcher goroutine when a spawned process is
	// reaped.
	onExit func(h *handle, exitCode int)
}

func (lb *localBackend) start(ctx context.Context, bot *registry.Bot, m *blueprints.Manifest) (*handle, error) {
	dir := filepath.Join(lb.stateDir, bot.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Storage(fmt.Errorf("create bot dir: %w", err))
	}
	logw := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "bot.log"),
		MaxSize:    botLogMaxSizeMB,
		MaxBackups: botLogMaxBackups,
		MaxAge:     botLogMaxAgeDays,
	}

	cmd := exec.Command(m.Command, m.Args...)
	cmd.Stdout = logw
	cmd.Stderr = logw
	cmd.Dir = m.Workdir
	if cmd.Dir == "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	for k, v := range mergedEnv(bot, m) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logw.Close()
		return nil, errdefs.Internalf("spawn bot %q: %v", bot.ID, err)
	}

	now := time.Now().UTC()
	h := &handle{
		botID:     bot.ID,
		backend:   botspec.BackendLocalProcess,
		pid:       cmd.Process.Pid,
		startedAt: now,
		done:      make(chan struct{}),
	}
	if ms, err := lb.probe.StartTime(h.pid); err == nil {
		h.startMS = ms
	} else {
		h.startMS = now.UnixMilli()
	}
	go lb.watch(h, cmd, logw)
	return h, nil
}

// watch reaps the child and reports the exit upstream.
func (lb *localBackend) watch(h *handle, cmd *exec.Cmd, logw io.Closer) {
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
	logw.Close()
	lb.probe.Forget(h.pid)
	if lb.onExit != nil {
		lb.onExit(h, exitCode)
	}
	close(h.done)
}

func (lb *localBackend) stop(ctx context.Context, h *handle, grace time.Duration) error {
	gone := proc.TerminateGroup(h.pid, grace)
	if h.done != nil {
		select {
		case <-h.done:
			return nil
		case <-time.After(5 * time.Second):
			return errdefs.Timeoutf("bot %q process %d did not finish exiting", h.botID, h.pid)
		case <-ctx.Done():
			return errdefs.FromContext(ctx.Err())
		}
	}
	if !gone {
		return errdefs.Timeoutf("bot %q process %d survived SIGKILL", h.botID, h.pid)
	}
	lb.probe.Forget(h.pid)
	return nil
}

func (lb *localBackend) pause(ctx context.Context, h *handle) error {
	proc.SignalGroup(h.pid, syscall.SIGSTOP)
	return nil
}

func (lb *localBackend) resume(ctx context.Context, h *handle) error {
	proc.SignalGroup(h.pid, syscall.SIGCONT)
	return nil
}

func (lb *localBackend) alive(h *handle) bool {
	if h.done != nil {
		select {
		case <-h.done:
			return false
		default:
			return true
		}
	}
	return lb.probe.Alive(h.pid, h.startMS)
}

func (lb *localBackend) sample(h *handle) (float64, int64, error) {
	return lb.probe.Sample(h.pid)
}

// containerBackend drives the engine.  One bot maps to one container named
// after it; restarts remove the finished container and create a fresh one.
type containerBackend struct {
	eng *engine.Engine
}

// containerName is the engine-side name for a bot's container.
func containerName(botID string) string {
	return "bot-" + botID
}

func (cb *containerBackend) start(ctx context.Context, bot *registry.Bot, m *blueprints.Manifest) (*handle, error) {
	if err := cb.removeStale(ctx, bot.ID); err != nil {
		return nil, err
	}

	spec := engine.Spec{
		Name:             containerName(bot.ID),
		BotID:            bot.ID,
		Command:          m.Command,
		Args:             m.Args,
		Env:              mergedEnv(bot, m),
		Workdir:          m.Workdir,
		Isolation:        bot.Deploy.EffectiveIsolation(),
		CPULimitPercent:  bot.Deploy.CPU.Limit * 100,
		MemoryLimitBytes: int64(bot.Deploy.Memory.Limit),
		Volumes:          bot.Deploy.Volumes,
	}
	c, err := cb.eng.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := cb.eng.Start(ctx, c.ID); err != nil {
		return nil, err
	}
	return &handle{
		botID:       bot.ID,
		backend:     botspec.BackendIsolatedContainer,
		containerID: c.ID,
		startedAt:   time.Now().UTC(),
	}, nil
}

// removeStale clears a finished container left over from the bot's previous
// episode so the name is free again.
func (cb *containerBackend) removeStale(ctx context.Context, botID string) error {
	containers, err := cb.eng.List(ctx)
	if err != nil {
		return err
	}
	name := containerName(botID)
	for _, c := range containers {
		if c.Name != name {
			continue
		}
		if c.State == engine.StateRunning {
			return errdefs.AlreadyExistsf("bot %q already has a running container %s", botID, c.ID)
		}
		if err := cb.eng.Remove(ctx, c.ID); err != nil {
			return fmt.Errorf("executor: clear stale container for bot %q: %w", botID, err)
		}
		slog.Debug("executor: removed stale container", "bot", botID, "container", c.ID)
	}
	return nil
}

func (cb *containerBackend) stop(ctx context.Context, h *handle, grace time.Duration) error {
	if err := cb.eng.Stop(ctx, h.containerID, grace); err != nil && !errdefs.IsInvalidState(err) && !errdefs.IsNotFound(err) {
		return err
	}
	// The container served one episode; clear it so a restart can reuse the
	// name.  A failed removal is retried by the next start's stale sweep.
	if err := cb.eng.Remove(ctx, h.containerID); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("executor: remove stopped container", "container", h.containerID, "err", err)
	}
	return nil
}

func (cb *containerBackend) pause(ctx context.Context, h *handle) error {
	return cb.eng.Pause(ctx, h.containerID)
}

func (cb *containerBackend) resume(ctx context.Context, h *handle) error {
	return cb.eng.Unpause(ctx, h.containerID)
}

func (cb *containerBackend) alive(h *handle) bool {
	c, err := cb.eng.Inspect(context.Background(), h.containerID)
	if err != nil {
		return false
	}
	return c.State == engine.StateRunning
}

func (cb *containerBackend) sample(h *handle) (float64, int64, error) {
	stats, err := cb.eng.Stats(context.Background(), h.containerID)
	if err != nil {
		return 0, 0, err
	}
	return stats.CPUPercent, stats.MemoryBytes, nil
}
