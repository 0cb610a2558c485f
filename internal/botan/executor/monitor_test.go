package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/registry"
)

// newBareExecutor builds an executor with no engine or catalog; enough for
// exercising the monitor paths against hand-built handles.
func newBareExecutor(t *testing.T) (*Executor, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.json"), registry.Options{})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	e, err := New(Config{StateDir: filepath.Join(dir, "bots")}, reg, nil, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return e, reg
}

func runningBot(t *testing.T, reg *registry.Registry, name string) *registry.Bot {
	t.Helper()
	ctx := context.Background()
	bot, err := reg.Add(ctx, &registry.Bot{
		Name:      name,
		Blueprint: "/bin/true",
		Deploy:    botspec.Deploy{Backend: botspec.BackendLocalProcess},
	})
	if err != nil {
		t.Fatalf("add bot: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, bot.ID, registry.StatusDeploying); err != nil {
		t.Fatalf("force deploying: %v", err)
	}
	if _, err := reg.UpdateStatus(ctx, bot.ID, registry.StatusRunning); err != nil {
		t.Fatalf("force running: %v", err)
	}
	return bot
}

func TestMonitorHandleReportsVanishedProcess(t *testing.T) {
	e, reg := newBareExecutor(t)
	ctx := context.Background()

	bot := runningBot(t, reg, "vanisher")
	h := &handle{
		botID:     bot.ID,
		backend:   botspec.BackendLocalProcess,
		pid:       999999999,
		startMS:   1,
		startedAt: time.Now().UTC(),
	}
	e.putHandle(h)

	e.monitorHandle(ctx, h)

	got, err := reg.Get(ctx, bot.ID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if got.Status != registry.StatusFailed {
		t.Fatalf("bot = %s after vanished process, want failed", got.Status)
	}
	if got.LastError != "process exited unexpectedly" {
		t.Errorf("last_error = %q", got.LastError)
	}
	if e.handleFor(bot.ID) != nil {
		t.Errorf("dead handle still tracked")
	}
}

func TestMonitorHandleLeavesRequestedStopsAlone(t *testing.T) {
	e, reg := newBareExecutor(t)
	ctx := context.Background()

	bot := runningBot(t, reg, "stopper")
	h := &handle{
		botID:     bot.ID,
		backend:   botspec.BackendLocalProcess,
		pid:       999999999,
		startMS:   1,
		startedAt: time.Now().UTC(),
		stopping:  true,
	}
	e.putHandle(h)

	e.monitorHandle(ctx, h)

	got, _ := reg.Get(ctx, bot.ID)
	if got.Status != registry.StatusRunning {
		t.Errorf("monitor interfered with a requested stop: %s", got.Status)
	}
	if e.handleFor(bot.ID) == nil {
		t.Errorf("monitor dropped a handle the stop path still owns")
	}
}

func TestMonitorHandleDropsDeletedBots(t *testing.T) {
	e, _ := newBareExecutor(t)
	ctx := context.Background()

	h := &handle{
		botID:     "never-registered",
		backend:   botspec.BackendLocalProcess,
		pid:       999999999,
		startMS:   1,
		startedAt: time.Now().UTC(),
	}
	e.putHandle(h)

	e.monitorHandle(ctx, h)

	if e.handleFor("never-registered") != nil {
		t.Errorf("handle for a deleted bot survived the monitor pass")
	}
}

func TestMonitorHandleSkipsPausedSampling(t *testing.T) {
	e, reg := newBareExecutor(t)
	ctx := context.Background()

	bot := runningBot(t, reg, "napper")
	// Borrow the test's own pid as a certainly-alive process.
	self := os.Getpid()
	startMS, err := e.local.probe.StartTime(self)
	if err != nil {
		t.Fatalf("own start time: %v", err)
	}
	h := &handle{
		botID:     bot.ID,
		backend:   botspec.BackendLocalProcess,
		pid:       self,
		startMS:   startMS,
		startedAt: time.Now().UTC(),
		paused:    true,
	}
	e.putHandle(h)

	e.monitorHandle(ctx, h)
	got, _ := reg.Get(ctx, bot.ID)
	if got.Telemetry != nil {
		t.Errorf("paused bot got a telemetry sample: %+v", got.Telemetry)
	}

	// Resumed, the same handle produces samples again.
	e.mu.Lock()
	h.paused = false
	e.mu.Unlock()
	e.monitorHandle(ctx, h)
	got, _ = reg.Get(ctx, bot.ID)
	if got.Telemetry == nil || got.Telemetry.MemoryBytes <= 0 {
		t.Errorf("resumed bot produced no sample: %+v", got.Telemetry)
	}
}
