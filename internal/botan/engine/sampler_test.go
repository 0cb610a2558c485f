package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
)

// fakeProber feeds the sampler fixed readings so enforcement can be driven
// without tuning real workloads.
type fakeProber struct {
	alive bool
	cpu   float64
	rss   int64
}

func (f *fakeProber) Alive(pid int, startTimeMS int64) bool { return f.alive }
func (f *fakeProber) StartTime(pid int) (int64, error)      { return time.Now().UnixMilli(), nil }
func (f *fakeProber) Sample(pid int) (float64, int64, error) {
	return f.cpu, f.rss, nil
}
func (f *fakeProber) Forget(pid int) {}

func newSamplerEngine(t *testing.T, debounce time.Duration) *Engine {
	t.Helper()
	e, err := New(Config{
		Root:           t.TempDir(),
		GraceTimeout:   2 * time.Second,
		DebounceWindow: debounce,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func startSleeper(t *testing.T, e *Engine, spec Spec) *Container {
	t.Helper()
	ctx := context.Background()
	c, err := e.Create(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Start(ctx, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { e.Stop(ctx, c.ID, 0) })
	return c
}

func waitFailed(t *testing.T, e *Engine, id string) *Container {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := e.Inspect(context.Background(), id)
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if c.State == StateFailed {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("container never failed")
	return nil
}

func TestEnforceKillsMemoryBreachAfterDebounce(t *testing.T) {
	e := newSamplerEngine(t, 50*time.Millisecond)
	c := startSleeper(t, e, Spec{
		Name:             "mem-hog",
		Command:          "/bin/sh",
		Args:             []string{"-c", "sleep 60"},
		Isolation:        botspec.IsolationStandard,
		MemoryLimitBytes: 100 << 20,
	})

	fake := &fakeProber{alive: true, rss: 200 << 20}
	e.prober = fake

	// First sighting starts the debounce clock; nothing dies yet.
	e.sampleOnce()
	got, err := e.Inspect(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("state after first breach = %s, want running", got.State)
	}

	time.Sleep(70 * time.Millisecond)
	e.sampleOnce()

	failed := waitFailed(t, e, c.ID)
	if !strings.Contains(failed.Reason, "memory") {
		t.Fatalf("kill reason = %q, want memory breach", failed.Reason)
	}
}

func TestEnforceKillsCPUBreachAfterDebounce(t *testing.T) {
	e := newSamplerEngine(t, 50*time.Millisecond)
	c := startSleeper(t, e, Spec{
		Name:            "cpu-hog",
		Command:         "/bin/sh",
		Args:            []string{"-c", "sleep 60"},
		Isolation:       botspec.IsolationStandard,
		CPULimitPercent: 50,
	})

	e.prober = &fakeProber{alive: true, cpu: 180}

	e.sampleOnce()
	time.Sleep(70 * time.Millisecond)
	e.sampleOnce()

	failed := waitFailed(t, e, c.ID)
	if !strings.Contains(failed.Reason, "cpu") {
		t.Fatalf("kill reason = %q, want cpu breach", failed.Reason)
	}
}

func TestEnforceSparesShortSpikes(t *testing.T) {
	e := newSamplerEngine(t, 50*time.Millisecond)
	c := startSleeper(t, e, Spec{
		Name:             "spiky",
		Command:          "/bin/sh",
		Args:             []string{"-c", "sleep 60"},
		Isolation:        botspec.IsolationStandard,
		MemoryLimitBytes: 100 << 20,
	})

	fake := &fakeProber{alive: true, rss: 200 << 20}
	e.prober = fake

	// Breach, recover, then breach again after the window would have
	// elapsed.  The recovery resets the clock, so nothing is killed.
	e.sampleOnce()
	fake.rss = 10 << 20
	e.sampleOnce()
	time.Sleep(70 * time.Millisecond)
	fake.rss = 200 << 20
	e.sampleOnce()

	got, err := e.Inspect(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("state after spike = %s, want running (reason %q)", got.State, got.Reason)
	}
}

func TestEnforceSkipsMinimalIsolation(t *testing.T) {
	e := newSamplerEngine(t, 50*time.Millisecond)
	c := startSleeper(t, e, Spec{
		Name:             "unfenced",
		Command:          "/bin/sh",
		Args:             []string{"-c", "sleep 60"},
		Isolation:        botspec.IsolationMinimal,
		MemoryLimitBytes: 1,
	})

	e.prober = &fakeProber{alive: true, rss: 200 << 20}

	e.sampleOnce()
	time.Sleep(70 * time.Millisecond)
	e.sampleOnce()
	time.Sleep(70 * time.Millisecond)
	e.sampleOnce()

	got, err := e.Inspect(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("minimal-isolation container was killed: state %s reason %q", got.State, got.Reason)
	}
}

func TestEnforceSkipsPausedContainers(t *testing.T) {
	e := newSamplerEngine(t, 50*time.Millisecond)
	ctx := context.Background()
	c := startSleeper(t, e, Spec{
		Name:             "suspended",
		Command:          "/bin/sh",
		Args:             []string{"-c", "sleep 60"},
		Isolation:        botspec.IsolationStandard,
		MemoryLimitBytes: 100 << 20,
	})

	fake := &fakeProber{alive: true, rss: 200 << 20}
	e.prober = fake

	// Start the clock, then pause. The pause clears the breach record, so
	// the kill never comes due while suspended.
	e.sampleOnce()
	if err := e.Pause(ctx, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	time.Sleep(70 * time.Millisecond)
	e.sampleOnce()
	e.sampleOnce()

	got, err := e.Inspect(ctx, c.ID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if got.State != StateRunning {
		t.Fatalf("paused container was killed: state %s reason %q", got.State, got.Reason)
	}
	if err := e.Unpause(ctx, c.ID); err != nil {
		t.Fatalf("unpause: %v", err)
	}
}

func TestSamplerFinalizesRecoveredContainerDeath(t *testing.T) {
	failures := make(chan string, 1)
	e, err := New(Config{
		Root: t.TempDir(),
		OnContainerFailed: func(c *Container) {
			failures <- c.Name
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.prober = &fakeProber{alive: false}

	// Hand-build an entry the way recovery produces it: running state, no
	// watcher goroutine.
	now := time.Now().UTC()
	id := "recovered-0001"
	if err := os.MkdirAll(filepath.Join(e.cfg.Root, id), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	e.containers[id] = &containerEntry{
		c: &Container{
			ID:          id,
			Name:        "recovered-bot",
			Command:     "/bin/sh",
			Isolation:   botspec.IsolationMinimal,
			State:       StateRunning,
			PID:         4242,
			StartTimeMS: now.UnixMilli(),
			CreatedAt:   now,
			StartedAt:   &now,
		},
		breach: make(map[string]time.Time),
	}
	e.names["recovered-bot"] = id

	e.sampleOnce()

	got, err := e.Inspect(context.Background(), id)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if !strings.Contains(got.Reason, "observed by poll") {
		t.Fatalf("reason = %q", got.Reason)
	}

	select {
	case name := <-failures:
		if name != "recovered-bot" {
			t.Fatalf("failure hook saw %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("failure hook never fired")
	}

	// The terminal state reached the descriptor on disk.
	raw, err := os.ReadFile(filepath.Join(e.cfg.Root, id, descriptorFile))
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	if !strings.Contains(string(raw), `"failed"`) {
		t.Fatalf("descriptor does not record the failure: %s", raw)
	}
}
