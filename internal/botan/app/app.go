// Package app assembles and runs the Botan daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/botan/common/crypto"
	"github.com/bdobrica/botan/internal/botan/blueprints"
	"github.com/bdobrica/botan/internal/botan/engine"
	"github.com/bdobrica/botan/internal/botan/executor"
	"github.com/bdobrica/botan/internal/botan/fleet"
	"github.com/bdobrica/botan/internal/botan/registry"
	"github.com/bdobrica/botan/internal/botan/store"
	"github.com/bdobrica/botan/internal/botan/supervisor"
)

// Config holds daemon configuration.  Zero durations and counts defer to the
// owning component's defaults.
type Config struct {
	// DataDir is the root directory for all daemon state: the registry
	// document, container trees, per-bot state directories and the incident
	// journal. Required.
	DataDir string

	// BlueprintsDir is the blueprint catalog root. When empty no catalog is
	// configured and bots must reference executable paths directly.
	BlueprintsDir string

	// SpecsDir, when non-empty, is scanned once at startup; every *.yaml or
	// *.yml file in it is registered as a bot spec. Specs already registered
	// are skipped, specs marked autostart are started.
	SpecsDir string

	// MasterKeyFile optionally points at a hex-encoded 32-byte key. When set,
	// deploy env values are encrypted at rest in the registry document.
	MasterKeyFile string

	// HTTPAddr is the TCP address for the optional health/status/metrics
	// listener (e.g. ":8080"). When empty the listener is disabled.
	HTTPAddr string

	// SandboxUser is the account strict-isolation containers run as.
	SandboxUser string

	// StopWorkloadsOnExit stops every bot before the daemon exits. The
	// default leaves workloads running so the next start re-adopts them.
	StopWorkloadsOnExit bool

	// GraceTimeout is how long a stopping workload gets between SIGTERM and
	// SIGKILL, for both backends.
	GraceTimeout time.Duration
	// SampleInterval is the engine resource sampler period.
	SampleInterval time.Duration
	// DebounceWindow is how long a resource breach must persist before the
	// engine kills the container.
	DebounceWindow time.Duration
	// MonitorInterval is the executor liveness/telemetry cadence.
	MonitorInterval time.Duration

	// SupervisorTick is the remediation loop period.
	SupervisorTick time.Duration
	// MaxRetries bounds automatic restarts per failure streak.
	MaxRetries int
	// BackoffBase and BackoffCap shape the restart backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// StabilityWindow is how long a bot must stay healthy before its restart
	// budget is forgiven.
	StabilityWindow time.Duration

	// AlertFunc, when set, is forwarded to the supervisor and fires once per
	// bot whose restart budget runs out.
	AlertFunc func(ctx context.Context, botID, message string)
}

// App is the assembled Botan daemon.
type App struct {
	config       *Config
	registry     *registry.Registry
	journal      *store.Store
	engine       *engine.Engine
	executor     *executor.Executor
	supervisor   *supervisor.Supervisor
	fleet        *fleet.Manager
	healthServer *HealthServer
}

// New wires all daemon components. It fails fast on anything that would make
// the daemon useless: a missing data dir, an unreadable master key, corrupt
// persisted state.
func New(config *Config) (*App, error) {
	if config.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	var masterKey []byte
	if config.MasterKeyFile != "" {
		key, err := crypto.LoadMasterKeyFile(config.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load master key: %w", err)
		}
		masterKey = key
		slog.Info("env encryption at rest enabled", "key_file", config.MasterKeyFile)
	}

	slog.Info("opening registry", "path", filepath.Join(config.DataDir, "registry.json"))
	reg, err := registry.Open(filepath.Join(config.DataDir, "registry.json"), registry.Options{
		MasterKey: masterKey,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	journal, err := store.New(filepath.Join(config.DataDir, "incidents.db"))
	if err != nil {
		return nil, fmt.Errorf("open incident journal: %w", err)
	}

	catalog := blueprints.NewCatalog(nil)
	if config.BlueprintsDir != "" {
		catalog = blueprints.NewCatalog(os.DirFS(config.BlueprintsDir))
		if names, err := catalog.List(); err != nil {
			slog.Warn("blueprint catalog unreadable; only executable paths will resolve",
				"dir", config.BlueprintsDir, "err", err)
		} else {
			slog.Info("blueprint catalog ready", "dir", config.BlueprintsDir, "entries", len(names))
		}
	} else {
		slog.Info("no blueprint catalog configured; bots must reference executable paths")
	}

	// The failure hook closes over the executor assigned below. The engine
	// cannot fire it before a container exists, and containers are created
	// only through the executor.
	var ex *executor.Executor
	eng, err := engine.New(engine.Config{
		Root:           filepath.Join(config.DataDir, "containers"),
		GraceTimeout:   config.GraceTimeout,
		SampleInterval: config.SampleInterval,
		DebounceWindow: config.DebounceWindow,
		SandboxUser:    config.SandboxUser,
		OnContainerFailed: func(c *engine.Container) {
			if ex != nil {
				ex.NotifyContainerFailed(c)
			}
		},
	})
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("initialize engine: %w", err)
	}

	ex, err = executor.New(executor.Config{
		StateDir:        filepath.Join(config.DataDir, "bots"),
		GraceTimeout:    config.GraceTimeout,
		MonitorInterval: config.MonitorInterval,
	}, reg, eng, catalog)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("initialize executor: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		TickInterval:    config.SupervisorTick,
		MaxRetries:      config.MaxRetries,
		BackoffBase:     config.BackoffBase,
		BackoffCap:      config.BackoffCap,
		StabilityWindow: config.StabilityWindow,
		AlertFunc:       config.AlertFunc,
	}, reg, ex, journal)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("initialize supervisor: %w", err)
	}

	mgr, err := fleet.New(reg, ex, sup, eng)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("initialize fleet manager: %w", err)
	}

	var healthServer *HealthServer
	if config.HTTPAddr != "" {
		healthServer = NewHealthServer(config.HTTPAddr, mgr)
		slog.Info("health server configured", "addr", config.HTTPAddr)
	}

	return &App{
		config:       config,
		registry:     reg,
		journal:      journal,
		engine:       eng,
		executor:     ex,
		supervisor:   sup,
		fleet:        mgr,
		healthServer: healthServer,
	}, nil
}

// Fleet exposes the management surface, mainly for embedding and tests.
func (a *App) Fleet() *fleet.Manager {
	return a.fleet
}

// Run reconciles persisted state against reality, starts the background
// loops, and blocks until the process receives SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	// Settle every record against whatever survived the downtime before any
	// loop or spec can act on stale state.
	if err := a.executor.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile on boot: %w", err)
	}

	if a.config.SpecsDir != "" {
		a.loadSpecsDir(ctx)
	}
	a.autostart(ctx)

	go a.engine.Run(ctx)
	go func() {
		if err := a.executor.RunMonitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("executor monitor exited", "err", err)
		}
	}()
	go func() {
		if err := a.supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("supervisor exited", "err", err)
		}
	}()

	slog.Info("botan is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// loadSpecsDir registers every YAML spec found in the configured directory.
func (a *App) loadSpecsDir(ctx context.Context) {
	entries, err := os.ReadDir(a.config.SpecsDir)
	if err != nil {
		slog.Warn("specs directory unreadable; skipping auto-registration",
			"dir", a.config.SpecsDir, "err", err)
		return
	}

	var files []fleet.SpecFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.config.SpecsDir, e.Name()))
		if err != nil {
			slog.Warn("skip unreadable spec file", "file", e.Name(), "err", err)
			continue
		}
		files = append(files, fleet.SpecFile{Name: e.Name(), Data: data})
	}
	if len(files) == 0 {
		return
	}
	if _, err := a.fleet.RegisterSpecsDir(ctx, a.config.SpecsDir, files); err != nil {
		slog.Warn("spec auto-registration failed", "dir", a.config.SpecsDir, "err", err)
	}
}

// autostart brings up bots flagged for it that are not already running.
// Covers bots registered on earlier boots; freshly loaded spec files were
// already handled by RegisterSpecsDir.
func (a *App) autostart(ctx context.Context) {
	bots, err := a.fleet.ListBots(ctx, registry.Filter{})
	if err != nil {
		slog.Warn("autostart: list bots", "err", err)
		return
	}
	started := 0
	for _, bot := range bots {
		if !bot.Autostart {
			continue
		}
		switch bot.Status {
		case registry.StatusRegistered, registry.StatusStopped, registry.StatusFailed:
		default:
			continue
		}
		if err := a.fleet.StartBot(ctx, bot.ID); err != nil {
			slog.Warn("autostart bot", "bot", bot.ID, "err", err)
			continue
		}
		started++
	}
	if started > 0 {
		slog.Info("autostart complete", "started", started)
	}
}

// Stop tears the daemon down. Unless StopWorkloadsOnExit is set, workloads
// keep running and the next boot's reconcile re-adopts them.
func (a *App) Stop() {
	if a.config.StopWorkloadsOnExit {
		slog.Info("stopping all workloads")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.executor.StopAll(ctx); err != nil {
			slog.Warn("stop workloads", "err", err)
		}
		// Containers created outside any bot record are not covered by the
		// executor; sweep them at the engine level.
		if err := a.engine.Shutdown(ctx); err != nil {
			slog.Warn("engine shutdown", "err", err)
		}
	} else {
		slog.Info("leaving workloads running; the next start re-adopts them")
	}

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing incident journal")
	if err := a.journal.Close(); err != nil {
		slog.Warn("close incident journal", "err", err)
	}
}
