// Package fleet is the programmatic management surface of the daemon.
//
// Manager wires the registry, executor, supervisor and engine into the
// operations an operator-facing layer would call.  Every operation carries a
// trace ID, logs entry and outcome, and keeps deploy env values out of the
// log stream.
package fleet

import (
	"context"
	"log/slog"
	"sort"

	"github.com/bdobrica/botan/common/redact"
	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/common/trace"
	"github.com/bdobrica/botan/internal/botan/engine"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/executor"
	"github.com/bdobrica/botan/internal/botan/registry"
	"github.com/bdobrica/botan/internal/botan/store"
	"github.com/bdobrica/botan/internal/botan/supervisor"
)

// Manager exposes fleet operations over the assembled components.
type Manager struct {
	reg *registry.Registry
	ex  *executor.Executor
	sup *supervisor.Supervisor
	eng *engine.Engine
}

// New builds a Manager.  All four components are required.
func New(reg *registry.Registry, ex *executor.Executor, sup *supervisor.Supervisor, eng *engine.Engine) (*Manager, error) {
	if reg == nil || ex == nil || sup == nil || eng == nil {
		return nil, errdefs.Validationf("fleet manager needs registry, executor, supervisor and engine")
	}
	return &Manager{reg: reg, ex: ex, sup: sup, eng: eng}, nil
}

// begin stamps the operation with a trace ID (reusing one already on ctx)
// and logs the entry line.
func (m *Manager) begin(ctx context.Context, op string, attrs ...any) (context.Context, *slog.Logger) {
	id := trace.FromContext(ctx)
	if id == "" {
		id = trace.GenerateID()
		ctx = trace.WithTraceID(ctx, id)
	}
	log := slog.With(append([]any{"op", op, "trace_id", id}, attrs...)...)
	log.Info("fleet: " + op)
	return ctx, log
}

func outcome(log *slog.Logger, op string, err error) error {
	if err != nil {
		log.Warn("fleet: "+op+" failed", "err", err)
		return err
	}
	log.Info("fleet: " + op + " done")
	return nil
}

// RegisterBot validates a spec and adds it to the registry, returning the
// assigned bot ID.
func (m *Manager) RegisterBot(ctx context.Context, spec *botspec.Config) (string, error) {
	if spec == nil {
		return "", errdefs.Validationf("bot spec must not be nil")
	}
	ctx, log := m.begin(ctx, "register_bot", "name", spec.Metadata.Name)

	if err := botspec.Validate(spec); err != nil {
		return "", outcome(log, "register_bot", errdefs.Validationf("bot spec: %v", err))
	}

	bot, err := m.reg.Add(ctx, &registry.Bot{
		ID:        spec.Metadata.ID,
		Name:      spec.Metadata.Name,
		Role:      spec.Metadata.Role,
		Blueprint: spec.Blueprint,
		Deploy:    spec.Deploy,
		Autostart: spec.Autostart,
	})
	if err != nil {
		return "", outcome(log, "register_bot", err)
	}

	// Env values may carry secrets; only the redacted view is loggable.
	log.Debug("fleet: registered spec detail",
		"bot", bot.ID,
		"blueprint", bot.Blueprint,
		"backend", string(bot.Deploy.Backend),
		"env", redact.Map(envView(bot.Deploy.Env)))
	log.Info("fleet: register_bot done", "bot", bot.ID)
	return bot.ID, nil
}

// envView converts a deploy env to the shape redact.Map scrubs.
func envView(env map[string]string) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// StartBot brings a registered, stopped or failed bot up.
func (m *Manager) StartBot(ctx context.Context, id string) error {
	ctx, log := m.begin(ctx, "start_bot", "bot", id)
	return outcome(log, "start_bot", m.ex.RunBot(ctx, id))
}

// StopBot tears the bot's workload down with the default grace timeout.
func (m *Manager) StopBot(ctx context.Context, id string) error {
	ctx, log := m.begin(ctx, "stop_bot", "bot", id)
	return outcome(log, "stop_bot", m.ex.StopBot(ctx, id, 0))
}

// PauseBot suspends a running bot.
func (m *Manager) PauseBot(ctx context.Context, id string) error {
	ctx, log := m.begin(ctx, "pause_bot", "bot", id)
	return outcome(log, "pause_bot", m.ex.PauseBot(ctx, id))
}

// ResumeBot resumes a paused bot.
func (m *Manager) ResumeBot(ctx context.Context, id string) error {
	ctx, log := m.begin(ctx, "resume_bot", "bot", id)
	return outcome(log, "resume_bot", m.ex.ResumeBot(ctx, id))
}

// DeleteBot removes a bot that is not mid-episode.  The record passes
// through the terminated tombstone before it is dropped, and any containers
// left from past episodes are cleared best-effort.
func (m *Manager) DeleteBot(ctx context.Context, id string) error {
	ctx, log := m.begin(ctx, "delete_bot", "bot", id)

	bot, err := m.reg.Get(ctx, id)
	if err != nil {
		return outcome(log, "delete_bot", err)
	}
	if _, err := m.reg.UpdateStatus(ctx, id, registry.StatusTerminated); err != nil {
		return outcome(log, "delete_bot", err)
	}
	if err := m.reg.Delete(ctx, id); err != nil {
		return outcome(log, "delete_bot", err)
	}
	if bot.Deploy.Backend == botspec.BackendIsolatedContainer {
		m.sweepContainers(ctx, log, id)
	}
	return outcome(log, "delete_bot", nil)
}

// sweepContainers removes containers left behind by a deleted bot.
func (m *Manager) sweepContainers(ctx context.Context, log *slog.Logger, botID string) {
	containers, err := m.eng.List(ctx)
	if err != nil {
		log.Warn("fleet: list containers for sweep", "err", err)
		return
	}
	for _, c := range containers {
		if c.BotID != botID {
			continue
		}
		if err := m.eng.Remove(ctx, c.ID); err != nil {
			log.Warn("fleet: remove leftover container", "container", c.ID, "err", err)
		}
	}
}

// GetBot returns the bot record.
func (m *Manager) GetBot(ctx context.Context, id string) (*registry.Bot, error) {
	return m.reg.Get(ctx, id)
}

// ListBots returns bot records matching the filter.
func (m *Manager) ListBots(ctx context.Context, f registry.Filter) ([]*registry.Bot, error) {
	return m.reg.List(ctx, f)
}

// GetIncidents returns incident journal rows matching the filter.
func (m *Manager) GetIncidents(ctx context.Context, f store.IncidentFilter) ([]*store.Incident, error) {
	return m.sup.GetIncidents(ctx, f)
}

// GetStatus reports the composite executor view of one bot.
func (m *Manager) GetStatus(ctx context.Context, id string) (*executor.BotStatus, error) {
	return m.ex.GetStatus(ctx, id)
}

// GetMetrics returns the freshest telemetry available for one bot.
func (m *Manager) GetMetrics(ctx context.Context, id string) (*registry.Telemetry, error) {
	return m.ex.GetMetrics(ctx, id)
}

// GetContainerStats samples one container directly.
func (m *Manager) GetContainerStats(ctx context.Context, containerID string) (*engine.Stats, error) {
	return m.eng.Stats(ctx, containerID)
}

// ExportSnapshot returns the full registry document.
func (m *Manager) ExportSnapshot(ctx context.Context) ([]byte, error) {
	ctx, log := m.begin(ctx, "export_snapshot")
	snap, err := m.reg.Export(ctx)
	if err != nil {
		return nil, outcome(log, "export_snapshot", err)
	}
	log.Info("fleet: export_snapshot done", "bytes", len(snap))
	return snap, nil
}

// ImportSnapshot replaces the registry state with the snapshot.  Callers
// are expected to quiesce the fleet first; live handles are not rewritten.
func (m *Manager) ImportSnapshot(ctx context.Context, snap []byte) error {
	ctx, log := m.begin(ctx, "import_snapshot", "bytes", len(snap))
	return outcome(log, "import_snapshot", m.reg.Import(ctx, snap))
}

// RegisterSpecsDir parses every *.yaml/*.yml file in dir as a bot spec and
// registers the ones not yet present.  Bots marked autostart are started.
// Returns the IDs of newly registered bots.
func (m *Manager) RegisterSpecsDir(ctx context.Context, dir string, files []SpecFile) ([]string, error) {
	ctx, log := m.begin(ctx, "register_specs_dir", "dir", dir, "files", len(files))

	var registered []string
	for _, f := range files {
		cfg, err := botspec.Parse(f.Data)
		if err != nil {
			log.Warn("fleet: skip spec file", "file", f.Name, "err", err)
			continue
		}
		id, err := m.RegisterBot(ctx, cfg)
		if err != nil {
			if errdefs.IsAlreadyExists(err) {
				log.Info("fleet: spec already registered", "file", f.Name)
				continue
			}
			log.Warn("fleet: register spec file", "file", f.Name, "err", err)
			continue
		}
		registered = append(registered, id)
		if cfg.Autostart {
			if err := m.StartBot(ctx, id); err != nil {
				log.Warn("fleet: autostart bot", "bot", id, "err", err)
			}
		}
	}
	sort.Strings(registered)
	log.Info("fleet: register_specs_dir done", "registered", len(registered))
	return registered, nil
}

// SpecFile is one spec document handed to RegisterSpecsDir.
type SpecFile struct {
	Name string
	Data []byte
}
