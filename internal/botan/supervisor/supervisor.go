// Package supervisor watches the fleet and remediates failures.
//
// The executor detects deaths and marks bots failed; this package owns the
// policy side: bounded restarts with exponential backoff, the append-only
// incident journal, and the alert hook for bots it has given up on.  Its
// counters are deliberately in-memory: a daemon restart resets restart
// budgets (availability over strict enforcement), while the journal persists.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bdobrica/botan/common/trace"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/executor"
	"github.com/bdobrica/botan/internal/botan/registry"
	"github.com/bdobrica/botan/internal/botan/store"
)

const (
	defaultTickInterval    = 10 * time.Second
	defaultMaxRetries      = 3
	defaultBackoffBase     = 5 * time.Second
	defaultBackoffCap      = 2 * time.Minute
	defaultStabilityWindow = 60 * time.Second
)

var (
	restartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botan_supervisor_restarts_total",
		Help: "Bot restarts performed by the supervisor.",
	})
	incidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botan_supervisor_incidents_total",
		Help: "Incidents journaled, by severity.",
	}, []string{"severity"})
)

// Runner is the slice of the executor the supervisor drives.
type Runner interface {
	RestartBot(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (*executor.BotStatus, error)
}

// Config configures a Supervisor.
type Config struct {
	// TickInterval is the reconciliation loop period.
	TickInterval time.Duration
	// MaxRetries bounds automatic restarts per failure streak.
	MaxRetries int
	// BackoffBase is the delay before the first restart; it doubles per
	// attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// StabilityWindow is how long a bot must stay healthy before its
	// restart budget is forgiven.
	StabilityWindow time.Duration
	// AlertFunc, when set, fires once per bot the supervisor gives up on.
	AlertFunc func(ctx context.Context, botID, message string)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TickInterval <= 0 {
		out.TickInterval = defaultTickInterval
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = defaultBackoffBase
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = defaultBackoffCap
	}
	if out.StabilityWindow <= 0 {
		out.StabilityWindow = defaultStabilityWindow
	}
	return out
}

// botTrack is the in-memory remediation state for one bot.
type botTrack struct {
	// attempts counts restarts performed in the current failure streak.
	attempts int
	// episodeOpen marks that the current failure was already journaled.
	episodeOpen bool
	// gaveUp marks a bot whose restart budget ran out; nothing more happens
	// until it is seen healthy again.
	gaveUp bool
	// nextAttemptAt is the backoff deadline; ticks compare, never sleep.
	nextAttemptAt time.Time
	// healthySince is the start of the current healthy streak.
	healthySince time.Time
}

// Supervisor runs the monitor-and-heal policy loop.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	run     Runner
	journal *store.Store

	mu    sync.Mutex
	track map[string]*botTrack
}

// New builds a Supervisor over the registry, executor and incident journal.
func New(cfg Config, reg *registry.Registry, run Runner, journal *store.Store) (*Supervisor, error) {
	if reg == nil || run == nil || journal == nil {
		return nil, errdefs.Validationf("supervisor needs a registry, a runner and a journal")
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		run:     run,
		journal: journal,
		track:   make(map[string]*botTrack),
	}, nil
}

// Run ticks until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("supervisor: started", "interval", s.cfg.TickInterval, "max_retries", s.cfg.MaxRetries)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("supervisor: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				slog.Error("supervisor: tick", "err", err)
			}
		}
	}
}

// Tick performs one reconciliation pass over the whole fleet.
func (s *Supervisor) Tick(ctx context.Context) error {
	bots, err := s.reg.List(ctx, registry.Filter{})
	if err != nil {
		return fmt.Errorf("supervisor: list bots: %w", err)
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(bots))
	for _, bot := range bots {
		seen[bot.ID] = struct{}{}
		s.superviseBot(ctx, bot, now)
	}

	// Forget bots that left the registry.
	s.mu.Lock()
	for id := range s.track {
		if _, ok := seen[id]; !ok {
			delete(s.track, id)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) superviseBot(ctx context.Context, bot *registry.Bot, now time.Time) {
	switch bot.Status {
	case registry.StatusFailed:
		s.handleFailure(ctx, bot, now)
	case registry.StatusRunning, registry.StatusDeploying:
		st, err := s.run.GetStatus(ctx, bot.ID)
		if err != nil {
			slog.Warn("supervisor: status check", "bot", bot.ID, "err", err)
			return
		}
		if st.Alive {
			s.observeHealthy(bot.ID, now)
			return
		}
		if bot.Status == registry.StatusDeploying {
			// Mid-spawn; the executor or the next reconcile settles it.
			return
		}
		// Running on paper, dead in fact.  The executor's monitor will mark
		// it failed; the episode is handled on a later tick once the record
		// agrees.  Nothing to do yet.
	default:
		// registered, paused, stopping, stopped are deliberate states.
	}
}

// observeHealthy ends any open failure episode and forgives the restart
// budget once the bot has stayed healthy for the stability window.
func (s *Supervisor) observeHealthy(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.track[id]
	if !ok {
		return
	}
	t.episodeOpen = false
	if t.healthySince.IsZero() {
		t.healthySince = now
		return
	}
	if now.Sub(t.healthySince) >= s.cfg.StabilityWindow {
		slog.Info("supervisor: bot stable, restart budget reset", "bot", id, "attempts", t.attempts)
		delete(s.track, id)
	}
}

// handleFailure advances one bot's failure episode by at most one action:
// journal the observation, restart, or give up.
func (s *Supervisor) handleFailure(ctx context.Context, bot *registry.Bot, now time.Time) {
	reason := bot.LastError
	if reason == "" {
		reason = "unknown failure"
	}

	s.mu.Lock()
	t, ok := s.track[bot.ID]
	if !ok {
		t = &botTrack{}
		s.track[bot.ID] = t
	}
	t.healthySince = time.Time{}

	if t.gaveUp {
		s.mu.Unlock()
		return
	}

	if !t.episodeOpen {
		t.episodeOpen = true
		t.nextAttemptAt = now.Add(s.backoffDelay(t.attempts))
		s.mu.Unlock()
		s.journalIncident(ctx, bot.ID, store.SeverityInfo, store.ActionNone,
			fmt.Sprintf("bot failed: %s", reason))
		return
	}

	if t.attempts >= s.cfg.MaxRetries {
		t.gaveUp = true
		attempts := t.attempts
		s.mu.Unlock()
		msg := fmt.Sprintf("restart budget exhausted after %d attempts, giving up: %s", attempts, reason)
		s.journalIncident(ctx, bot.ID, store.SeverityCritical, store.ActionMarkedFailed, msg)
		if s.cfg.AlertFunc != nil {
			s.cfg.AlertFunc(ctx, bot.ID, msg)
		}
		return
	}

	if now.Before(t.nextAttemptAt) {
		s.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	t.nextAttemptAt = now.Add(s.backoffDelay(t.attempts))
	s.mu.Unlock()

	slog.Info("supervisor: restarting failed bot", "bot", bot.ID, "attempt", attempt, "max", s.cfg.MaxRetries)
	if err := s.run.RestartBot(ctx, bot.ID); err != nil {
		slog.Error("supervisor: restart bot", "bot", bot.ID, "attempt", attempt, "err", err)
		s.journalIncident(ctx, bot.ID, store.SeverityWarning, store.ActionNone,
			fmt.Sprintf("restart attempt %d failed: %v", attempt, err))
		return
	}
	restartsTotal.Inc()
	s.journalIncident(ctx, bot.ID, store.SeverityWarning, store.ActionRestarted,
		fmt.Sprintf("restarted after failure (attempt %d of %d)", attempt, s.cfg.MaxRetries))
}

// backoffDelay returns the wait before restart number attempts+1.
func (s *Supervisor) backoffDelay(attempts int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if delay > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return delay
}

// RecordIncident journals one incident row and bumps the severity counter.
// The trace ID is taken from ctx when present.
func (s *Supervisor) RecordIncident(ctx context.Context, inc *store.Incident) error {
	if inc != nil && inc.TraceID == "" {
		inc.TraceID = trace.FromContext(ctx)
	}
	if err := s.journal.AppendIncident(ctx, inc); err != nil {
		return err
	}
	incidentsTotal.WithLabelValues(string(inc.Severity)).Inc()
	return nil
}

// GetIncidents returns journal rows matching the filter.
func (s *Supervisor) GetIncidents(ctx context.Context, f store.IncidentFilter) ([]*store.Incident, error) {
	return s.journal.GetIncidents(ctx, f)
}

// journalIncident writes a supervisor-authored incident, correlating the row
// with the log line through a fresh trace ID.
func (s *Supervisor) journalIncident(ctx context.Context, botID string, sev store.Severity, action store.Action, msg string) {
	inc := &store.Incident{
		BotID:    botID,
		Severity: sev,
		Action:   action,
		Message:  msg,
		TraceID:  trace.GenerateID(),
	}
	if err := s.RecordIncident(ctx, inc); err != nil {
		slog.Error("supervisor: journal incident", "bot", botID, "err", err)
		return
	}
	slog.Info("supervisor: incident", "bot", botID, "severity", string(sev),
		"action", string(action), "trace_id", inc.TraceID, "msg", msg)
}
