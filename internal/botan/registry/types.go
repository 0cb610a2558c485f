// Package registry is the source of truth for the bot fleet.
//
// It keeps every bot record in memory behind a single writer lock and mirrors
// each committed mutation to a JSON document on disk.  Writes go to a
// temporary file first and are renamed into place, so a crash mid-write can
// never leave a torn document: readers either see the previous state or the
// new one.
package registry

import (
	"fmt"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
)

// Status is the lifecycle state of a bot as tracked by the registry.
type Status string

const (
	// StatusCreated is the zero state of a record that has been built but not
	// yet added to the registry.  It never appears in the persisted document.
	StatusCreated Status = "created"
	// StatusRegistered means the bot is known to the fleet but has never been
	// asked to run, or has been fully torn down.
	StatusRegistered Status = "registered"
	// StatusDeploying means a start has been requested and the executor is
	// bringing the bot up.
	StatusDeploying Status = "deploying"
	// StatusRunning means the bot's workload is alive.
	StatusRunning Status = "running"
	// StatusPaused means the workload exists but its execution is suspended.
	StatusPaused Status = "paused"
	// StatusStopping means a stop has been requested and teardown is underway.
	StatusStopping Status = "stopping"
	// StatusStopped means the workload exited on request.
	StatusStopped Status = "stopped"
	// StatusFailed means the workload died or could not be brought up; see
	// the record's LastError for the reason.
	StatusFailed Status = "failed"
	// StatusTerminated is the tombstone set just before a record is removed.
	StatusTerminated Status = "terminated"
)

// allStatuses lists every status the registry will accept in a document.
var allStatuses = []Status{
	StatusCreated, StatusRegistered, StatusDeploying, StatusRunning,
	StatusPaused, StatusStopping, StatusStopped, StatusFailed, StatusTerminated,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown bot status %q", raw)
	}
	return s, nil
}

// Telemetry holds the most recent resource sample and heartbeat for a bot.
// It is advisory data pushed by the monitor loop; enforcement decisions are
// made elsewhere.
type Telemetry struct {
	// HandleID names the runtime realization of the bot: "container:<id>" for
	// the container backend, "process:<pid>:<start-ms>" for local processes.
	// The executor uses it to re-adopt workloads after a daemon restart.
	HandleID      string    `json:"handle_id,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryBytes   int64     `json:"memory_bytes"`
	UptimeSeconds int64     `json:"uptime_seconds,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Bot is one fleet member's record.
type Bot struct {
	// ID uniquely identifies the bot.  Lowercase alphanumerics and hyphens,
	// generated from the name when the caller does not supply one.
	ID string `json:"id"`
	// Name is the human-readable bot name.  Not required to be unique.
	Name string `json:"name"`
	// Role is a free-form grouping label ("scraper", "trader", ...).
	Role string `json:"role,omitempty"`
	// Blueprint names what the bot runs: a catalog entry or an executable path.
	Blueprint string `json:"blueprint"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Deploy holds the deployment parameters the bot was registered with.
	Deploy botspec.Deploy `json:"deploy"`
	// EnvEnc carries the encrypted form of Deploy.Env in the on-disk document
	// when a master key is configured.  It is always empty in memory and in
	// exported snapshots.
	EnvEnc string `json:"env_enc,omitempty"`
	// Autostart marks bots that should be started when the daemon boots.
	Autostart bool `json:"autostart,omitempty"`
	// Telemetry is the latest resource sample, nil until the first heartbeat.
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	// LastError describes why the bot is failed.  Cleared when the bot leaves
	// the failed state.
	LastError string `json:"last_error,omitempty"`
	// ErrorCount accumulates across the bot's whole life; restarts do not
	// reset it.
	ErrorCount int `json:"error_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// StartedAt and StoppedAt bracket the most recent episode.
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Clone returns a deep copy of the bot so callers can hold records without
// racing registry mutations.
func (b *Bot) Clone() *Bot {
	out := *b
	if b.Deploy.Env != nil {
		out.Deploy.Env = make(map[string]string, len(b.Deploy.Env))
		for k, v := range b.Deploy.Env {
			out.Deploy.Env[k] = v
		}
	}
	if b.Deploy.Volumes != nil {
		out.Deploy.Volumes = append([]botspec.VolumeMount(nil), b.Deploy.Volumes...)
	}
	if b.Telemetry != nil {
		tel := *b.Telemetry
		out.Telemetry = &tel
	}
	if b.StartedAt != nil {
		at := *b.StartedAt
		out.StartedAt = &at
	}
	if b.StoppedAt != nil {
		at := *b.StoppedAt
		out.StoppedAt = &at
	}
	return &out
}

// Filter selects a subset of bots in List.  Zero-value fields match
// everything.
type Filter struct {
	Status Status
	Role   string
}

// matches reports whether the bot passes the filter.
func (f Filter) matches(b *Bot) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.Role != "" && b.Role != f.Role {
		return false
	}
	return true
}
