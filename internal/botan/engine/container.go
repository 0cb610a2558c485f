// Package engine runs bot workloads as supervised OS process groups with
// approximate container semantics: per-container state directories, resource
// limit enforcement by polling, and a small isolation ladder.
//
// It is deliberately not a real container runtime.  There are no namespaces
// or cgroups; isolation is process-group plus filesystem and environment
// restriction, and limits are enforced by sampling.  Callers that need more
// should not reach for the strict level here but for an actual runtime.
package engine

import (
	"fmt"
	"regexp"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
)

// State is the lifecycle state of a container.
type State string

const (
	// StateCreated means the container directory and descriptor exist but no
	// process has been started.
	StateCreated State = "created"
	// StateRunning means the workload process group is alive.  A running
	// container may additionally be paused (execution suspended).
	StateRunning State = "running"
	// StateStopped means the process exited after a stop was requested.
	StateStopped State = "stopped"
	// StateFailed means the process died on its own, could not be spawned,
	// or was killed for breaching a resource limit; see Reason.
	StateFailed State = "failed"
)

// namePattern restricts container names to the same shape as bot IDs so they
// are safe as directory names and log labels.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateName returns an error if name is not a valid container name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("container name must not be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("container name %q is invalid: must match ^[a-z0-9][a-z0-9-]{0,62}$", name)
	}
	return nil
}

// Spec describes a container to create.  Everything is validated before any
// side effect happens.
type Spec struct {
	// Name uniquely identifies the container among live containers.
	Name string
	// BotID labels the container with its owning bot, empty for unowned ones.
	BotID string
	// Command is the executable to run.
	Command string
	// Args are passed to the command verbatim.
	Args []string
	// Env is the fully resolved environment for the workload.
	Env map[string]string
	// Workdir is the working directory; defaults depend on isolation.
	Workdir string
	// Isolation selects the isolation level; empty means standard.
	Isolation botspec.Isolation
	// CPULimitPercent caps CPU usage in percent of one core (200 = two
	// cores).  Zero disables the cap.
	CPULimitPercent float64
	// MemoryLimitBytes caps resident memory.  Zero disables the cap.
	MemoryLimitBytes int64
	// Volumes are host directories exposed inside the container rootfs.
	Volumes []botspec.VolumeMount
}

// Container is the persisted descriptor of one workload.
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	BotID     string            `json:"bot_id,omitempty"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
	Isolation botspec.Isolation `json:"isolation"`

	CPULimitPercent  float64               `json:"cpu_limit_percent,omitempty"`
	MemoryLimitBytes int64                 `json:"memory_limit_bytes,omitempty"`
	Volumes          []botspec.VolumeMount `json:"volumes,omitempty"`

	State State `json:"state"`
	// Paused marks a running container whose process group is suspended.  It
	// is a flag on running, not a state of its own.
	Paused bool `json:"paused,omitempty"`
	// PID is the process group leader.  Kept after exit for forensics.
	PID int `json:"pid,omitempty"`
	// StartTimeMS is the leader's start time in milliseconds since the
	// epoch, used to tell a recycled PID from our process after a restart.
	StartTimeMS int64 `json:"start_time_ms,omitempty"`
	// ExitCode is set once the process has exited.
	ExitCode *int `json:"exit_code,omitempty"`
	// Reason explains a failed state.
	Reason string `json:"reason,omitempty"`
	// StopRequested distinguishes an operator stop from a crash when the
	// process exits.
	StopRequested bool `json:"stop_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the container descriptor.
func (c *Container) Clone() *Container {
	out := *c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Volumes != nil {
		out.Volumes = append([]botspec.VolumeMount(nil), c.Volumes...)
	}
	if c.ExitCode != nil {
		code := *c.ExitCode
		out.ExitCode = &code
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// Stats is a point-in-time resource sample for a container.
type Stats struct {
	ContainerID      string
	Name             string
	State            State
	Paused           bool
	PID              int
	CPUPercent       float64
	MemoryBytes      int64
	CPULimitPercent  float64
	MemoryLimitBytes int64
	Uptime           time.Duration
	SampledAt        time.Time
}
