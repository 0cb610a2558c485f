// Package botspec defines types for the versioned bot specification schema
// (botan/v1).
//
// A bot spec is the YAML document that declares a bot to the fleet: its
// identity, the blueprint it executes, and the deployment parameters the
// execution backends honour. Specs are validated at the boundary; the rest
// of the system works with the typed structs only.
package botspec

// SpecVersion is the API version string required in every bot spec.
const SpecVersion = "botan/v1"

// Config is the root type for a bot specification.
type Config struct {
	// APIVersion must be "botan/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds the bot's identity.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Blueprint references the executable logic the bot runs: either a path
	// to an executable file or the name of a blueprint catalog entry.
	Blueprint string `yaml:"blueprint" json:"blueprint"`

	// Deploy holds the execution parameters. Immutable per lifecycle
	// episode: a restart re-reads them, a running bot never does.
	Deploy Deploy `yaml:"deploy" json:"deploy"`

	// Autostart asks the daemon to start the bot right after registration
	// when the spec is loaded from the specs directory. Programmatic
	// registration ignores it; callers start bots explicitly.
	Autostart bool `yaml:"autostart,omitempty" json:"autostart,omitempty"`
}

// Metadata holds identity fields for a bot.
type Metadata struct {
	// ID is the unique, immutable bot identifier. Optional: when empty the
	// registry assigns one at registration. When set it must match
	// ^[a-z0-9][a-z0-9-]{0,62}$.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Name is the human-readable bot name.
	Name string `yaml:"name" json:"name"`

	// Role is a free-form tag used for list filtering (e.g. "worker",
	// "collector", "orchestrator").
	Role string `yaml:"role,omitempty" json:"role,omitempty"`

	// Description is a human-readable description of the bot's purpose.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Backend selects the execution strategy for a bot.
type Backend string

const (
	// BackendLocalProcess runs the blueprint directly as a child process in
	// the executor's own process group namespace.
	BackendLocalProcess Backend = "local-process"

	// BackendIsolatedContainer delegates execution to the engine, which
	// materialises an isolated process unit with its own working directory,
	// environment and poll-enforced resource limits.
	BackendIsolatedContainer Backend = "isolated-container"

	// BackendRemote is a declared placeholder for a future remote runtime.
	// Specs naming it validate, but running such a bot fails with a stable
	// "backend not implemented" error.
	BackendRemote Backend = "remote"
)

// Isolation selects the strength of process/filesystem separation applied to
// a container-backed bot.
type Isolation string

const (
	// IsolationMinimal applies process-group separation only: a kill
	// propagates to children, nothing else is restricted.
	IsolationMinimal Isolation = "minimal"

	// IsolationStandard additionally assigns a dedicated working directory,
	// a restricted environment set, and the poll-enforced resource limits.
	IsolationStandard Isolation = "standard"

	// IsolationStrict layers in the strongest separation the host offers
	// (dedicated unprivileged user, private rootfs). Container creation
	// fails when the host cannot provide it; it is never downgraded.
	IsolationStrict Isolation = "strict"
)

// Deploy holds the execution parameters for one bot lifecycle episode.
type Deploy struct {
	// Backend selects the execution strategy.
	Backend Backend `yaml:"backend" json:"backend"`

	// CPU is the requested and maximum CPU allowance, in cores.
	CPU CPURange `yaml:"cpu,omitempty" json:"cpu,omitempty"`

	// Memory is the requested and maximum resident memory allowance.
	Memory MemoryRange `yaml:"memory,omitempty" json:"memory,omitempty"`

	// Replicas is informational for this core; fan-out happens elsewhere.
	// 0 is treated as 1.
	Replicas int `yaml:"replicas,omitempty" json:"replicas,omitempty"`

	// Env holds environment variables handed to the bot process. Values may
	// carry secrets; the registry encrypts them at rest when a master key
	// is configured, and log output always redacts them.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Volumes declares host-path to container-path bindings.
	Volumes []VolumeMount `yaml:"volumes,omitempty" json:"volumes,omitempty"`

	// Isolation applies to the isolated-container backend. Empty defaults
	// to "standard".
	Isolation Isolation `yaml:"isolation,omitempty" json:"isolation,omitempty"`
}

// CPURange bounds CPU usage in cores. Zero means unset/unlimited.
type CPURange struct {
	// Request is the informational CPU ask, in cores.
	Request float64 `yaml:"request,omitempty" json:"request,omitempty"`

	// Limit is the enforced ceiling, in cores. Sustained usage above it
	// fails the container (poll-based enforcement).
	Limit float64 `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// MemoryRange bounds resident memory. Zero means unset/unlimited.
type MemoryRange struct {
	// Request is the informational memory ask.
	Request ByteSize `yaml:"request,omitempty" json:"request,omitempty"`

	// Limit is the enforced ceiling. Sustained RSS above it fails the
	// container (poll-based enforcement).
	Limit ByteSize `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// VolumeMount declares a host-path to container-path binding.
type VolumeMount struct {
	// Host is the host path. It must exist before Start; read-write mounts
	// may be created by the engine.
	Host string `yaml:"host" json:"host"`

	// Container is the absolute path inside the container's rootfs where
	// the binding is materialised.
	Container string `yaml:"container" json:"container"`

	// ReadOnly records the binding's intent. The poll-based engine surfaces
	// the flag but cannot kernel-enforce it.
	ReadOnly bool `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`
}

// EffectiveIsolation returns the isolation level with the empty default
// applied.
func (d Deploy) EffectiveIsolation() Isolation {
	if d.Isolation == "" {
		return IsolationStandard
	}
	return d.Isolation
}

// EffectiveReplicas returns the replica count with the zero default applied.
func (d Deploy) EffectiveReplicas() int {
	if d.Replicas <= 0 {
		return 1
	}
	return d.Replicas
}
