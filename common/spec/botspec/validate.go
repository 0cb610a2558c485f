package botspec

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// idPattern defines valid bot ID characters: lowercase alphanumeric start,
// then lowercase alphanumerics and hyphens, at most 63 characters total.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// envNamePattern defines valid environment variable names.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateID returns an error if id is not a valid bot identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("bot ID must not be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("bot ID %q is invalid: must match ^[a-z0-9][a-z0-9-]{0,62}$", id)
	}
	return nil
}

// Parse decodes a bot spec YAML document into a Config struct and validates
// it. It is the canonical entry point for loading bot specifications.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("botspec parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a Config for structural correctness without executing it.
// It returns the first validation error encountered, or nil if the spec is
// valid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("spec must not be nil")
	}

	// ── API version ──────────────────────────────────────────────────────────
	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, cfg.APIVersion)
	}

	// ── Metadata ─────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}
	if cfg.Metadata.ID != "" {
		if err := ValidateID(cfg.Metadata.ID); err != nil {
			return fmt.Errorf("metadata.id: %w", err)
		}
	}

	// ── Blueprint ────────────────────────────────────────────────────────────
	if strings.TrimSpace(cfg.Blueprint) == "" {
		return fmt.Errorf("blueprint must not be empty")
	}

	// ── Deploy ───────────────────────────────────────────────────────────────
	if err := ValidateDeploy(&cfg.Deploy); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}

	return nil
}

// ValidateDeploy checks deployment parameters in isolation. The registry
// calls it for programmatically built bots that never pass through Parse.
func ValidateDeploy(d *Deploy) error {
	if d == nil {
		return fmt.Errorf("deploy must not be nil")
	}

	// ── Backend ──────────────────────────────────────────────────────────────
	switch d.Backend {
	case BackendLocalProcess, BackendIsolatedContainer, BackendRemote:
	case "":
		return fmt.Errorf("backend must not be empty")
	default:
		return fmt.Errorf("backend %q is not one of %q, %q, %q",
			d.Backend, BackendLocalProcess, BackendIsolatedContainer, BackendRemote)
	}

	// ── Resources ────────────────────────────────────────────────────────────
	if d.CPU.Request < 0 || d.CPU.Limit < 0 {
		return fmt.Errorf("cpu request/limit must be >= 0")
	}
	if d.CPU.Limit > 0 && d.CPU.Request > d.CPU.Limit {
		return fmt.Errorf("cpu request %.2f exceeds limit %.2f", d.CPU.Request, d.CPU.Limit)
	}
	if d.Memory.Request < 0 || d.Memory.Limit < 0 {
		return fmt.Errorf("memory request/limit must be >= 0")
	}
	if d.Memory.Limit > 0 && d.Memory.Request > d.Memory.Limit {
		return fmt.Errorf("memory request %s exceeds limit %s", d.Memory.Request, d.Memory.Limit)
	}
	if d.Replicas < 0 {
		return fmt.Errorf("replicas must be >= 0")
	}

	// ── Env ──────────────────────────────────────────────────────────────────
	for name := range d.Env {
		if !envNamePattern.MatchString(name) {
			return fmt.Errorf("env name %q is invalid", name)
		}
	}

	// ── Volumes ──────────────────────────────────────────────────────────────
	seen := make(map[string]struct{}, len(d.Volumes))
	for i, v := range d.Volumes {
		if strings.TrimSpace(v.Host) == "" {
			return fmt.Errorf("volumes[%d]: host path must not be empty", i)
		}
		if !path.IsAbs(v.Container) {
			return fmt.Errorf("volumes[%d]: container path %q must be absolute", i, v.Container)
		}
		clean := path.Clean(v.Container)
		if clean == "/" {
			return fmt.Errorf("volumes[%d]: container path must not be the rootfs itself", i)
		}
		if _, dup := seen[clean]; dup {
			return fmt.Errorf("volumes[%d]: duplicate container path %q", i, clean)
		}
		seen[clean] = struct{}{}
	}

	// ── Isolation ────────────────────────────────────────────────────────────
	switch d.Isolation {
	case "", IsolationMinimal, IsolationStandard, IsolationStrict:
	default:
		return fmt.Errorf("isolation %q is not one of %q, %q, %q",
			d.Isolation, IsolationMinimal, IsolationStandard, IsolationStrict)
	}

	return nil
}
