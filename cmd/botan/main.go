// Botan is the bot fleet manager daemon.
//
// All configuration is loaded from environment variables, optionally seeded
// from a .env file in the working directory. The daemon owns a data
// directory holding the bot registry, container state and the incident
// journal, and keeps the declared fleet running until stopped.
//
// Required environment variables:
//
//	BOTAN_DATA_DIR          - root directory for daemon state (default: /var/lib/botan)
//
// Optional environment variables:
//
//	BOTAN_BLUEPRINTS_DIR    - blueprint catalog root; empty disables the catalog
//	BOTAN_SPECS_DIR         - directory of bot spec YAML files auto-registered at boot
//	BOTAN_MASTER_KEY_FILE   - hex-encoded 32-byte key enabling env encryption at rest
//	BOTAN_HTTP_ADDR         - health/status/metrics listen address (e.g. ":8080")
//	BOTAN_SANDBOX_USER      - account strict-isolation containers run as (default: "botan-sandbox")
//	BOTAN_STOP_ON_EXIT      - "true" stops all workloads at shutdown instead of
//	                          leaving them for re-adoption (default: false)
//	BOTAN_GRACE_TIMEOUT     - SIGTERM to SIGKILL window (default: 5s)
//	BOTAN_SAMPLE_INTERVAL   - resource sampler period (default: 2s)
//	BOTAN_DEBOUNCE_WINDOW   - breach persistence before a resource kill (default: 6s)
//	BOTAN_MONITOR_INTERVAL  - executor liveness/telemetry cadence (default: 3s)
//	BOTAN_SUPERVISOR_TICK   - remediation loop period (default: 10s)
//	BOTAN_MAX_RETRIES       - restart budget per failure streak (default: 3)
//	BOTAN_BACKOFF_BASE      - first restart delay, doubling per attempt (default: 5s)
//	BOTAN_BACKOFF_CAP       - restart delay ceiling (default: 2m)
//	BOTAN_STABILITY_WINDOW  - healthy time that forgives the restart budget (default: 60s)
//	LOG_LEVEL               - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT              - "text" or "json" (default: "text")
//	LOG_FILE                - log file path with rotation; empty logs to stdout
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/bdobrica/botan/common/environment"
	"github.com/bdobrica/botan/common/version"
	"github.com/bdobrica/botan/internal/botan/app"
	"github.com/bdobrica/botan/internal/botan/observability"
)

func main() {
	// Absent .env files are fine; the environment wins over file values.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	if err := observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
		environment.StringOr("LOG_FILE", ""),
	); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configure logging: %v\n", err)
		os.Exit(1)
	}

	slog.Info("botan fleet manager", "version", version.Version, "commit", version.GitCommit)

	cfg := &app.Config{
		DataDir:             environment.StringOr("BOTAN_DATA_DIR", "/var/lib/botan"),
		BlueprintsDir:       environment.StringOr("BOTAN_BLUEPRINTS_DIR", ""),
		SpecsDir:            environment.StringOr("BOTAN_SPECS_DIR", ""),
		MasterKeyFile:       environment.StringOr("BOTAN_MASTER_KEY_FILE", ""),
		HTTPAddr:            environment.StringOr("BOTAN_HTTP_ADDR", ""),
		SandboxUser:         environment.StringOr("BOTAN_SANDBOX_USER", ""),
		StopWorkloadsOnExit: environment.BoolOr("BOTAN_STOP_ON_EXIT", false),
		GraceTimeout:        environment.DurationOr("BOTAN_GRACE_TIMEOUT", 0),
		SampleInterval:      environment.DurationOr("BOTAN_SAMPLE_INTERVAL", 0),
		DebounceWindow:      environment.DurationOr("BOTAN_DEBOUNCE_WINDOW", 0),
		MonitorInterval:     environment.DurationOr("BOTAN_MONITOR_INTERVAL", 0),
		SupervisorTick:      environment.DurationOr("BOTAN_SUPERVISOR_TICK", 0),
		MaxRetries:          environment.IntOr("BOTAN_MAX_RETRIES", 0),
		BackoffBase:         environment.DurationOr("BOTAN_BACKOFF_BASE", 0),
		BackoffCap:          environment.DurationOr("BOTAN_BACKOFF_CAP", 0),
		StabilityWindow:     environment.DurationOr("BOTAN_STABILITY_WINDOW", 0),
	}

	botan, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize botan", "err", err)
		os.Exit(1)
	}
	defer botan.Stop()

	if err := botan.Run(); err != nil {
		slog.Error("botan exited with error", "err", err)
		os.Exit(1)
	}
}
