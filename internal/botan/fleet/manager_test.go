package fleet_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/blueprints"
	"github.com/bdobrica/botan/internal/botan/engine"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/executor"
	"github.com/bdobrica/botan/internal/botan/fleet"
	"github.com/bdobrica/botan/internal/botan/registry"
	"github.com/bdobrica/botan/internal/botan/store"
	"github.com/bdobrica/botan/internal/botan/supervisor"
)

var testCatalog = fstest.MapFS{
	"sleeper/blueprint.yaml": &fstest.MapFile{Data: []byte(
		"command: /bin/sh\nargs: [\"-c\", \"exec sleep 60\"]\n")},
	"crasher/blueprint.yaml": &fstest.MapFile{Data: []byte(
		"command: /bin/sh\nargs: [\"-c\", \"sleep 0.3; exit 7\"]\n")},
}

type fleetRig struct {
	m   *fleet.Manager
	reg *registry.Registry
	eng *engine.Engine
	sup *supervisor.Supervisor
	dir string
}

func newFleetRig(t *testing.T) *fleetRig {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(filepath.Join(dir, "registry.json"), registry.Options{})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	journal, err := store.New(filepath.Join(dir, "incidents.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	var ex *executor.Executor
	eng, err := engine.New(engine.Config{
		Root:        filepath.Join(dir, "containers"),
		SandboxUser: "botan-test-no-such-user",
		OnContainerFailed: func(c *engine.Container) {
			if ex != nil {
				ex.NotifyContainerFailed(c)
			}
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	ex, err = executor.New(executor.Config{
		StateDir:     filepath.Join(dir, "bots"),
		GraceTimeout: 2 * time.Second,
	}, reg, eng, blueprints.NewCatalog(testCatalog))
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(func() { ex.StopAll(context.Background()) })

	sup, err := supervisor.New(supervisor.Config{}, reg, ex, journal)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	m, err := fleet.New(reg, ex, sup, eng)
	if err != nil {
		t.Fatalf("new fleet manager: %v", err)
	}
	return &fleetRig{m: m, reg: reg, eng: eng, sup: sup, dir: dir}
}

func specFor(name, blueprint string, be botspec.Backend) *botspec.Config {
	return &botspec.Config{
		APIVersion: botspec.SpecVersion,
		Metadata:   botspec.Metadata{Name: name, Role: "worker"},
		Blueprint:  blueprint,
		Deploy:     botspec.Deploy{Backend: be},
	}
}

func waitStatus(t *testing.T, m *fleet.Manager, id string, want registry.Status) *registry.Bot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		bot, err := m.GetBot(context.Background(), id)
		if err != nil {
			t.Fatalf("get bot %s: %v", id, err)
		}
		if bot.Status == want {
			return bot
		}
		time.Sleep(10 * time.Millisecond)
	}
	bot, _ := m.GetBot(context.Background(), id)
	t.Fatalf("bot %s never reached %s, still %s", id, want, bot.Status)
	return nil
}

func TestRegisterBotAssignsAndPersists(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	spec := specFor("ledger-sync", "sleeper", botspec.BackendLocalProcess)
	spec.Deploy.Env = map[string]string{"API_TOKEN": "hunter2-secret"}
	spec.Autostart = true

	id, err := rig.m.RegisterBot(ctx, spec)
	if err != nil {
		t.Fatalf("register bot: %v", err)
	}
	if id == "" {
		t.Fatalf("register returned empty id")
	}

	bot, err := rig.m.GetBot(ctx, id)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if bot.Name != "ledger-sync" || bot.Role != "worker" || bot.Blueprint != "sleeper" {
		t.Errorf("registered fields wrong: %+v", bot)
	}
	if bot.Deploy.Env["API_TOKEN"] != "hunter2-secret" {
		t.Errorf("deploy env not persisted")
	}
	if !bot.Autostart {
		t.Errorf("autostart flag not persisted")
	}
	// Programmatic registration records autostart but never acts on it.
	if bot.Status != registry.StatusRegistered {
		t.Errorf("freshly registered bot is %s, want registered", bot.Status)
	}
}

func TestRegisterBotRejectsBadSpecs(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	if _, err := rig.m.RegisterBot(ctx, nil); !errdefs.IsValidation(err) {
		t.Errorf("nil spec: got %v, want validation error", err)
	}

	bad := specFor("old-api", "sleeper", botspec.BackendLocalProcess)
	bad.APIVersion = "botan/v0"
	if _, err := rig.m.RegisterBot(ctx, bad); !errdefs.IsValidation(err) {
		t.Errorf("wrong apiVersion: got %v, want validation error", err)
	}

	first := specFor("pinned", "sleeper", botspec.BackendLocalProcess)
	first.Metadata.ID = "pinned-id"
	if _, err := rig.m.RegisterBot(ctx, first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	dup := specFor("pinned-again", "sleeper", botspec.BackendLocalProcess)
	dup.Metadata.ID = "pinned-id"
	if _, err := rig.m.RegisterBot(ctx, dup); !errdefs.IsAlreadyExists(err) {
		t.Errorf("duplicate id: got %v, want already exists", err)
	}
}

func TestLifecycleThroughFacade(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	id, err := rig.m.RegisterBot(ctx, specFor("roundtrip", "sleeper", botspec.BackendLocalProcess))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := rig.m.StartBot(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusRunning)

	if err := rig.m.StartBot(ctx, id); !errdefs.IsAlreadyExists(err) {
		t.Errorf("second start: got %v, want already running", err)
	}

	if err := rig.m.PauseBot(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusPaused)
	st, err := rig.m.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !st.Paused || !st.Alive {
		t.Errorf("paused bot status = alive %v paused %v", st.Alive, st.Paused)
	}

	if err := rig.m.ResumeBot(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusRunning)

	if err := rig.m.StopBot(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusStopped)

	if err := rig.m.StopBot(ctx, id); !errdefs.IsInvalidState(err) {
		t.Errorf("stop while stopped: got %v, want invalid state", err)
	}
	if err := rig.m.StartBot(ctx, "no-such-bot"); !errdefs.IsNotFound(err) {
		t.Errorf("start unknown: got %v, want not found", err)
	}
}

func TestDeleteBotRefusesRunningThenDeletes(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	id, err := rig.m.RegisterBot(ctx, specFor("doomed", "sleeper", botspec.BackendLocalProcess))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rig.m.StartBot(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusRunning)

	if err := rig.m.DeleteBot(ctx, id); !errdefs.IsInvalidState(err) {
		t.Fatalf("delete running bot: got %v, want invalid state", err)
	}
	if _, err := rig.m.GetBot(ctx, id); err != nil {
		t.Fatalf("bot should survive rejected delete: %v", err)
	}

	if err := rig.m.StopBot(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusStopped)
	if err := rig.m.DeleteBot(ctx, id); err != nil {
		t.Fatalf("delete stopped bot: %v", err)
	}
	if _, err := rig.m.GetBot(ctx, id); !errdefs.IsNotFound(err) {
		t.Errorf("deleted bot still present: %v", err)
	}
	if err := rig.m.DeleteBot(ctx, id); !errdefs.IsNotFound(err) {
		t.Errorf("second delete: got %v, want not found", err)
	}
}

func TestDeleteBotSweepsLeftoverContainers(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	id, err := rig.m.RegisterBot(ctx, specFor("short-fuse", "crasher", botspec.BackendIsolatedContainer))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rig.m.StartBot(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The crash leaves the container behind for inspection.
	waitStatus(t, rig.m, id, registry.StatusFailed)
	containers, err := rig.eng.List(ctx)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	mine := 0
	for _, c := range containers {
		if c.BotID == id {
			mine++
		}
	}
	if mine == 0 {
		t.Fatalf("expected a leftover container after the crash")
	}

	if err := rig.m.DeleteBot(ctx, id); err != nil {
		t.Fatalf("delete failed bot: %v", err)
	}
	containers, err = rig.eng.List(ctx)
	if err != nil {
		t.Fatalf("list containers after delete: %v", err)
	}
	for _, c := range containers {
		if c.BotID == id {
			t.Errorf("container %s survived the delete sweep", c.ID)
		}
	}
}

func TestSnapshotRoundTripRestoresState(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	keepSpec := specFor("keeper", "sleeper", botspec.BackendLocalProcess)
	keepSpec.Deploy.Env = map[string]string{"DB_PASSWORD": "swordfish-9"}
	keepID, err := rig.m.RegisterBot(ctx, keepSpec)
	if err != nil {
		t.Fatalf("register keeper: %v", err)
	}
	loseID, err := rig.m.RegisterBot(ctx, specFor("loser", "sleeper", botspec.BackendLocalProcess))
	if err != nil {
		t.Fatalf("register loser: %v", err)
	}
	before, err := rig.m.GetBot(ctx, loseID)
	if err != nil {
		t.Fatalf("get loser: %v", err)
	}

	snap, err := rig.m.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(snap), "swordfish-9") {
		t.Errorf("snapshot should carry plaintext env values")
	}

	if err := rig.m.DeleteBot(ctx, loseID); err != nil {
		t.Fatalf("delete loser: %v", err)
	}
	if err := rig.m.ImportSnapshot(ctx, snap); err != nil {
		t.Fatalf("import: %v", err)
	}

	after, err := rig.m.GetBot(ctx, loseID)
	if err != nil {
		t.Fatalf("loser not restored: %v", err)
	}
	if after.Name != before.Name || after.Blueprint != before.Blueprint ||
		after.Status != before.Status || !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("restored record drifted: before %+v after %+v", before, after)
	}
	keeper, err := rig.m.GetBot(ctx, keepID)
	if err != nil {
		t.Fatalf("keeper lost: %v", err)
	}
	if keeper.Deploy.Env["DB_PASSWORD"] != "swordfish-9" {
		t.Errorf("keeper env lost in round trip")
	}

	if err := rig.m.ImportSnapshot(ctx, []byte("{not json")); !errdefs.IsValidation(err) {
		t.Errorf("garbage import: got %v, want validation error", err)
	}
}

func TestGetContainerStatsSamplesLiveContainer(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	id, err := rig.m.RegisterBot(ctx, specFor("sampled", "sleeper", botspec.BackendIsolatedContainer))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rig.m.StartBot(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, rig.m, id, registry.StatusRunning)

	containers, err := rig.eng.List(ctx)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	var cid string
	for _, c := range containers {
		if c.BotID == id {
			cid = c.ID
		}
	}
	if cid == "" {
		t.Fatalf("no container for running bot")
	}

	stats, err := rig.m.GetContainerStats(ctx, cid)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.State != engine.StateRunning || stats.PID <= 0 {
		t.Errorf("stats = state %s pid %d, want a live sample", stats.State, stats.PID)
	}
	if stats.MemoryBytes <= 0 {
		t.Errorf("live container sampled zero memory")
	}

	if _, err := rig.m.GetContainerStats(ctx, "absent"); !errdefs.IsNotFound(err) {
		t.Errorf("unknown container: got %v, want not found", err)
	}
}

func TestGetIncidentsFiltersByBot(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	for _, botID := range []string{"bot-a", "bot-a", "bot-b"} {
		err := rig.sup.RecordIncident(ctx, &store.Incident{
			BotID:    botID,
			Severity: store.SeverityInfo,
			Message:  "operator note for " + botID,
			Action:   store.ActionNone,
		})
		if err != nil {
			t.Fatalf("record incident: %v", err)
		}
	}

	all, err := rig.m.GetIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		t.Fatalf("get incidents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d incidents, want 3", len(all))
	}
	onlyA, err := rig.m.GetIncidents(ctx, store.IncidentFilter{BotID: "bot-a"})
	if err != nil {
		t.Fatalf("get incidents for bot-a: %v", err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("got %d incidents for bot-a, want 2", len(onlyA))
	}
	for _, inc := range onlyA {
		if inc.BotID != "bot-a" {
			t.Errorf("filter leaked incident for %s", inc.BotID)
		}
	}
}

func TestRegisterSpecsDirHonorsAutostart(t *testing.T) {
	rig := newFleetRig(t)
	ctx := context.Background()

	files := []fleet.SpecFile{
		{Name: "auto.yaml", Data: []byte(
			"apiVersion: botan/v1\n" +
				"metadata:\n  id: auto-bot\n  name: auto bot\n" +
				"blueprint: sleeper\n" +
				"deploy:\n  backend: local-process\n" +
				"autostart: true\n")},
		{Name: "manual.yaml", Data: []byte(
			"apiVersion: botan/v1\n" +
				"metadata:\n  id: manual-bot\n  name: manual bot\n" +
				"blueprint: sleeper\n" +
				"deploy:\n  backend: local-process\n")},
		{Name: "broken.yaml", Data: []byte("apiVersion: nope\n")},
	}

	ids, err := rig.m.RegisterSpecsDir(ctx, "/etc/botan/specs", files)
	if err != nil {
		t.Fatalf("register specs dir: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("registered %d bots, want 2 (broken spec skipped)", len(ids))
	}

	waitStatus(t, rig.m, "auto-bot", registry.StatusRunning)
	manual, err := rig.m.GetBot(ctx, "manual-bot")
	if err != nil {
		t.Fatalf("get manual bot: %v", err)
	}
	if manual.Status != registry.StatusRegistered {
		t.Errorf("manual bot is %s, want registered", manual.Status)
	}

	// A second pass over the same directory registers nothing new.
	ids, err = rig.m.RegisterSpecsDir(ctx, "/etc/botan/specs", files)
	if err != nil {
		t.Fatalf("second register specs dir: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("second pass registered %v, want none", ids)
	}
}
