package executor

import (
	"errors"
	"testing"

	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/blueprints"
	"github.com/bdobrica/botan/internal/botan/errdefs"
	"github.com/bdobrica/botan/internal/botan/registry"
)

func TestParseHandleID(t *testing.T) {
	cases := []struct {
		in          string
		containerID string
		pid         int
		startMS     int64
		ok          bool
	}{
		{"container:abc123", "abc123", 0, 0, true},
		{"process:412:1700000000123", "", 412, 1700000000123, true},
		{"container:", "", 0, 0, false},
		{"process:412", "", 0, 0, false},
		{"process:notapid:5", "", 0, 0, false},
		{"process:-4:5", "", 0, 0, false},
		{"process:412:notams", "", 0, 0, false},
		{"", "", 0, 0, false},
		{"volume:xyz", "", 0, 0, false},
	}
	for _, tc := range cases {
		cid, pid, ms, ok := parseHandleID(tc.in)
		if ok != tc.ok || cid != tc.containerID || pid != tc.pid || ms != tc.startMS {
			t.Errorf("parseHandleID(%q) = (%q, %d, %d, %v), want (%q, %d, %d, %v)",
				tc.in, cid, pid, ms, ok, tc.containerID, tc.pid, tc.startMS, tc.ok)
		}
	}
}

func TestHandleIDRoundTrip(t *testing.T) {
	h := &handle{botID: "b-1", backend: botspec.BackendLocalProcess, pid: 99, startMS: 123456}
	cid, pid, ms, ok := parseHandleID(h.id())
	if !ok || cid != "" || pid != 99 || ms != 123456 {
		t.Errorf("process handle round trip gave (%q, %d, %d, %v)", cid, pid, ms, ok)
	}

	h = &handle{botID: "b-1", backend: botspec.BackendIsolatedContainer, containerID: "deadbeef"}
	cid, _, _, ok = parseHandleID(h.id())
	if !ok || cid != "deadbeef" {
		t.Errorf("container handle round trip gave (%q, %v)", cid, ok)
	}
}

func TestMergedEnvPrecedence(t *testing.T) {
	bot := &registry.Bot{
		ID:   "bot-1",
		Name: "worky",
		Role: "scraper",
		Deploy: botspec.Deploy{
			Backend: botspec.BackendLocalProcess,
			Env:     map[string]string{"GREETING": "bonjour", "ONLY_DEPLOY": "d"},
		},
	}
	m := &blueprints.Manifest{
		Command: "/bin/true",
		Env:     map[string]string{"GREETING": "hola", "ONLY_BASE": "b"},
	}

	env := mergedEnv(bot, m)
	if env["GREETING"] != "bonjour" {
		t.Errorf("deploy env did not win: GREETING = %q", env["GREETING"])
	}
	if env["ONLY_BASE"] != "b" || env["ONLY_DEPLOY"] != "d" {
		t.Errorf("merge dropped a layer: %v", env)
	}
	if env["BOTAN_BOT_ID"] != "bot-1" || env["BOTAN_BOT_NAME"] != "worky" || env["BOTAN_BOT_ROLE"] != "scraper" {
		t.Errorf("identity vars missing: %v", env)
	}
}

func TestRetryableSpawnClassification(t *testing.T) {
	for _, err := range []error{
		errdefs.Validationf("bad input"),
		errdefs.AlreadyExistsf("taken"),
		errdefs.InvalidStatef("wrong state"),
		errdefs.NotFoundf("missing"),
	} {
		if retryableSpawn(err) {
			t.Errorf("%v treated as retryable", err)
		}
	}
	for _, err := range []error{
		errdefs.Internalf("spawn blew up"),
		errdefs.Storage(errors.New("disk full")),
	} {
		if !retryableSpawn(err) {
			t.Errorf("%v treated as permanent", err)
		}
	}
}
