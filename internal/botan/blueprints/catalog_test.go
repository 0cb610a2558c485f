package blueprints_test

import (
	"testing"
	"testing/fstest"

	"github.com/bdobrica/botan/internal/botan/blueprints"
	"github.com/bdobrica/botan/internal/botan/errdefs"
)

// makeFS creates an in-memory fs.FS for testing.
func makeFS(files map[string]string) fstest.MapFS {
	m := make(fstest.MapFS)
	for path, content := range files {
		m[path] = &fstest.MapFile{Data: []byte(content)}
	}
	return m
}

const crawlerManifest = `command: /usr/bin/python3
args:
  - /opt/bots/crawler/main.py
  - --bot-id={{.BotID}}
env:
  BOT_NAME: "{{.BotName}}"
  BOT_ROLE: "{{.Role}}"
workdir: /opt/bots/crawler
`

func TestCatalogList(t *testing.T) {
	fs := makeFS(map[string]string{
		"crawler/blueprint.yaml": crawlerManifest,
		"trader/blueprint.yaml":  crawlerManifest,
		"README.md":              "not a blueprint dir",
	})

	cat := blueprints.NewCatalog(fs)

	names, err := cat.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("List: got %d names, want 2: %v", len(names), names)
	}
}

func TestCatalogResolveEntry(t *testing.T) {
	fs := makeFS(map[string]string{
		"crawler/blueprint.yaml": crawlerManifest,
	})

	cat := blueprints.NewCatalog(fs)
	m, err := cat.Resolve("crawler", blueprints.Vars{
		BotID:   "crawler-01",
		BotName: "My Crawler",
		Role:    "scraper",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if m.Command != "/usr/bin/python3" {
		t.Errorf("command: got %q", m.Command)
	}
	if len(m.Args) != 2 || m.Args[1] != "--bot-id=crawler-01" {
		t.Errorf("args: got %v", m.Args)
	}
	if m.Env["BOT_NAME"] != "My Crawler" || m.Env["BOT_ROLE"] != "scraper" {
		t.Errorf("env: got %v", m.Env)
	}
	if m.Workdir != "/opt/bots/crawler" {
		t.Errorf("workdir: got %q", m.Workdir)
	}
}

func TestCatalogResolveAbsolutePath(t *testing.T) {
	cat := blueprints.NewCatalog(nil)
	m, err := cat.Resolve("/usr/local/bin/worker", blueprints.Vars{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Command != "/usr/local/bin/worker" {
		t.Errorf("command: got %q", m.Command)
	}
}

func TestCatalogResolveUnknownEntry(t *testing.T) {
	cat := blueprints.NewCatalog(makeFS(nil))
	if _, err := cat.Resolve("ghost", blueprints.Vars{}); !errdefs.IsNotFound(err) {
		t.Errorf("unknown entry: got %v, want not-found", err)
	}

	// Named references without a catalog configured cannot resolve.
	bare := blueprints.NewCatalog(nil)
	if _, err := bare.Resolve("ghost", blueprints.Vars{}); !errdefs.IsNotFound(err) {
		t.Errorf("no catalog: got %v, want not-found", err)
	}
}

func TestCatalogRenderRejectsBadManifests(t *testing.T) {
	cases := map[string]string{
		"unknown var": "command: /bin/true\nargs: [\"{{.Nope}}\"]\n",
		"no command":  "args: [run]\n",
		"broken yaml": "command: [\n",
		"broken tmpl": "command: {{.BotID\n",
	}
	for name, content := range cases {
		fs := makeFS(map[string]string{"bad/blueprint.yaml": content})
		cat := blueprints.NewCatalog(fs)
		if _, err := cat.Resolve("bad", blueprints.Vars{}); !errdefs.IsValidation(err) {
			t.Errorf("%s: got %v, want validation error", name, err)
		}
	}
}
