// Package blueprints resolves what a bot actually runs.
//
// A bot's blueprint reference is either an absolute executable path, used
// as-is, or the name of a catalog entry.  Each catalog entry lives in a named
// subdirectory and must contain a blueprint.yaml manifest using Go
// text/template syntax for variable substitution.
//
// Typical layout (relative to the catalog root):
//
//	crawler/blueprint.yaml
//	trader/blueprint.yaml
package blueprints

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/botan/internal/botan/errdefs"
)

// manifestFile is the name of the manifest inside each catalog entry.
const manifestFile = "blueprint.yaml"

// Manifest describes how to launch one bot workload.
type Manifest struct {
	// Command is the executable to run.  Required.
	Command string `yaml:"command"`
	// Args are passed to the command after template interpolation.
	Args []string `yaml:"args,omitempty"`
	// Env holds base environment variables; the bot's deploy env is layered
	// on top and wins on conflict.
	Env map[string]string `yaml:"env,omitempty"`
	// Workdir is the working directory for the process.  Optional.
	Workdir string `yaml:"workdir,omitempty"`
}

// Vars holds values interpolated into a blueprint manifest.
type Vars struct {
	// BotID is the registry ID of the bot being launched.
	BotID string
	// BotName is the human-readable bot name.
	BotName string
	// Role is the bot's role label, possibly empty.
	Role string
}

// Catalog resolves and renders blueprint manifests from a filesystem root.
//
// Example:
//
//	cat := blueprints.NewCatalog(os.DirFS("/etc/botan/blueprints"))
//	m, err := cat.Resolve("crawler", vars)
type Catalog struct {
	root fs.FS
}

// NewCatalog creates a Catalog backed by the provided filesystem root.  A nil
// root yields a catalog that can still resolve absolute paths but knows no
// named entries.
func NewCatalog(root fs.FS) *Catalog {
	return &Catalog{root: root}
}

// List returns the names of all catalog entries that contain a manifest.
func (c *Catalog) List() ([]string, error) {
	if c.root == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(c.root, ".")
	if err != nil {
		return nil, fmt.Errorf("listing blueprints: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(c.root, e.Name()+"/"+manifestFile); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Resolve turns a bot's blueprint reference into a runnable manifest.  An
// absolute path is treated as the command itself; anything else is rendered
// from the catalog.
func (c *Catalog) Resolve(ref string, vars Vars) (*Manifest, error) {
	if ref == "" {
		return nil, errdefs.Validationf("blueprint reference is empty")
	}
	if filepath.IsAbs(ref) {
		return &Manifest{Command: ref}, nil
	}
	if c == nil || c.root == nil {
		return nil, errdefs.NotFoundf("blueprint %q (no catalog configured)", ref)
	}
	return c.Render(ref, vars)
}

// Render loads the manifest for the named entry, interpolates vars, and
// returns the parsed manifest.
//
// Manifests are trusted operator content loaded from disk. User-submitted
// manifest content must NOT be used here: text/template allows arbitrary
// pipeline chaining that could be exploited.
func (c *Catalog) Render(name string, vars Vars) (*Manifest, error) {
	path := name + "/" + manifestFile

	raw, err := fs.ReadFile(c.root, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.NotFoundf("blueprint %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("blueprint %q: %w", name, err)
	}

	// Option "missingkey=error" causes the template to fail loudly if a Vars
	// field referenced in the manifest does not exist, instead of silently
	// inserting "<no value>".
	tmpl, err := template.New(path).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, errdefs.Validationf("blueprint %q: parse: %v", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, errdefs.Validationf("blueprint %q: render: %v", name, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, errdefs.Validationf("blueprint %q: decode manifest: %v", name, err)
	}
	if m.Command == "" {
		return nil, errdefs.Validationf("blueprint %q: manifest has no command", name)
	}
	return &m, nil
}
