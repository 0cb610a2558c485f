package registry

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/botan/common/atomicfile"
	"github.com/bdobrica/botan/common/crypto"
	"github.com/bdobrica/botan/common/spec/botspec"
	"github.com/bdobrica/botan/internal/botan/errdefs"
)

// schemaVersion is the document format this build reads and writes.  Opening
// a document with a different version fails; migrations bump this.
const schemaVersion = 1

//go:embed schema.json
var schemaJSON string

// docSchema validates every document read from disk or imported.
var docSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("registry: add schema resource: %v", err))
	}
	return c.MustCompile("schema.json")
}

var botsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "botan_registry_bots",
	Help: "Number of bots in the registry by status.",
}, []string{"status"})

// document is the persisted registry state.
type document struct {
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Bots          map[string]*Bot `json:"bots"`
}

func (d *document) clone() *document {
	out := &document{
		SchemaVersion: d.SchemaVersion,
		UpdatedAt:     d.UpdatedAt,
		Bots:          make(map[string]*Bot, len(d.Bots)),
	}
	for id, b := range d.Bots {
		out.Bots[id] = b.Clone()
	}
	return out
}

// Options configures Open.
type Options struct {
	// MasterKey, when non-nil, enables AES-GCM encryption of bot env vars in
	// the on-disk document.  Must be crypto.KeySize bytes.
	MasterKey []byte
}

// Registry holds the fleet state.  All mutations go through a single writer
// lock: the mutation is applied to a copy of the committed document, the copy
// is written to disk, and only after the rename succeeds does the copy become
// the in-memory state.  A failed write therefore leaves both memory and disk
// at the last committed state.
type Registry struct {
	path string
	key  []byte

	mu  sync.RWMutex
	doc *document
}

// Open loads the registry document at path, creating an empty one when the
// file does not exist.  Stale temp files from interrupted writes are removed
// first.
func Open(path string, opts Options) (*Registry, error) {
	if opts.MasterKey != nil && len(opts.MasterKey) != crypto.KeySize {
		return nil, fmt.Errorf("registry: master key must be %d bytes, got %d", crypto.KeySize, len(opts.MasterKey))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Storage(fmt.Errorf("create registry dir %s: %w", dir, err))
	}
	if n := atomicfile.CleanStale(dir); n > 0 {
		slog.Warn("registry: removed stale temp files from interrupted writes", "count", n)
	}

	r := &Registry{path: path, key: opts.MasterKey}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fresh := &document{SchemaVersion: schemaVersion, Bots: map[string]*Bot{}}
		if err := r.persistAndSwap(fresh); err != nil {
			return nil, err
		}
		slog.Info("registry: created new document", "path", path)
	case err != nil:
		return nil, errdefs.Storage(fmt.Errorf("read %s: %w", path, err))
	default:
		doc, err := decodeDocument(raw, opts.MasterKey)
		if err != nil {
			return nil, errdefs.Storage(fmt.Errorf("open %s: %w", path, err))
		}
		r.doc = doc
		r.updateGauge()
		slog.Info("registry: loaded document", "path", path, "bots", len(doc.Bots))
	}
	return r, nil
}

// Add registers a new bot.  The record must describe a bot that has not run
// yet: its status is stamped to registered, timestamps are set, and an ID is
// generated from the name when the caller did not supply one.  The committed
// record is returned.
func (r *Registry) Add(ctx context.Context, bot *Bot) (*Bot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.FromContext(err)
	}
	if bot == nil {
		return nil, errdefs.Validationf("bot must not be nil")
	}
	if strings.TrimSpace(bot.Name) == "" {
		return nil, errdefs.Validationf("bot name must not be empty")
	}
	if strings.TrimSpace(bot.Blueprint) == "" {
		return nil, errdefs.Validationf("bot %q has no blueprint", bot.Name)
	}
	if bot.Status != "" && bot.Status != StatusCreated {
		return nil, errdefs.Validationf("new bot %q must start in the created state, got %q", bot.Name, bot.Status)
	}
	if err := botspec.ValidateDeploy(&bot.Deploy); err != nil {
		return nil, errdefs.Validationf("bot %q: deploy: %v", bot.Name, err)
	}

	rec := bot.Clone()
	if rec.ID == "" {
		rec.ID = newID(rec.Name)
	} else if err := botspec.ValidateID(rec.ID); err != nil {
		return nil, errdefs.Validationf("%v", err)
	}
	rec.Status = StatusRegistered
	rec.Telemetry = nil
	rec.LastError = ""
	rec.ErrorCount = 0
	rec.EnvEnc = ""
	rec.StartedAt = nil
	rec.StoppedAt = nil
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.doc.Bots[rec.ID]; exists {
		return nil, errdefs.AlreadyExistsf("bot %q", rec.ID)
	}
	next := r.doc.clone()
	next.Bots[rec.ID] = rec
	if err := r.persistAndSwap(next); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Get returns a copy of the bot record.
func (r *Registry) Get(ctx context.Context, id string) (*Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.doc.Bots[id]
	if !ok {
		return nil, errdefs.NotFoundf("bot %q", id)
	}
	return b.Clone(), nil
}

// List returns copies of all bots matching the filter, ordered by creation
// time (oldest first) with ID as tie-breaker.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Bot, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errdefs.Validationf("unknown status filter %q", f.Status)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Bot, 0, len(r.doc.Bots))
	for _, b := range r.doc.Bots {
		if f.matches(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateStatus moves a bot to a new status, enforcing the transition graph.
// Setting the status it already has is a refresh, not a transition.  Leaving
// the failed state clears LastError; entering running from deploying stamps
// the start of a new episode.  The committed record is returned.
func (r *Registry) UpdateStatus(ctx context.Context, id string, to Status) (*Bot, error) {
	if !to.Valid() {
		return nil, errdefs.Validationf("unknown status %q", to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.doc.Bots[id]
	if !ok {
		return nil, errdefs.NotFoundf("bot %q", id)
	}
	if cur.Status != to && !CanTransition(cur.Status, to) {
		return nil, errdefs.InvalidStatef("bot %q cannot go from %q to %q", id, cur.Status, to)
	}

	next := r.doc.clone()
	b := next.Bots[id]
	now := time.Now().UTC()
	if b.Status == StatusFailed && to != StatusFailed {
		b.LastError = ""
	}
	if to == StatusRunning && b.Status == StatusDeploying {
		b.StartedAt = &now
		b.StoppedAt = nil
	}
	if (to == StatusStopped || to == StatusFailed) && b.Status != to {
		b.StoppedAt = &now
	}
	b.Status = to
	b.UpdatedAt = now
	if err := r.persistAndSwap(next); err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// MarkFailed moves a bot to failed, records the reason, and bumps the
// lifetime error count.  Calling it on a bot that is already failed refreshes
// the reason and still counts, so the heal loop can report repeated crashes
// without tripping the transition check.
func (r *Registry) MarkFailed(ctx context.Context, id, reason string) (*Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.doc.Bots[id]
	if !ok {
		return nil, errdefs.NotFoundf("bot %q", id)
	}
	if cur.Status != StatusFailed && !CanTransition(cur.Status, StatusFailed) {
		return nil, errdefs.InvalidStatef("bot %q cannot go from %q to %q", id, cur.Status, StatusFailed)
	}

	next := r.doc.clone()
	b := next.Bots[id]
	now := time.Now().UTC()
	if b.Status != StatusFailed {
		b.StoppedAt = &now
	}
	b.Status = StatusFailed
	b.LastError = reason
	b.ErrorCount++
	b.UpdatedAt = now
	if err := r.persistAndSwap(next); err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// UpdateTelemetry records the latest resource sample and heartbeat for a bot.
func (r *Registry) UpdateTelemetry(ctx context.Context, id string, t Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doc.Bots[id]; !ok {
		return errdefs.NotFoundf("bot %q", id)
	}

	next := r.doc.clone()
	b := next.Bots[id]
	tel := t
	b.Telemetry = &tel
	b.UpdatedAt = time.Now().UTC()
	return r.persistAndSwap(next)
}

// Delete removes a bot record.  Bots that are mid-episode must be stopped
// first.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.doc.Bots[id]
	if !ok {
		return errdefs.NotFoundf("bot %q", id)
	}
	if !Deletable(cur.Status) {
		return errdefs.InvalidStatef("bot %q is %s; stop it before deleting", id, cur.Status)
	}

	next := r.doc.clone()
	delete(next.Bots, id)
	return r.persistAndSwap(next)
}

// Export returns the full registry document as indented JSON.  Env vars are
// always plaintext in the snapshot regardless of the at-rest encryption
// setting.
func (r *Registry) Export(ctx context.Context) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return nil, errdefs.Storage(fmt.Errorf("encode snapshot: %w", err))
	}
	return data, nil
}

// Import replaces the entire registry state with the given snapshot.  The
// snapshot is fully validated before anything is touched; a validation
// failure leaves the current state untouched.
func (r *Registry) Import(ctx context.Context, data []byte) error {
	doc, err := decodeDocument(data, r.key)
	if err != nil {
		return errdefs.Validationf("import snapshot: %v", err)
	}
	doc.SchemaVersion = schemaVersion

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistAndSwap(doc)
}

// persistAndSwap writes doc to disk and, on success, makes it the committed
// in-memory state.  Callers must hold the write lock.
func (r *Registry) persistAndSwap(doc *document) error {
	doc.UpdatedAt = time.Now().UTC()
	data, err := r.encode(doc)
	if err != nil {
		return errdefs.Storage(fmt.Errorf("encode registry document: %w", err))
	}
	if err := atomicfile.WriteFile(r.path, data, 0o600); err != nil {
		return errdefs.Storage(err)
	}
	r.doc = doc
	r.updateGauge()
	return nil
}

// encode marshals doc for disk, encrypting env vars when a master key is
// configured.
func (r *Registry) encode(doc *document) ([]byte, error) {
	out := doc
	if r.key != nil {
		out = doc.clone()
		for id, b := range out.Bots {
			if len(b.Deploy.Env) == 0 {
				continue
			}
			plain, err := json.Marshal(b.Deploy.Env)
			if err != nil {
				return nil, fmt.Errorf("bot %q: marshal env: %w", id, err)
			}
			sealed, err := crypto.Encrypt(r.key, plain)
			if err != nil {
				return nil, fmt.Errorf("bot %q: encrypt env: %w", id, err)
			}
			b.EnvEnc = base64.StdEncoding.EncodeToString(sealed)
			b.Deploy.Env = nil
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

// updateGauge republishes the per-status bot counts.  Callers must hold at
// least the read lock.
func (r *Registry) updateGauge() {
	botsGauge.Reset()
	for _, b := range r.doc.Bots {
		botsGauge.WithLabelValues(string(b.Status)).Inc()
	}
}

// decodeDocument parses, schema-validates, and semantically validates a
// registry document, decrypting env vars when needed.
func decodeDocument(data, key []byte) (*document, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse registry document: %w", err)
	}
	if err := docSchema.Validate(probe); err != nil {
		return nil, fmt.Errorf("registry document failed schema validation: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode registry document: %w", err)
	}
	if doc.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %d (this build understands %d)", doc.SchemaVersion, schemaVersion)
	}
	if doc.Bots == nil {
		doc.Bots = map[string]*Bot{}
	}

	for id, b := range doc.Bots {
		if b.ID != id {
			return nil, fmt.Errorf("bot %q: id field %q does not match its key", id, b.ID)
		}
		if err := botspec.ValidateDeploy(&b.Deploy); err != nil {
			return nil, fmt.Errorf("bot %q: deploy: %w", id, err)
		}
		if b.EnvEnc != "" {
			if key == nil {
				return nil, fmt.Errorf("bot %q has encrypted env but no master key is configured", id)
			}
			sealed, err := base64.StdEncoding.DecodeString(b.EnvEnc)
			if err != nil {
				return nil, fmt.Errorf("bot %q: decode env_enc: %w", id, err)
			}
			plain, err := crypto.Decrypt(key, sealed)
			if err != nil {
				return nil, fmt.Errorf("bot %q: decrypt env: %w", id, err)
			}
			var env map[string]string
			if err := json.Unmarshal(plain, &env); err != nil {
				return nil, fmt.Errorf("bot %q: decode env: %w", id, err)
			}
			b.Deploy.Env = env
			b.EnvEnc = ""
		}
	}
	return &doc, nil
}

// newID derives a unique bot ID from the name: a slug plus a short random
// suffix, capped at the 63-character ID limit.
func newID(name string) string {
	const maxSlug = 54
	slug := slugify(name)
	if len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	suffix := uuid.NewString()[:8]
	if slug == "" {
		return "bot-" + suffix
	}
	return slug + "-" + suffix
}

// slugify lowercases name and collapses every run of other characters into a
// single hyphen.
func slugify(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
