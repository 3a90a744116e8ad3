// Package store implements the property schema and property-directory
// persistence layer described in spec.md §4.1: every persisted entity
// is backed by a directory containing a `props` JSON file, validated
// against a static Schema and accessed through lazy, read-through,
// read-modify-write semantics. The filesystem is the database; there
// is no separate index or cache invalidation beyond re-reading `props`.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const propsFileName = "props"

// Dir is a property directory: a filesystem directory whose `props`
// file holds a JSON object validated against a Schema. Reads are
// lazy -- the first Get loads and caches the file -- mirroring the
// source's lazy-attribute pattern (spec.md §9 Design Notes); callers
// that need to observe concurrent external writes should call Reload.
type Dir struct {
	path   string
	schema Schema

	loaded bool
	data   map[string]any
}

// Open returns a handle to an existing property directory. Nothing is
// read from disk until the first Get/All call.
func Open(path string, schema Schema) *Dir {
	return &Dir{path: path, schema: schema}
}

// Path returns the directory's filesystem path.
func (d *Dir) Path() string { return d.path }

// Create validates data, fills in schema defaults, creates the
// directory (failing if it already exists -- the mkdir race is
// resolved by letting the loser fail with KindConflict), and writes
// the initial props file.
func Create(path string, schema Schema, data map[string]any) (*Dir, error) {
	merged := schema.Defaults()
	for k, v := range data {
		merged[k] = v
	}
	if err := schema.Validate(merged); err != nil {
		return nil, err
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, WrapError(KindConflict, err, "%s already exists", path)
		}
		return nil, WrapError(KindInternal, err, "creating %s", path)
	}

	if err := writeJSONAtomic(filepath.Join(path, propsFileName), merged); err != nil {
		return nil, err
	}

	return &Dir{path: path, schema: schema, loaded: true, data: merged}, nil
}

// Exists reports whether the property directory's props file is present.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, propsFileName))
	return err == nil
}

func (d *Dir) load() error {
	if d.loaded {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(d.path, propsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return WrapError(KindNotFound, err, "%s has no props file", d.path)
		}
		return WrapError(KindInternal, err, "reading %s", d.path)
	}

	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return WrapError(KindInternal, err, "parsing %s", filepath.Join(d.path, propsFileName))
	}

	for k, v := range d.schema.Defaults() {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}

	d.data = data
	d.loaded = true
	return nil
}

// Reload forces the next Get/All to re-read props from disk. Used
// where external mutation (e.g. via another process) must be observed.
func (d *Dir) Reload() { d.loaded = false; d.data = nil }

// Get returns a single property's value, applying its schema default
// if absent.
func (d *Dir) Get(name string) (any, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	if v, ok := d.data[name]; ok {
		return v, nil
	}
	if p, ok := d.schema.find(name); ok {
		return p.Default, nil
	}
	return nil, nil
}

// GetString is a typed convenience wrapper over Get.
func (d *Dir) GetString(name string) (string, error) {
	v, err := d.Get(name)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// All returns the full merged property map (schema defaults underneath
// persisted values). The returned map is a copy; mutating it has no effect.
func (d *Dir) All() (map[string]any, error) {
	if err := d.load(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(d.data))
	for k, v := range d.data {
		out[k] = v
	}
	return out, nil
}

// Update performs a read-modify-write: load the current map, merge in
// overrides, validate the merged result against the schema, and
// atomically replace the props file. On validation failure the
// on-disk file and in-memory cache are left untouched.
func (d *Dir) Update(overrides map[string]any) error {
	if err := d.load(); err != nil {
		return err
	}

	merged := make(map[string]any, len(d.data)+len(overrides))
	for k, v := range d.data {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	if err := d.schema.Validate(merged); err != nil {
		return err
	}

	if err := writeJSONAtomic(filepath.Join(d.path, propsFileName), merged); err != nil {
		return err
	}

	d.data = merged
	return nil
}

// Remove recursively deletes the property directory.
func (d *Dir) Remove() error {
	if err := os.RemoveAll(d.path); err != nil {
		return WrapError(KindInternal, err, "removing %s", d.path)
	}
	return nil
}

// writeJSONAtomic writes data as JSON to a temp file in the same
// directory as path, then renames it into place -- the single-writer
// primitive spec.md §5 requires for props files.
func writeJSONAtomic(path string, data any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return WrapError(KindInternal, err, "creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(data); err != nil {
		tmp.Close() //nolint:errcheck
		return WrapError(KindInternal, err, "encoding %s", path)
	}
	if err := tmp.Close(); err != nil {
		return WrapError(KindInternal, err, "closing temp file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return WrapError(KindInternal, err, "renaming %s into place", path)
	}
	return nil
}

// WriteFileAtomic writes raw bytes to a temp file in path's directory
// then renames it into place. Exported for callers outside this
// package that need the same temp+rename primitive for non-props
// files, such as a trigger's cache file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return WrapError(KindInternal, err, "creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return WrapError(KindInternal, err, "writing %s", path)
	}
	if err := tmp.Close(); err != nil {
		return WrapError(KindInternal, err, "closing temp file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return WrapError(KindInternal, err, "renaming %s into place", path)
	}
	return nil
}

// AppendFile opens path for appending (creating it if necessary) and
// writes data, relying on O_APPEND semantics for safe concurrent appends.
func AppendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return WrapError(KindInternal, err, "opening %s for append", path)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Write(data); err != nil {
		return WrapError(KindInternal, err, "appending to %s", path)
	}
	return nil
}

// AppendLine is AppendFile with a trailing newline, the audit-log idiom
// used throughout build summary.log and run console.log writes.
func AppendLine(path, line string) error {
	return AppendFile(path, []byte(line+"\n"))
}
