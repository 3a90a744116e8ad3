package model

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bya-build/bya/internal/store"
)

// OnlineWindow is the liveness window for a Host, per spec.md §3:
// "A Host is online iff pings.log mtime is within 180 seconds of the
// current wall clock."
const OnlineWindow = 180 * time.Second

// HostSchema is the property schema backing a Host's props file.
var HostSchema = store.Schema{
	{Name: "distro", Type: store.TypeString, Default: ""},
	{Name: "mem_total", Type: store.TypeInt, Default: 0},
	{Name: "cpu_total", Type: store.TypeInt, Default: 0},
	{Name: "cpu_type", Type: store.TypeString, Default: ""},
	{Name: "enlisted", Type: store.TypeBool, Default: false},
	{Name: "api_key", Type: store.TypeString, Required: true},
	{Name: "concurrent_runs", Type: store.TypeInt, Default: 1},
	{Name: "host_tags", Type: store.TypeString, Default: "*"},
}

// Host wraps the property directory at HOSTS_DIR/<name>, plus the
// pings.log liveness file, per spec.md §3.
type Host struct {
	Name string
	dir  *store.Dir
	path string
}

func hostPingsLogPath(path string) string { return filepath.Join(path, "pings.log") }

// CreateHost makes a new Host property directory. enlisted is always
// forced by the caller (the server forces it to AUTO_ENLIST_HOSTS,
// never the value an API client supplied) per spec.md §4.5.
func CreateHost(hostsDir, name string, props map[string]any) (*Host, error) {
	path := filepath.Join(hostsDir, name)
	dir, err := store.Create(path, HostSchema, props)
	if err != nil {
		return nil, err
	}
	return &Host{Name: name, dir: dir, path: path}, nil
}

// OpenHost returns a handle to an existing Host. No I/O happens until
// a property is read.
func OpenHost(hostsDir, name string) *Host {
	path := filepath.Join(hostsDir, name)
	return &Host{Name: name, dir: store.Open(path, HostSchema), path: path}
}

// HostExists reports whether the named host has been created.
func HostExists(hostsDir, name string) bool {
	return store.Exists(filepath.Join(hostsDir, name))
}

// Path returns the host's directory path.
func (h *Host) Path() string { return h.path }

// All returns the full property map, including api_key.
func (h *Host) All() (map[string]any, error) { return h.dir.All() }

// Get reads a single property.
func (h *Host) Get(name string) (any, error) { return h.dir.Get(name) }

// APIKey returns the host's own authentication token.
func (h *Host) APIKey() (string, error) { return h.dir.GetString("api_key") }

// HostTags returns the comma-separated host-tags this host advertises.
func (h *Host) HostTags() (string, error) { return h.dir.GetString("host_tags") }

// Update performs a validated read-modify-write of the host's props.
func (h *Host) Update(overrides map[string]any) error { return h.dir.Update(overrides) }

// PublicMap returns the property map with api_key stripped, per
// spec.md §4.5 step 4.
func (h *Host) PublicMap() (map[string]any, error) {
	all, err := h.dir.All()
	if err != nil {
		return nil, err
	}
	delete(all, "api_key")
	return all, nil
}

// Remove deletes the host directory.
func (h *Host) Remove() error { return h.dir.Remove() }

// Ping appends the current unix timestamp to pings.log -- the
// liveness heartbeat of spec.md §4.5 step 2.
func (h *Host) Ping(now time.Time) error {
	return store.AppendLine(hostPingsLogPath(h.path), strconv.FormatInt(now.Unix(), 10))
}

// Online reports whether pings.log was modified within OnlineWindow of now.
func (h *Host) Online(now time.Time) bool {
	info, err := os.Stat(hostPingsLogPath(h.path))
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) < OnlineWindow
}

// LastPing returns the mtime of pings.log, the zero Time if absent.
func (h *Host) LastPing() time.Time {
	info, err := os.Stat(hostPingsLogPath(h.path))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// ListHostNames returns every host name under hostsDir.
func ListHostNames(hostsDir string) ([]string, error) {
	entries, err := os.ReadDir(hostsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, store.WrapError(store.KindInternal, err, "listing %s", hostsDir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
