package model

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/bya-build/bya/internal/store"
)

const (
	StatusQueued  = "QUEUED"
	StatusRunning = "RUNNING"
	StatusPassed  = "PASSED"
	StatusFailed  = "FAILED"
	// StatusUnknown is never written; it is a read-time fallback when
	// a Run's props file cannot be read, per spec.md §3.
	StatusUnknown = "UNKNOWN"
)

// allowedRunTransitions enforces spec.md §4.3's lifecycle:
// QUEUED -> RUNNING -> {PASSED, FAILED}.
var allowedRunTransitions = map[string][]string{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusPassed, StatusFailed},
	StatusPassed:  {},
	StatusFailed:  {},
}

// RunSchema is the property schema backing a Run's props file.
var RunSchema = store.Schema{
	{Name: "container", Type: store.TypeString, Required: true},
	{Name: "host_tag", Type: store.TypeString, Default: "*"},
	{Name: "params", Type: store.TypeDict, Default: map[string]any{}},
	{Name: "api_key", Type: store.TypeString, Required: true},
	store.StrChoiceProperty("status", true, StatusQueued, StatusQueued, StatusRunning, StatusPassed, StatusFailed),
}

// Run wraps the property directory at <build>/runs/<name>, plus its
// append-only console.log, per spec.md §3.
type Run struct {
	Name string
	dir  *store.Dir
	path string
}

func runConsoleLogPath(path string) string { return filepath.Join(path, "console.log") }

// CreateRun makes a new Run property directory, initially QUEUED.
func CreateRun(runsDir, name, container, hostTag, apiKey string, params map[string]string) (*Run, error) {
	path := filepath.Join(runsDir, name)
	paramsAny := make(map[string]any, len(params))
	for k, v := range params {
		paramsAny[k] = v
	}

	dir, err := store.Create(path, RunSchema, map[string]any{
		"container": container,
		"host_tag":  hostTag,
		"params":    paramsAny,
		"api_key":   apiKey,
		"status":    StatusQueued,
	})
	if err != nil {
		return nil, err
	}
	return &Run{Name: name, dir: dir, path: path}, nil
}

// OpenRun returns a handle to an existing Run.
func OpenRun(runsDir, name string) *Run {
	path := filepath.Join(runsDir, name)
	return &Run{Name: name, dir: store.Open(path, RunSchema), path: path}
}

// Path returns the run's directory path.
func (r *Run) Path() string { return r.path }

// ParseRunPath recovers the flat job name and build number a run
// belongs to from its own directory path
// (<buildsRoot>/<jobFlatName>/<n>/runs/<name>), the inverse of
// buildPath/CreateRun's layout. Used to compute the runner descriptor
// at dispatch time without threading the build through every caller.
func (r *Run) ParseRunPath() (jobFlatName string, buildNum int, err error) {
	runsDir := filepath.Dir(r.path)
	buildDir := filepath.Dir(runsDir)
	jobDir := filepath.Dir(buildDir)

	n, err := strconv.Atoi(filepath.Base(buildDir))
	if err != nil {
		return "", 0, fmt.Errorf("parsing build number from run path %s: %w", r.path, err)
	}
	return filepath.Base(jobDir), n, nil
}

// All returns the full property map, including api_key.
func (r *Run) All() (map[string]any, error) { return r.dir.All() }

// APIKey returns the run's own authentication token.
func (r *Run) APIKey() (string, error) { return r.dir.GetString("api_key") }

// Container returns the run's container image.
func (r *Run) Container() (string, error) { return r.dir.GetString("container") }

// HostTag returns the run's target host-tag.
func (r *Run) HostTag() (string, error) { return r.dir.GetString("host_tag") }

// Params returns the run's param map.
func (r *Run) Params() (map[string]string, error) {
	v, err := r.dir.Get("params")
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out, nil
}

// Status returns the run's current status. Per spec.md §7, this path
// never raises: on any read error it logs nothing itself (the caller
// may) and substitutes StatusUnknown, because status is read on every
// queue scan and must tolerate partial/in-progress writes.
func (r *Run) Status() string {
	s, err := r.dir.GetString("status")
	if err != nil {
		return StatusUnknown
	}
	if s == "" {
		return StatusUnknown
	}
	return s
}

// IsTerminal reports whether status is PASSED or FAILED.
func (r *Run) IsTerminal() bool {
	s := r.Status()
	return s == StatusPassed || s == StatusFailed
}

// UpdateStatus validates the transition against allowedRunTransitions
// (not merely schema choice-membership) and atomically persists it.
func (r *Run) UpdateStatus(newStatus string) error {
	current := r.Status()
	if current == StatusUnknown {
		return store.NewError(store.KindInternal, "run %s: cannot transition from unreadable status", r.Name)
	}

	allowed := allowedRunTransitions[current]
	ok := false
	for _, a := range allowed {
		if a == newStatus {
			ok = true
			break
		}
	}
	if !ok {
		return store.NewError(store.KindValidation, "run %s: invalid transition %s -> %s", r.Name, current, newStatus)
	}

	return r.dir.Update(map[string]any{"status": newStatus})
}

// ConsoleLogPath returns the path of the run's append-only log.
func (r *Run) ConsoleLogPath() string { return runConsoleLogPath(r.path) }

// AppendLog appends raw data to console.log.
func (r *Run) AppendLog(data []byte) error {
	return store.AppendFile(runConsoleLogPath(r.path), data)
}

// AppendLogLine appends a single newline-terminated informational line
// to console.log, used for queue/dispatch bookkeeping messages.
func (r *Run) AppendLogLine(line string) error {
	return store.AppendLine(runConsoleLogPath(r.path), line)
}
