package model

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bya-build/bya/internal/store"
)

const maxCreateBuildAttempts = 10

const (
	BuildStatusRunning             = "RUNNING"
	BuildStatusRunningWithFailures = "Running with Failure(s)"
	BuildStatusCompleted           = "Completed"
	BuildStatusCompletedWithFails  = "Completed with Failure(s)"
	BuildStatusQueued              = "QUEUED"
)

// Build wraps a numbered build directory under
// <BUILDS_DIR>/<flat-job-name>/<n>, per spec.md §3.
type Build struct {
	JobName string
	Number  int
	path    string
}

func jobBuildsDir(buildsRoot, jobName string) string {
	return filepath.Join(buildsRoot, jobName)
}

func buildPath(buildsRoot, jobName string, number int) string {
	return filepath.Join(jobBuildsDir(buildsRoot, jobName), strconv.Itoa(number))
}

func (b *Build) Path() string              { return b.path }
func (b *Build) summaryLogPath() string     { return filepath.Join(b.path, "summary.log") }
func (b *Build) statusFilePath() string     { return filepath.Join(b.path, "status") }
func (b *Build) triggerDataPath() string    { return filepath.Join(b.path, "trigger_data") }
func (b *Build) runsDir() string            { return filepath.Join(b.path, "runs") }

// ListBuildNumbers returns every build number that exists for a job,
// ascending.
func ListBuildNumbers(buildsRoot, jobName string) ([]int, error) {
	entries, err := os.ReadDir(jobBuildsDir(buildsRoot, jobName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, store.WrapError(store.KindInternal, err, "listing builds for %s", jobName)
	}

	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// LastBuildNumber returns the highest existing build number for a job, or 0.
func LastBuildNumber(buildsRoot, jobName string) (int, error) {
	nums, err := ListBuildNumbers(buildsRoot, jobName)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, nil
	}
	return nums[len(nums)-1], nil
}

// OpenBuild returns a handle to an existing build.
func OpenBuild(buildsRoot, jobName string, number int) *Build {
	return &Build{JobName: jobName, Number: number, path: buildPath(buildsRoot, jobName, number)}
}

// ResolvedRun is a single run to materialize when creating a build:
// the container image, resolved host-tag, and param overrides.
type ResolvedRun struct {
	Name      string
	Container string
	HostTag   string
	Params    map[string]string
}

// CreateBuild implements spec.md §4.2: it determines the next build
// number, retries mkdir up to maxCreateBuildAttempts times on
// collision (the sole concurrency primitive guaranteeing unique
// ascending build numbers across concurrent creators), writes the
// initial summary.log line and trigger_data, and creates a Run
// property directory (QUEUED) for each resolved run. It does not push
// anything onto the dispatch queue -- that is the caller's job
// (internal/engine), keeping this package free of a dependency on
// internal/queue.
func CreateBuild(buildsRoot, jobName string, runs []ResolvedRun, triggerData map[string]string) (*Build, []*Run, error) {
	jobDir := jobBuildsDir(buildsRoot, jobName)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, nil, store.WrapError(store.KindInternal, err, "creating job builds dir %s", jobDir)
	}

	last, err := LastBuildNumber(buildsRoot, jobName)
	if err != nil {
		return nil, nil, err
	}

	var build *Build
	next := last + 1
	for attempt := 0; attempt < maxCreateBuildAttempts; attempt++ {
		path := buildPath(buildsRoot, jobName, next)
		if err := os.Mkdir(path, 0o755); err != nil {
			if os.IsExist(err) {
				next++
				continue
			}
			return nil, nil, store.WrapError(store.KindInternal, err, "creating build dir %s", path)
		}
		build = &Build{JobName: jobName, Number: next, path: path}
		break
	}
	if build == nil {
		return nil, nil, store.NewError(store.KindInternal, "could not allocate a build number for %s after %d attempts", jobName, maxCreateBuildAttempts)
	}

	if err := os.Mkdir(build.runsDir(), 0o755); err != nil {
		return nil, nil, store.WrapError(store.KindInternal, err, "creating runs dir for build %d", build.Number)
	}

	if err := store.AppendLine(build.summaryLogPath(), "Build queued"); err != nil {
		return nil, nil, err
	}

	if triggerData == nil {
		triggerData = map[string]string{}
	}
	if err := writeTriggerData(build.triggerDataPath(), triggerData); err != nil {
		return nil, nil, err
	}

	createdRuns := make([]*Run, 0, len(runs))
	for _, rs := range runs {
		apiKey, err := GenerateAPIKey()
		if err != nil {
			return nil, nil, store.WrapError(store.KindInternal, err, "generating run api_key")
		}
		run, err := CreateRun(build.runsDir(), rs.Name, rs.Container, rs.HostTag, apiKey, rs.Params)
		if err != nil {
			return nil, nil, err
		}
		createdRuns = append(createdRuns, run)
	}

	return build, createdRuns, nil
}

func writeTriggerData(path string, data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return store.WrapError(store.KindInternal, err, "encoding trigger_data")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return store.WrapError(store.KindInternal, err, "writing %s", path)
	}
	return nil
}

// TriggerData reads the build's persisted trigger_data map.
func (b *Build) TriggerData() (map[string]string, error) {
	raw, err := os.ReadFile(b.triggerDataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, store.WrapError(store.KindInternal, err, "reading %s", b.triggerDataPath())
	}
	data := map[string]string{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, store.WrapError(store.KindInternal, err, "parsing %s", b.triggerDataPath())
	}
	return data, nil
}

// AppendSummary appends a line to the build's audit log.
func (b *Build) AppendSummary(line string) error {
	return store.AppendLine(b.summaryLogPath(), line)
}

// SummaryLog returns the full contents of the build's audit log.
func (b *Build) SummaryLog() (string, error) {
	raw, err := os.ReadFile(b.summaryLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", store.WrapError(store.KindInternal, err, "reading %s", b.summaryLogPath())
	}
	return string(raw), nil
}

// Runs lists every Run under this build.
func (b *Build) Runs() ([]*Run, error) {
	entries, err := os.ReadDir(b.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, store.WrapError(store.KindInternal, err, "listing runs for build %d", b.Number)
	}
	runs := make([]*Run, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, OpenRun(b.runsDir(), e.Name()))
		}
	}
	return runs, nil
}

// Run opens a single named run of this build.
func (b *Build) Run(name string) *Run { return OpenRun(b.runsDir(), name) }

// hasStatusFile reports whether the terminal status has already been
// persisted for this build.
func (b *Build) hasStatusFile() bool {
	_, err := os.Stat(b.statusFilePath())
	return err == nil
}

// Status implements the read-on-demand, memoize-once aggregation of
// spec.md §4.3. If the status file already exists, its contents are
// returned unchanged (invariant: a Build's status file is written at
// most once and never changes). Otherwise the statuses of every Run
// are aggregated; if a final status is reached, it is persisted for
// the first and only time. justTerminated reports whether this call
// is the one that performed that first write -- callers use it to
// gate one-shot notification fan-out.
func (b *Build) Status() (status string, justTerminated bool, err error) {
	if raw, ferr := os.ReadFile(b.statusFilePath()); ferr == nil {
		return string(raw), false, nil
	} else if !os.IsNotExist(ferr) {
		return StatusUnknown, false, nil
	}

	runs, err := b.Runs()
	if err != nil {
		return StatusUnknown, false, nil
	}

	seen := map[string]bool{}
	for _, r := range runs {
		seen[r.Status()] = true
	}

	switch {
	case seen[StatusRunning] && seen[StatusFailed]:
		return BuildStatusRunningWithFailures, false, nil

	case seen[StatusRunning]:
		return BuildStatusRunning, false, nil

	case len(seen) > 0 && onlyTerminal(seen):
		final := BuildStatusCompleted
		if seen[StatusFailed] {
			final = BuildStatusCompletedWithFails
		}
		if err := os.WriteFile(b.statusFilePath(), []byte(final), 0o644); err != nil {
			return StatusUnknown, false, nil
		}
		return final, true, nil

	default:
		return BuildStatusQueued, false, nil
	}
}

func onlyTerminal(seen map[string]bool) bool {
	for s := range seen {
		if s != StatusPassed && s != StatusFailed {
			return false
		}
	}
	return true
}

// CompletionTime returns the mtime of the status file, or the zero
// time if the build has not yet terminated.
func (b *Build) CompletionTime() time.Time {
	info, err := os.Stat(b.statusFilePath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Delete removes the build directory. It first renames the directory
// into a fresh temp directory under dataRoot, then recursively removes
// it, so the deletion is observationally atomic -- a concurrent reader
// either sees the build at its old path or not at all, never partially
// removed.
func (b *Build) Delete(dataRoot string) error {
	tmp, err := os.MkdirTemp(dataRoot, ".delete-*")
	if err != nil {
		return store.WrapError(store.KindInternal, err, "creating delete staging dir")
	}
	staged := filepath.Join(tmp, filepath.Base(b.path))
	if err := os.Rename(b.path, staged); err != nil {
		os.RemoveAll(tmp) //nolint:errcheck
		return store.WrapError(store.KindInternal, err, "staging build %d for deletion", b.Number)
	}
	if err := os.RemoveAll(tmp); err != nil {
		return store.WrapError(store.KindInternal, err, "removing staged build %d", b.Number)
	}
	return nil
}

// GenerateAPIKey returns a 16-character random ASCII-digit string from
// a cryptographically strong source, per spec.md §4.2. This is a
// named exact-format requirement, not a place a third-party library
// adds value over crypto/rand.
func GenerateAPIKey() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = digits[int(b)%len(digits)]
	}
	return string(buf), nil
}
