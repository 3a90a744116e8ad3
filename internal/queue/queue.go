// Package queue implements the tagged dispatch queue of spec.md §4.4:
// a symlink-based FIFO over two sibling directories, QUEUE_DIR and
// RUNNING_DIR. Entries are symlinks named "<host_tag>#<timestamp>"
// pointing at run directories; take() uses rename(2)'s atomicity as
// the at-most-once delivery primitive (spec.md §5).
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/store"
)

// Queue is the symlink dispatch queue rooted at a data directory
// containing "run-queue" and "active-runs" subdirectories.
type Queue struct {
	queueDir   string
	runningDir string
	buildsRoot string

	// now is overridable in tests.
	now func() time.Time
}

// New returns a Queue backed by queueDir (waiting) and runningDir (in
// flight), creating them if absent. buildsRoot is used to resolve a
// run directory back to its enclosing build for summary-log writes.
func New(queueDir, runningDir, buildsRoot string) (*Queue, error) {
	for _, d := range []string{queueDir, runningDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, store.WrapError(store.KindInternal, err, "creating queue dir %s", d)
		}
	}
	return &Queue{queueDir: queueDir, runningDir: runningDir, buildsRoot: buildsRoot, now: time.Now}, nil
}

// SetClock overrides the queue's timestamp source, for deterministic
// push-ordering tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

type entry struct {
	name      string
	hostTag   string
	timestamp string
	linkPath  string
}

func parseEntryName(name string) (hostTag, timestamp string, ok bool) {
	i := strings.LastIndex(name, "#")
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Push creates a symlink in QUEUE_DIR pointing at run's directory,
// named "<hostTag>#<timestamp>". It also appends an advisory queue
// position line to the run's console log, per spec.md §4.4.
func (q *Queue) Push(run *model.Run, hostTag string) error {
	ts := fmt.Sprintf("%.6f", float64(q.now().UnixNano())/1e9)
	name := hostTag + "#" + ts
	link := filepath.Join(q.queueDir, name)

	position, _ := q.countQueued()

	if err := os.Symlink(run.Path(), link); err != nil {
		return store.WrapError(store.KindInternal, err, "pushing run %s onto queue", run.Name)
	}

	return run.AppendLogLine(fmt.Sprintf("# Queued (position %d)", position+1))
}

func (q *Queue) countQueued() (int, error) {
	entries, err := os.ReadDir(q.queueDir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (q *Queue) listEntries(dir string) ([]entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, store.WrapError(store.KindInternal, err, "scanning %s", dir)
	}

	out := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		hostTag, ts, ok := parseEntryName(de.Name())
		if !ok {
			continue
		}
		out = append(out, entry{name: de.Name(), hostTag: hostTag, timestamp: ts, linkPath: filepath.Join(dir, de.Name())})
	}
	return out, nil
}

func matchesTags(entryTag string, hostTags []string) bool {
	if entryTag == "*" {
		return true
	}
	for _, t := range hostTags {
		if t == entryTag {
			return true
		}
	}
	return false
}

// Take picks the oldest queued entry (by timestamp, then lexicographic
// filename as a tiebreak) matching hostName's tags, atomically renames
// it into RUNNING_DIR, and returns the corresponding Run. If another
// worker wins the race for the same entry, rename fails with
// ErrNotExist and Take returns (nil, nil) -- not an error -- per
// spec.md §4.4 step 4.
func (q *Queue) Take(hostName string, hostTags []string) (*model.Run, error) {
	entries, err := q.listEntries(q.queueDir)
	if err != nil {
		return nil, err
	}

	candidates := make([]entry, 0, len(entries))
	for _, e := range entries {
		if matchesTags(e.hostTag, hostTags) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		ti, erri := strconv.ParseFloat(candidates[i].timestamp, 64)
		tj, errj := strconv.ParseFloat(candidates[j].timestamp, 64)
		if erri == nil && errj == nil && ti != tj {
			return ti < tj
		}
		return candidates[i].name < candidates[j].name
	})

	for _, c := range candidates {
		target, err := os.Readlink(c.linkPath)
		if err != nil {
			continue
		}

		runningLink := filepath.Join(q.runningDir, c.name)
		if err := os.Rename(c.linkPath, runningLink); err != nil {
			if os.IsNotExist(err) {
				// another worker won the race for this entry
				return nil, nil
			}
			return nil, store.WrapError(store.KindInternal, err, "dequeuing %s", c.name)
		}

		run := model.OpenRun(filepath.Dir(target), filepath.Base(target))
		if err := run.AppendLogLine(fmt.Sprintf("# Dequeued to: %s", hostName)); err != nil {
			return run, err
		}
		q.appendBuildSummary(target, fmt.Sprintf("%s dequeued to %s", filepath.Base(target), hostName))
		return run, nil
	}

	return nil, nil
}

// Complete unlinks the RUNNING_DIR entry whose resolved target equals
// run's path (the run has reached a terminal status), and appends a
// summary line to the enclosing build, per spec.md §4.4.
func (q *Queue) Complete(run *model.Run, status string) error {
	entries, err := q.listEntries(q.runningDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		target, err := os.Readlink(e.linkPath)
		if err != nil {
			continue
		}
		if target == run.Path() {
			if err := os.Remove(e.linkPath); err != nil && !os.IsNotExist(err) {
				return store.WrapError(store.KindInternal, err, "completing run %s", run.Name)
			}
			break
		}
	}
	q.appendBuildSummary(run.Path(), fmt.Sprintf("%s status=%s", run.Name, status))
	return nil
}

// appendBuildSummary resolves a run's enclosing build directory from
// its path (<buildsRoot>/<job>/<n>/runs/<run>) and appends a line to
// its summary.log. Failures are swallowed: summary logging is
// best-effort audit trail, not load-bearing state.
func (q *Queue) appendBuildSummary(runPath, line string) {
	runsDir := filepath.Dir(runPath)
	buildDir := filepath.Dir(runsDir)
	store.AppendLine(filepath.Join(buildDir, "summary.log"), line) //nolint:errcheck
}

// ListQueued returns every Run currently waiting in QUEUE_DIR. Order
// is unspecified.
func (q *Queue) ListQueued() ([]*model.Run, error) { return q.listRuns(q.queueDir) }

// ListRunning returns every Run currently dispatched in RUNNING_DIR.
// Order is unspecified.
func (q *Queue) ListRunning() ([]*model.Run, error) { return q.listRuns(q.runningDir) }

func (q *Queue) listRuns(dir string) ([]*model.Run, error) {
	entries, err := q.listEntries(dir)
	if err != nil {
		return nil, err
	}
	runs := make([]*model.Run, 0, len(entries))
	for _, e := range entries {
		target, err := os.Readlink(e.linkPath)
		if err != nil {
			continue
		}
		runs = append(runs, model.OpenRun(filepath.Dir(target), filepath.Base(target)))
	}
	return runs, nil
}
