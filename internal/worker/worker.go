// Package worker implements the worker-side client of spec.md §4.5/§6:
// registration, periodic check-in with capacity reporting, and a
// bounded retry ladder for status/log POSTs, built on api.Client the
// same way the teacher's agent package wraps its own api.Client.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"

	"github.com/bya-build/bya/api"
	"github.com/bya-build/bya/logger"
)

// Config configures a single worker process.
type Config struct {
	Name           string
	HostTags       []string
	ConcurrentRuns int
	CheckInEvery   time.Duration

	// Version is this worker's own running worker_version (the value
	// it was registered with). Compared against every check-in
	// response's WorkerVersion to decide whether to self-upgrade, per
	// spec.md §4.5/§4.6. Empty disables the comparison.
	Version string
}

// Worker polls the server for work and reports run results back.
type Worker struct {
	Config Config
	Client *api.Client
	Logger logger.Logger

	// Dispatch, when a check-in assigns a run, is invoked with the
	// assignment; the caller is responsible for actually executing the
	// runner descriptor (out of scope here, per spec.md §1).
	Dispatch func(ctx context.Context, run *api.RunAssignment)

	// Upgrade, when a check-in's WorkerVersion no longer matches
	// Config.Version, is invoked with the new version string. The
	// caller is responsible for fetching the new worker artifact and
	// installing it (e.g. via the package-level Upgrade helper) --
	// spec.md's HTTP API (§6) defines no route for distributing the
	// worker binary itself (that lived in the source's HTML-rendered
	// UI layer, out of scope per spec.md §1), so there is no
	// in-package default for *how* to fetch the new bytes. Nil
	// disables self-upgrade entirely.
	Upgrade func(ctx context.Context, newVersion string) error
}

// MachineTag returns a stable per-host fingerprint suitable as a
// default worker Name when the operator doesn't supply one.
func MachineTag() (string, error) {
	id, err := machineid.ID()
	if err != nil {
		return "", fmt.Errorf("reading machine id: %w", err)
	}
	return "host-" + id[:12], nil
}

// Register creates the host record for this worker with apiKey, which
// the caller generates client-side (the server never hands one back on a
// plain registration, since api_key is the credential the worker
// authenticates future requests with).
func Register(ctx context.Context, client *api.Client, name, apiKey string, hostTags []string, concurrentRuns int) (*api.Host, error) {
	host := &api.Host{
		Name:           name,
		APIKey:         apiKey,
		HostTags:       strings.Join(hostTags, ","),
		ConcurrentRuns: concurrentRuns,
	}
	out, _, err := client.Hosts.Register(ctx, host)
	return out, err
}

// CheckInLoop blocks, performing a check-in every Config.CheckInEvery
// until ctx is cancelled. Each successful check-in that returns an
// assigned run invokes Dispatch.
func (w *Worker) CheckInLoop(ctx context.Context) error {
	interval := w.Config.CheckInEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.CheckInOnce(ctx); err != nil {
			w.Logger.Warn("worker: check-in failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckInOnce performs a single check-in request, dispatching the
// assigned run (if any) via Dispatch. Exported for callers that drive
// their own schedule -- e.g. a single `bya-worker check` invocation
// fired by an external cron.
func (w *Worker) CheckInOnce(ctx context.Context) error {
	checkInTotal.Inc()

	available := w.Config.ConcurrentRuns
	host, _, err := w.Client.Hosts.CheckIn(ctx, w.Config.Name, &api.CheckInOptions{AvailableRunners: available})
	if err != nil {
		checkInErrorsTotal.Inc()
		return err
	}

	for _, run := range host.Runs {
		if w.Dispatch != nil {
			w.Dispatch(ctx, run)
		}
	}

	if w.Config.Version != "" && host.WorkerVersion != "" && host.WorkerVersion != w.Config.Version {
		w.Logger.Notice("worker: server reports worker_version %s, running %s", host.WorkerVersion, w.Config.Version)
		if w.Upgrade != nil {
			if err := w.Upgrade(ctx, host.WorkerVersion); err != nil {
				w.Logger.Warn("worker: self-upgrade to %s failed: %v", host.WorkerVersion, err)
			}
		} else {
			w.Logger.Warn("worker: no Upgrade handler configured, staying on %s", w.Config.Version)
		}
	}

	return nil
}

// ReportStatus POSTs a run's terminal (or intermediate) status and any
// accumulated log data, retrying per the step ladder in retry.go since
// this call carries state the server has no other way to learn.
func (w *Worker) ReportStatus(ctx context.Context, run *api.RunAssignment, status string, logData []byte) error {
	return doWithStepLadder(defaultSteps, func(attempt int) error {
		_, err := w.Client.Runs.AppendLog(ctx, run.BuildName, run.BuildNum, run.Name, run.APIKey, logData, &api.AppendLogOptions{Status: status})
		if err != nil {
			w.Logger.Warn("worker: reporting status %s for run %s (attempt %d): %v", status, run.Name, attempt+1, err)
		}
		return err
	})
}

// lockPath is the worker singleton's advisory lock location, per
// spec.md §5.
const lockPath = "/tmp/bya_worker.lock"

// LockPath returns the worker singleton lock's filesystem path.
func LockPath() string { return lockPath }

// Upgrade replaces the running worker binary with newBinary and execs
// it in place, preserving argv/envp, per spec.md §4.5's self-upgrade
// requirement: download the new binary to a sibling path, make it
// executable, rename it over the current binary, then exec.
func Upgrade(currentExePath string, newBinary []byte, args []string) error {
	sibling := currentExePath + ".upgrade"
	if err := os.WriteFile(sibling, newBinary, 0o755); err != nil {
		return fmt.Errorf("writing upgraded binary: %w", err)
	}
	if err := os.Chmod(sibling, 0o755); err != nil {
		return fmt.Errorf("marking upgraded binary executable: %w", err)
	}
	if err := os.Rename(sibling, currentExePath); err != nil {
		return fmt.Errorf("installing upgraded binary: %w", err)
	}
	return execInPlace(currentExePath, args)
}

// ExePath returns the absolute path of the currently running worker
// binary, the target Upgrade overwrites.
func ExePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Abs(exe)
}

func environ() []string { return os.Environ() }
