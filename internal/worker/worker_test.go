package worker_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/api"
	"github.com/bya-build/bya/internal/engine"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/queue"
	"github.com/bya-build/bya/internal/server"
	"github.com/bya-build/bya/internal/worker"
	"github.com/bya-build/bya/logger"
)

func TestRegisterAndCheckInReceivesAssignedRun(t *testing.T) {
	root := t.TempDir()
	jobDefsDir := filepath.Join(root, "job-defs")
	require.NoError(t, os.MkdirAll(jobDefsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDefsDir, "demo.yml"), []byte(
		"description: demo job\ntimeout: 10\nscript: \"echo hi\"\ncontainers:\n  - image: alpine\n    host_tag: linux\n"), 0o644))

	jobs, err := model.NewJobStore(jobDefsDir, logger.Discard)
	require.NoError(t, err)

	buildsRoot := filepath.Join(root, "builds")
	hostsDir := filepath.Join(root, "hosts")
	q, err := queue.New(filepath.Join(root, "run-queue"), filepath.Join(root, "active-runs"), buildsRoot)
	require.NoError(t, err)

	e := &engine.Engine{BuildsRoot: buildsRoot, HostsDir: hostsDir, Jobs: jobs, Queue: q, Logger: logger.Discard}
	srv := &server.Server{Engine: e, Logger: logger.Discard, HostsDir: hostsDir, BuildsRoot: buildsRoot, AutoEnlistHosts: true}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := api.NewClient(logger.Discard, api.Config{Endpoint: ts.URL + "/api/v1", Token: "workerkey123"})

	ctx := context.Background()
	_, err = worker.Register(ctx, client, "worker1", "workerkey123", []string{"linux"}, 1)
	require.NoError(t, err)

	_, err = e.CreateBuild("demo", []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "linux"},
	}, nil)
	require.NoError(t, err)

	var dispatched *api.RunAssignment
	w := &worker.Worker{
		Config: worker.Config{Name: "worker1", HostTags: []string{"linux"}, ConcurrentRuns: 1},
		Client: client,
		Logger: logger.Discard,
		Dispatch: func(ctx context.Context, run *api.RunAssignment) {
			dispatched = run
		},
	}

	checkinCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	w.Config.CheckInEvery = 10 * time.Millisecond
	_ = w.CheckInLoop(checkinCtx)

	require.NotNil(t, dispatched)
	require.Equal(t, "run_a", dispatched.Name)
	require.NotEmpty(t, dispatched.APIKey)
}

// TestCheckInOnceTriggersUpgradeOnVersionMismatch is scenario-adjacent
// to spec.md §4.5/§4.6: a check-in response whose worker_version
// differs from the worker's own Config.Version must invoke the
// configured Upgrade hook with that new version.
func TestCheckInOnceTriggersUpgradeOnVersionMismatch(t *testing.T) {
	root := t.TempDir()
	jobDefsDir := filepath.Join(root, "job-defs")
	require.NoError(t, os.MkdirAll(jobDefsDir, 0o755))

	jobs, err := model.NewJobStore(jobDefsDir, logger.Discard)
	require.NoError(t, err)

	buildsRoot := filepath.Join(root, "builds")
	hostsDir := filepath.Join(root, "hosts")
	q, err := queue.New(filepath.Join(root, "run-queue"), filepath.Join(root, "active-runs"), buildsRoot)
	require.NoError(t, err)

	runnerScript := filepath.Join(root, "runner.sh")
	require.NoError(t, os.WriteFile(runnerScript, []byte("#!/bin/sh\nexec \"$@\"\n"), 0o755))

	e := &engine.Engine{BuildsRoot: buildsRoot, HostsDir: hostsDir, Jobs: jobs, Queue: q, Logger: logger.Discard}
	srv := &server.Server{
		Engine:           e,
		Logger:           logger.Discard,
		HostsDir:         hostsDir,
		BuildsRoot:       buildsRoot,
		AutoEnlistHosts:  true,
		RunnerScriptPath: runnerScript,
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	client := api.NewClient(logger.Discard, api.Config{Endpoint: ts.URL + "/api/v1", Token: "workerkey123"})

	ctx := context.Background()
	_, err = worker.Register(ctx, client, "worker1", "workerkey123", []string{"linux"}, 1)
	require.NoError(t, err)

	var upgradedTo string
	w := &worker.Worker{
		Config: worker.Config{Name: "worker1", HostTags: []string{"linux"}, ConcurrentRuns: 1, Version: "stale-version"},
		Client: client,
		Logger: logger.Discard,
		Upgrade: func(_ context.Context, newVersion string) error {
			upgradedTo = newVersion
			return nil
		},
	}

	require.NoError(t, w.CheckInOnce(ctx))
	require.NotEmpty(t, upgradedTo)
}
