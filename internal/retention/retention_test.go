package retention_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/retention"
	"github.com/bya-build/bya/logger"
)

// terminate creates a single-run build and drives it to a terminal
// status so Build.Status() persists the status file and
// Build.CompletionTime() becomes non-zero.
func terminate(t *testing.T, root, job string, final string) *model.Build {
	t.Helper()
	build, runs, err := model.CreateBuild(root, job, []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "*"},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, runs[0].UpdateStatus(model.StatusRunning))
	require.NoError(t, runs[0].UpdateStatus(final))
	_, _, err = build.Status()
	require.NoError(t, err)
	return build
}

func TestCleanBuildsRetainsMostRecentAndNByBuildsUnit(t *testing.T) {
	root := t.TempDir()
	const job = "demo"

	// builds 1..4 terminal
	for i := 0; i < 4; i++ {
		terminate(t, root, job, model.StatusPassed)
	}
	// build 5 non-terminal (left QUEUED)
	_, _, err := model.CreateBuild(root, job, []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "*"},
	}, nil)
	require.NoError(t, err)

	numbers, err := model.ListBuildNumbers(root, job)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5}, numbers)

	p := &retention.Policy{BuildsRoot: root, DataRoot: root, Logger: logger.Discard}
	jobDef := &model.JobDefinition{
		Name:      job,
		Retention: &model.RetentionPolicy{Unit: "builds", Value: 2},
	}

	require.NoError(t, p.CleanBuilds(jobDef, time.Now()))

	remaining, err := model.ListBuildNumbers(root, job)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 5}, remaining)
}

func TestCleanBuildsDaysUnit(t *testing.T) {
	root := t.TempDir()
	const job = "demo"

	old := terminate(t, root, job, model.StatusPassed)
	recent := terminate(t, root, job, model.StatusPassed)
	_, _, err := model.CreateBuild(root, job, []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "*"},
	}, nil)
	require.NoError(t, err)

	// back-date the oldest build's status file so it falls outside the
	// retention window
	require.NoError(t, os.Chtimes(old.Path()+"/status", time.Now().Add(-72*time.Hour), time.Now().Add(-72*time.Hour)))

	p := &retention.Policy{BuildsRoot: root, DataRoot: root, Logger: logger.Discard}
	jobDef := &model.JobDefinition{
		Name:      job,
		Retention: &model.RetentionPolicy{Unit: "days", Value: 1},
	}

	require.NoError(t, p.CleanBuilds(jobDef, time.Now()))

	remaining, err := model.ListBuildNumbers(root, job)
	require.NoError(t, err)
	require.NotContains(t, remaining, old.Number)
	require.Contains(t, remaining, recent.Number)
}

func TestCleanBuildsNoRetentionIsNoop(t *testing.T) {
	root := t.TempDir()
	terminate(t, root, "demo", model.StatusPassed)

	p := &retention.Policy{BuildsRoot: root, DataRoot: root, Logger: logger.Discard}
	require.NoError(t, p.CleanBuilds(&model.JobDefinition{Name: "demo"}, time.Now()))

	remaining, err := model.ListBuildNumbers(root, "demo")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
