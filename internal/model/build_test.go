package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/retention"
	"github.com/bya-build/bya/logger"
)

func TestCreateBuildNumbersAreDense(t *testing.T) {
	root := t.TempDir()

	for want := 1; want <= 3; want++ {
		b, _, err := model.CreateBuild(root, "demo", []model.ResolvedRun{
			{Name: "run_1", Container: "alpine", HostTag: "*"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, b.Number)
	}
}

func TestBuildStatusAggregation(t *testing.T) {
	root := t.TempDir()

	b, runs, err := model.CreateBuild(root, "demo", []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "*"},
		{Name: "run_b", Container: "alpine", HostTag: "*"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	status, terminated, err := b.Status()
	require.NoError(t, err)
	assert.False(t, terminated)
	assert.Equal(t, model.BuildStatusQueued, status)

	for _, r := range runs {
		require.NoError(t, r.UpdateStatus(model.StatusRunning))
		require.NoError(t, r.UpdateStatus(model.StatusPassed))
	}

	status, terminated, err = b.Status()
	require.NoError(t, err)
	assert.True(t, terminated)
	assert.Equal(t, model.BuildStatusCompleted, status)

	before := b.CompletionTime()

	status2, terminated2, err := b.Status()
	require.NoError(t, err)
	assert.False(t, terminated2)
	assert.Equal(t, status, status2)
	assert.Equal(t, before, b.CompletionTime())
}

func TestRunLifecycleTransitions(t *testing.T) {
	root := t.TempDir()
	run, err := model.CreateRun(root, "run_1", "alpine", "*", "0000000000000000", nil)
	require.NoError(t, err)

	assert.Equal(t, model.StatusQueued, run.Status())
	require.NoError(t, run.UpdateStatus(model.StatusRunning))
	require.Error(t, run.UpdateStatus(model.StatusQueued))
	require.NoError(t, run.UpdateStatus(model.StatusPassed))
	require.Error(t, run.UpdateStatus(model.StatusRunning))
}

func TestRetentionNeverDeletesMostRecent(t *testing.T) {
	root := t.TempDir()
	var last *model.Build
	for i := 0; i < 5; i++ {
		b, runs, err := model.CreateBuild(root, "demo", []model.ResolvedRun{
			{Name: "run_1", Container: "alpine", HostTag: "*"},
		}, nil)
		require.NoError(t, err)
		if i < 4 {
			require.NoError(t, runs[0].UpdateStatus(model.StatusRunning))
			require.NoError(t, runs[0].UpdateStatus(model.StatusPassed))
			_, _, err = b.Status()
			require.NoError(t, err)
		}
		last = b
	}
	assert.Equal(t, 5, last.Number)

	p := &retention.Policy{BuildsRoot: root, DataRoot: root, Logger: logger.Discard}
	job := &model.JobDefinition{Name: "demo", Retention: &model.RetentionPolicy{Unit: "builds", Value: 1}}
	require.NoError(t, p.CleanBuilds(job, time.Now()))

	remaining, err := model.ListBuildNumbers(root, "demo")
	require.NoError(t, err)
	assert.Contains(t, remaining, last.Number)
}
