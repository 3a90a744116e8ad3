package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/model"
)

// fakeBuildCreator records CreateBuild calls without touching disk.
type fakeBuildCreator struct {
	calls []createBuildCall
	root  string
}

type createBuildCall struct {
	jobName     string
	runs        []model.ResolvedRun
	triggerData map[string]string
}

func (f *fakeBuildCreator) CreateBuild(jobName string, runs []model.ResolvedRun, triggerData map[string]string) (*model.Build, error) {
	f.calls = append(f.calls, createBuildCall{jobName, runs, triggerData})
	build, _, err := model.CreateBuild(f.root, jobName, runs, triggerData)
	return build, err
}

func TestDiffRefsDetectsChangeAndUpdatesCache(t *testing.T) {
	cache := map[string]string{"refs/heads/main": "aaa111"}
	observed := map[string]string{"refs/heads/main": "bbb222"}

	diff := diffRefs(cache, observed, []string{"refs/heads/main"})

	assert.True(t, diff.changed)
	assert.Equal(t, "refs/heads/main", diff.ref)
	assert.Equal(t, "aaa111", diff.oldSHA)
	assert.Equal(t, "bbb222", diff.newSHA)
	assert.Equal(t, "bbb222", cache["refs/heads/main"]) // cache updated even though not yet written to disk
}

func TestDiffRefsNoChangeWhenSHAMatches(t *testing.T) {
	cache := map[string]string{"refs/heads/main": "aaa111"}
	observed := map[string]string{"refs/heads/main": "aaa111"}

	diff := diffRefs(cache, observed, []string{"refs/heads/main"})

	assert.False(t, diff.changed)
}

func TestDiffRefsWildcardMatch(t *testing.T) {
	cache := map[string]string{}
	observed := map[string]string{"refs/pull/42/head": "ccc333"}

	diff := diffRefs(cache, observed, []string{"refs/pull/*"})

	assert.True(t, diff.changed)
	assert.Equal(t, "refs/pull/*", diff.ref)
	assert.Equal(t, "ccc333", diff.newSHA)
}

// TestFireBuildCreatesBuildWithGitTriggerData is scenario S5: a
// detected ref change produces a new build carrying GIT_REF,
// GIT_OLD_SHA, GIT_SHA and BYA_TRIGGER params.
func TestFireBuildCreatesBuildWithGitTriggerData(t *testing.T) {
	root := t.TempDir()
	creator := &fakeBuildCreator{root: root}
	m := &Manager{BuildsRoot: root, Builds: creator}

	job := &model.JobDefinition{
		Name: "demo",
		Containers: []model.ContainerSpec{
			{Image: "alpine", HostTag: "linux"},
		},
	}
	ts := model.TriggerSpec{
		Type:    "git",
		HTTPURL: "https://example.invalid/demo.git",
		Refs:    []string{"refs/heads/main"},
		Runs: []model.RunSpec{
			{Container: "alpine"},
		},
	}
	diff := refDiff{changed: true, ref: "refs/heads/main", oldSHA: "aaa111", newSHA: "bbb222"}

	require.NoError(t, m.fireBuild(job, ts, diff))
	require.Len(t, creator.calls, 1)

	call := creator.calls[0]
	assert.Equal(t, "demo", call.jobName)
	require.Len(t, call.runs, 1)
	assert.Equal(t, "run_0", call.runs[0].Name)
	assert.Equal(t, "linux", call.runs[0].HostTag)
	assert.Equal(t, "git", call.triggerData["BYA_TRIGGER"])
	assert.Equal(t, "refs/heads/main", call.triggerData["GIT_REF"])
	assert.Equal(t, "aaa111", call.triggerData["GIT_OLD_SHA"])
	assert.Equal(t, "bbb222", call.triggerData["GIT_SHA"])

	nums, err := model.ListBuildNumbers(root, "demo")
	require.NoError(t, err)
	assert.Len(t, nums, 1)
}

// TestFireBuildHonorsDeclaredRunName ensures a trigger run with an
// explicit name is not overwritten by the positional run_%d fallback.
func TestFireBuildHonorsDeclaredRunName(t *testing.T) {
	root := t.TempDir()
	creator := &fakeBuildCreator{root: root}
	m := &Manager{BuildsRoot: root, Builds: creator}

	job := &model.JobDefinition{
		Name: "demo",
		Containers: []model.ContainerSpec{
			{Image: "alpine", HostTag: "linux"},
		},
	}
	ts := model.TriggerSpec{
		Type:    "git",
		HTTPURL: "https://example.invalid/demo.git",
		Refs:    []string{"refs/heads/main"},
		Runs: []model.RunSpec{
			{Name: "foo", Container: "alpine"},
		},
	}
	diff := refDiff{changed: true, ref: "refs/heads/main", oldSHA: "aaa111", newSHA: "bbb222"}

	require.NoError(t, m.fireBuild(job, ts, diff))
	require.Len(t, creator.calls, 1)

	call := creator.calls[0]
	require.Len(t, call.runs, 1)
	assert.Equal(t, "foo", call.runs[0].Name)
}
