package queue_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/queue"
)

func mustCreateRun(t *testing.T, runsDir, name, hostTag string) *model.Run {
	t.Helper()
	r, err := model.CreateRun(runsDir, name, "alpine", hostTag, "0000000000000000", nil)
	require.NoError(t, err)
	return r
}

// TestDispatchMatchesTagOldestFirst is scenario S1 of spec.md §8.
func TestDispatchMatchesTagOldestFirst(t *testing.T) {
	root := t.TempDir()
	runsDir := filepath.Join(root, "runs")
	require.NoError(t, mkdirAll(runsDir))

	q, err := queue.New(filepath.Join(root, "run-queue"), filepath.Join(root, "active-runs"), filepath.Join(root, "builds"))
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	clock := base
	q.SetClock(func() time.Time { return clock })

	runFoo := mustCreateRun(t, runsDir, "run_foo", "tag")
	clock = base.Add(1 * time.Second)
	require.NoError(t, q.Push(runFoo, "tag"))

	runBar := mustCreateRun(t, runsDir, "run_bar", "tag")
	clock = base.Add(2 * time.Second)
	require.NoError(t, q.Push(runBar, "tag"))

	runX := mustCreateRun(t, runsDir, "run_X", "tag2")
	clock = base.Add(3 * time.Second)
	require.NoError(t, q.Push(runX, "tag2"))

	got, err := q.Take("h1", []string{"tag2"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_X", got.Name)

	got, err = q.Take("h2", []string{"tag"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_foo", got.Name)

	got, err = q.Take("h1", []string{"tag"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_bar", got.Name)

	logData, err := readFile(got.ConsoleLogPath())
	require.NoError(t, err)
	assert.Contains(t, logData, "# Dequeued to: h1")

	got, err = q.Take("h3", []string{"tag"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompleteUnlinksRunningEntry(t *testing.T) {
	root := t.TempDir()
	runsDir := filepath.Join(root, "runs")
	require.NoError(t, mkdirAll(runsDir))

	q, err := queue.New(filepath.Join(root, "run-queue"), filepath.Join(root, "active-runs"), filepath.Join(root, "builds"))
	require.NoError(t, err)

	run := mustCreateRun(t, runsDir, "run_a", "*")
	require.NoError(t, q.Push(run, "*"))

	taken, err := q.Take("h1", []string{"tag"})
	require.NoError(t, err)
	require.NotNil(t, taken)

	running, err := q.ListRunning()
	require.NoError(t, err)
	assert.Len(t, running, 1)

	require.NoError(t, q.Complete(taken, model.StatusPassed))

	running, err = q.ListRunning()
	require.NoError(t, err)
	assert.Len(t, running, 0)
}
