package engine_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/engine"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/notify"
	"github.com/bya-build/bya/internal/queue"
	"github.com/bya-build/bya/logger"
)

type recordingMailer struct {
	sent int
}

func (m *recordingMailer) Send(to []string, subject, body string) error {
	m.sent++
	return nil
}

func setupEngine(t *testing.T) (*engine.Engine, *model.JobStore, *recordingMailer) {
	t.Helper()
	root := t.TempDir()
	jobDefsDir := filepath.Join(root, "job-defs")
	require.NoError(t, mkdirAll(jobDefsDir))
	require.NoError(t, writeFile(filepath.Join(jobDefsDir, "demo.yml"), []byte(
		"description: demo job\ntimeout: 10\nscript: \"echo hi\"\ncontainers:\n  - image: alpine\n    host_tag: linux\n")))

	jobs, err := model.NewJobStore(jobDefsDir, logger.Discard)
	require.NoError(t, err)

	q, err := queue.New(filepath.Join(root, "run-queue"), filepath.Join(root, "active-runs"), filepath.Join(root, "builds"))
	require.NoError(t, err)

	mailer := &recordingMailer{}
	e := &engine.Engine{
		BuildsRoot: filepath.Join(root, "builds"),
		HostsDir:   filepath.Join(root, "hosts"),
		Jobs:       jobs,
		Queue:      q,
		Notify:     &notify.Dispatcher{Mailer: mailer},
		Logger:     logger.Discard,
	}
	return e, jobs, mailer
}

func TestCreateBuildPushesRunsOntoQueue(t *testing.T) {
	e, _, _ := setupEngine(t)

	build, err := e.CreateBuild("demo", []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "linux"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, build.Number)

	run, err := e.Dispatch("worker1", []string{"linux"})
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, "run_a", run.Name)
}

func TestReportRunStatusFiresNotificationExactlyOnceOnTermination(t *testing.T) {
	e, jobs, mailer := setupEngine(t)

	build, err := e.CreateBuild("demo", []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "linux"},
	}, nil)
	require.NoError(t, err)

	job := jobs.Get("demo")
	require.NotNil(t, job)
	job.Notify = []model.NotifySpec{
		{Type: "email", OnlyFailures: false, Users: []string{"ops@example.com"}},
	}

	run := build.Run("run_a")

	require.NoError(t, e.ReportRunStatus(build, run, model.StatusRunning))
	require.Equal(t, 0, mailer.sent)

	require.NoError(t, e.ReportRunStatus(build, run, model.StatusPassed))
	require.Equal(t, 1, mailer.sent)

	status, _, err := build.Status()
	require.NoError(t, err)
	require.Equal(t, model.BuildStatusCompleted, status)

	// re-reading status must not re-fire notifications
	status2, justTerminated, err := build.Status()
	require.NoError(t, err)
	require.Equal(t, status, status2)
	require.False(t, justTerminated)
}
