package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/notify"
)

type recordingMailer struct {
	sent []sentMail
}

type sentMail struct {
	to      []string
	subject string
	body    string
}

func (m *recordingMailer) Send(to []string, subject, body string) error {
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func TestDispatchOnlyFailuresFilter(t *testing.T) {
	root := t.TempDir()
	build, _, err := model.CreateBuild(root, "demo", []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "*"},
	}, nil)
	require.NoError(t, err)

	job := &model.JobDefinition{
		Name: "demo",
		Notify: []model.NotifySpec{
			{Type: "email", OnlyFailures: false, Users: []string{"always@example.com"}},
			{Type: "email", OnlyFailures: true, Users: []string{"onfail@example.com"}},
		},
	}

	mailer := &recordingMailer{}
	d := &notify.Dispatcher{Mailer: mailer}

	require.NoError(t, d.Dispatch(job, build, model.BuildStatusCompleted))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"always@example.com"}, mailer.sent[0].to)

	mailer.sent = nil
	require.NoError(t, d.Dispatch(job, build, model.BuildStatusCompletedWithFails))
	require.Len(t, mailer.sent, 2)
}
