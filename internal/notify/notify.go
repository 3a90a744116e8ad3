// Package notify implements the notifier fan-out of spec.md §4.9: on
// terminal build status, each registered notifier whose only_failures
// flag is false, or whose status indicates a failure, is dispatched.
// Email delivery itself is an external collaborator (spec.md §1); the
// SMTP transport is expressed as a narrow interface so the dispatch
// and subject/body composition logic can be exercised without a real
// mail server.
package notify

import (
	"fmt"
	"strings"

	"github.com/bya-build/bya/internal/model"
)

// Mailer is the external SMTP collaborator. A concrete implementation
// is out of scope per spec.md §1 ("email delivery"); production
// wiring supplies a net/smtp-backed Mailer.
type Mailer interface {
	Send(to []string, subject, body string) error
}

// Dispatcher fans a terminal build status out to every notifier
// registered on the job definition that should fire for that status.
type Dispatcher struct {
	BuildURL func(jobName string, buildNumber int) string
	Mailer   Mailer
}

// shouldFire implements spec.md §4.3/§4.9: a notifier fires when its
// only_failures flag is false, or the build status indicates a failure.
func shouldFire(n model.NotifySpec, status string) bool {
	return !n.OnlyFailures || strings.Contains(status, "Failure")
}

// Dispatch sends notifications for every registered notifier that
// should fire for the build's newly-terminated status. Call this only
// once per build, at the point Build.Status reports justTerminated --
// the one-shot property is enforced by that caller, not here.
func (d *Dispatcher) Dispatch(job *model.JobDefinition, build *model.Build, status string) error {
	var firstErr error
	for _, n := range job.Notify {
		if !shouldFire(n, status) {
			continue
		}
		if err := d.dispatchOne(n, job, build, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) dispatchOne(n model.NotifySpec, job *model.JobDefinition, build *model.Build, status string) error {
	switch n.Type {
	case "email":
		return d.notifyEmail(n, job, build, status)
	default:
		return fmt.Errorf("unknown notifier type %q", n.Type)
	}
}

func (d *Dispatcher) notifyEmail(n model.NotifySpec, job *model.JobDefinition, build *model.Build, status string) error {
	if len(n.Users) == 0 {
		return fmt.Errorf("email notifier for job %q has no users", job.Name)
	}
	if d.Mailer == nil {
		return nil
	}

	subject := fmt.Sprintf("BYA Build: %s #%d: %s", job.Name, build.Number, status)

	summary, _ := build.SummaryLog()
	body := summary
	if d.BuildURL != nil {
		body = d.BuildURL(job.Name, build.Number) + "\n\n" + summary
	}

	return d.Mailer.Send(n.Users, subject, body)
}
