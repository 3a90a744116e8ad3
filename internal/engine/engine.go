// Package engine orchestrates internal/model, internal/queue and
// internal/notify into the request-level operations spec.md §4
// describes: creating a build pushes its runs onto the dispatch
// queue, and reporting a run's terminal status completes its queue
// entry and fires the one-shot notification fan-out exactly once, at
// the moment the enclosing build itself turns terminal.
package engine

import (
	"fmt"
	"strconv"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/notify"
	"github.com/bya-build/bya/internal/queue"
	"github.com/bya-build/bya/internal/secretsfile"
	"github.com/bya-build/bya/internal/store"
	"github.com/bya-build/bya/logger"
)

// Engine ties the filesystem-backed model to the dispatch queue and
// notification fan-out. It carries no mutable state of its own --
// every invariant still lives in the filesystem, per spec.md §5.
type Engine struct {
	BuildsRoot string
	HostsDir   string

	Jobs    *model.JobStore
	Queue   *queue.Queue
	Notify  *notify.Dispatcher
	Secrets *secretsfile.Store
	Logger  logger.Logger
}

// CreateBuild implements spec.md §4.2 end to end: it resolves the job
// definition, delegates directory/props creation to model.CreateBuild,
// and pushes each newly created Run onto the dispatch queue so it
// becomes visible to check-ins immediately.
func (e *Engine) CreateBuild(jobName string, runs []model.ResolvedRun, triggerData map[string]string) (*model.Build, error) {
	job := e.Jobs.Get(jobName)
	if job == nil {
		return nil, store.NewError(store.KindNotFound, "no job definition named %q", jobName)
	}

	build, created, err := model.CreateBuild(e.BuildsRoot, jobName, runs, triggerData)
	if err != nil {
		return nil, err
	}

	for _, r := range created {
		hostTag, herr := r.HostTag()
		if herr != nil {
			hostTag = "*"
		}
		if err := e.Queue.Push(r, hostTag); err != nil {
			return build, fmt.Errorf("pushing run %s onto queue: %w", r.Name, err)
		}
	}

	return build, nil
}

// Dispatch pops the oldest queued run matching hostName's tags, if
// any, per spec.md §4.4/§4.5 step 3.
func (e *Engine) Dispatch(hostName string, hostTags []string) (*model.Run, error) {
	return e.Queue.Take(hostName, hostTags)
}

// ReportRunStatus implements spec.md §4.3's "Run.update(status=...)":
// it validates and persists the run's new status, completes its queue
// entry if terminal, and -- exactly once, at the instant the
// enclosing build itself becomes terminal -- dispatches notifications.
func (e *Engine) ReportRunStatus(build *model.Build, run *model.Run, newStatus string) error {
	if err := run.UpdateStatus(newStatus); err != nil {
		return err
	}

	if run.IsTerminal() {
		if err := e.Queue.Complete(run, newStatus); err != nil {
			return err
		}
	}

	status, justTerminated, err := build.Status()
	if err != nil {
		return err
	}
	if !justTerminated {
		return nil
	}

	job := e.Jobs.Get(build.JobName)
	if job == nil {
		e.Logger.Warn("engine: build %s #%d terminated but job definition is gone; skipping notifications", build.JobName, build.Number)
		return nil
	}
	if e.Notify == nil {
		return nil
	}
	return e.Notify.Dispatch(job, build, status)
}

// RunnerDescriptor is the server-side, unpersisted execution recipe of
// spec.md §4.6, computed fresh every time a run is claimed.
type RunnerDescriptor struct {
	Stdin   string            `json:"stdin"`
	Args    []string          `json:"args"`
	Runner  string            `json:"runner"`
	Secrets map[string]string `json:"secrets"`
}

// Describe computes the runner descriptor for a claimed run: the
// job's script as stdin, the worker CLI argument vector, the canonical
// runner script contents, and the resolved secret map.
func (e *Engine) Describe(job *model.JobDefinition, buildFlatName string, buildNum int, run *model.Run, runnerScript string) (*RunnerDescriptor, error) {
	apiKey, err := run.APIKey()
	if err != nil {
		return nil, err
	}
	container, err := run.Container()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--api_key", apiKey,
		"--run", run.Name,
		"--build_name", buildFlatName,
		"--build_num", strconv.Itoa(buildNum),
		"--timeout", strconv.Itoa(job.Timeout),
		"--container", container,
	}

	env, err := e.mergedEnv(buildFlatName, buildNum, run)
	if err != nil {
		return nil, err
	}
	for k, v := range env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}

	var secrets map[string]string
	if e.Secrets != nil {
		secrets = e.Secrets.Resolve(job.Secrets)
	} else {
		secrets = map[string]string{}
		for _, name := range job.Secrets {
			secrets[name] = ""
		}
	}

	return &RunnerDescriptor{
		Stdin:   job.Script,
		Args:    args,
		Runner:  runnerScript,
		Secrets: secrets,
	}, nil
}

// DescribeRun computes the runner descriptor for a run that was just
// claimed via Dispatch, recovering its job/build context from the
// run's own path so callers (the check-in handler) don't need to
// thread the enclosing Build through.
func (e *Engine) DescribeRun(run *model.Run, runnerScript string) (*RunnerDescriptor, error) {
	jobFlatName, buildNum, err := run.ParseRunPath()
	if err != nil {
		return nil, err
	}

	job := e.Jobs.Get(jobFlatName)
	if job == nil {
		return nil, store.NewError(store.KindNotFound, "no job definition named %q", jobFlatName)
	}

	return e.Describe(job, jobFlatName, buildNum, run, runnerScript)
}

// mergedEnv combines a run's own params with its build's trigger_data,
// per spec.md §4.6 ("merged run.params + build.trigger_data").
func (e *Engine) mergedEnv(buildFlatName string, buildNum int, run *model.Run) (map[string]string, error) {
	build := model.OpenBuild(e.BuildsRoot, buildFlatName, buildNum)

	params, err := run.Params()
	if err != nil {
		return nil, err
	}
	triggerData, err := build.TriggerData()
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(params)+len(triggerData))
	for k, v := range triggerData {
		env[k] = v
	}
	for k, v := range params {
		env[k] = v
	}
	return env, nil
}
