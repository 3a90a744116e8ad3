// Package trigger implements the trigger engine of spec.md §4.7: a
// per-JobDefinition poller that compares remote reference state to a
// cache and, on change, creates a Build. The only checker type defined
// is "git", grounded on go-git's remote-listing API rather than the
// hand-rolled git-upload-pack pkt-line parsing spec.md's source used.
package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/store"
	"github.com/bya-build/bya/logger"
	"github.com/bya-build/bya/retry"
)

// BuildCreator is the subset of build-creation behavior a Checker
// needs. internal/engine satisfies it; keeping the dependency narrow
// avoids trigger depending on queue/notify.
type BuildCreator interface {
	CreateBuild(jobName string, runs []model.ResolvedRun, triggerData map[string]string) (*model.Build, error)
}

// Manager iterates every JobDefinition with a non-empty Triggers list
// on each Check call and runs its type-specific checker.
type Manager struct {
	BuildsRoot string
	Jobs       *model.JobStore
	Builds     BuildCreator
	Logger     logger.Logger
}

// Check runs one poll cycle over every job definition's triggers.
func (m *Manager) Check() {
	for _, job := range m.Jobs.List() {
		for i, t := range job.Triggers {
			if err := m.checkOne(job, t); err != nil {
				m.Logger.Warn("trigger: job %s trigger[%d]: %v", job.Name, i, err)
			}
		}
	}
}

func (m *Manager) checkOne(job *model.JobDefinition, t model.TriggerSpec) error {
	switch t.Type {
	case "git":
		return m.checkGit(job, t)
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
}

func cachePath(buildsRoot, jobName string) string {
	return filepath.Join(buildsRoot, jobName, "triggers.cache")
}

// loadCache reads the previously observed ref->sha map for a job. A
// missing file is an empty cache, not an error -- the first poll
// always treats every declared ref as "changed".
func loadCache(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	cache := map[string]string{}
	if err := json.Unmarshal(raw, &cache); err != nil {
		return nil, err
	}
	return cache, nil
}

func writeCache(path string, cache map[string]string) error {
	raw, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return store.WriteFileAtomic(path, raw)
}

// checkGit implements spec.md §4.7's git checker: list remote
// references via go-git, diff against the cached SHA per declared
// ref, and fire a build when any declared ref changed.
func (m *Manager) checkGit(job *model.JobDefinition, t model.TriggerSpec) error {
	if t.HTTPURL == "" {
		return fmt.Errorf("git trigger has no http_url")
	}

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{t.HTTPURL},
	})

	var refs []*plumbing.Reference
	err := retry.Do(func(s *retry.Stats) error {
		var listErr error
		refs, listErr = remote.List(&git.ListOptions{})
		if listErr != nil {
			m.Logger.Warn("trigger: job %s: listing %s (%s): %v", job.Name, t.HTTPURL, s, listErr)
		}
		return listErr
	}, &retry.Config{Maximum: 3, Interval: 2 * time.Second, Jitter: true})
	if err != nil {
		m.Logger.Warn("trigger: job %s: giving up listing %s: %v", job.Name, t.HTTPURL, err)
		return nil
	}

	observed := map[string]string{}
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		observed[ref.Name().String()] = ref.Hash().String()
	}

	path := cachePath(m.BuildsRoot, job.Name)
	cache, err := loadCache(path)
	if err != nil {
		return fmt.Errorf("loading trigger cache: %w", err)
	}

	diff := diffRefs(cache, observed, t.Refs)

	if err := writeCache(path, cache); err != nil {
		return fmt.Errorf("writing trigger cache: %w", err)
	}

	if !diff.changed {
		return nil
	}

	return m.fireBuild(job, t, diff)
}

// refDiff is the result of comparing a trigger's declared refs against
// a fresh observation, the pure (network-free) part of checkGit so it
// can be exercised directly in tests.
type refDiff struct {
	changed           bool
	ref, oldSHA, newSHA string
}

// diffRefs updates cache in place (so the full observed state is
// always persisted, even for refs that didn't change) and reports the
// first changed declared ref, per spec.md §4.7 steps 4-5.
func diffRefs(cache, observed map[string]string, declaredRefs []string) refDiff {
	var d refDiff
	for _, declared := range declaredRefs {
		name := matchDeclaredRef(declared, observed)
		if name == "" {
			continue
		}
		sha := observed[name]
		if !d.changed && cache[declared] != sha {
			d.changed = true
			d.ref = declared
			d.oldSHA = cache[declared]
			d.newSHA = sha
		}
		cache[declared] = sha
	}
	for name, sha := range observed {
		cache[name] = sha
	}
	return d
}

func (m *Manager) fireBuild(job *model.JobDefinition, t model.TriggerSpec, diff refDiff) error {
	runs := make([]model.ResolvedRun, 0, len(t.Runs))
	for i, rs := range t.Runs {
		hostTag := rs.HostTag
		if hostTag == "" {
			hostTag = job.HostTagFor(rs.Container)
		}
		name := rs.Name
		if name == "" {
			name = fmt.Sprintf("run_%d", i)
		}
		runs = append(runs, model.ResolvedRun{
			Name:      name,
			Container: rs.Container,
			HostTag:   hostTag,
			Params:    rs.Params,
		})
	}

	triggerData := map[string]string{
		"BYA_TRIGGER": t.Type,
		"GIT_REF":     diff.ref,
		"GIT_OLD_SHA": diff.oldSHA,
		"GIT_SHA":     diff.newSHA,
	}

	build, err := m.Builds.CreateBuild(job.Name, runs, triggerData)
	if err != nil {
		return fmt.Errorf("creating build: %w", err)
	}
	return build.AppendSummary(fmt.Sprintf("Triggered by git ref %s (%s -> %s)", diff.ref, shortSHA(diff.oldSHA), shortSHA(diff.newSHA)))
}

// matchDeclaredRef resolves a declared ref name against the observed
// set, supporting a trailing "*" wildcard (e.g. "refs/pull/*") in
// addition to exact match, per spec.md §4.7's wildcard allowance.
func matchDeclaredRef(declared string, observed map[string]string) string {
	if _, ok := observed[declared]; ok {
		return declared
	}
	if len(declared) > 0 && declared[len(declared)-1] == '*' {
		prefix := declared[:len(declared)-1]
		for name := range observed {
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				return name
			}
		}
	}
	return ""
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
