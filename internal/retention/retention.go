// Package retention implements the per-JobDefinition clean_builds
// policy of spec.md §4.8: the most recent build is always retained;
// beyond that, either the newest N terminal builds are kept (unit
// "builds") or terminal builds older than a cutoff are deleted (unit
// "days"). Non-terminal builds are never candidates for deletion.
package retention

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/logger"
)

// StaleRunTimeout, if non-zero, is the opt-in "lost run" reclamation
// window described in SPEC_FULL.md §3: a RUNNING run whose console.log
// has not been appended to in this long is marked FAILED during a
// cleanup sweep. Disabled (0) by default -- the behavior is not part
// of the source's semantics, only a documented policy choice.
type Policy struct {
	BuildsRoot      string
	DataRoot        string
	Logger          logger.Logger
	StaleRunTimeout time.Duration
}

// CleanBuilds applies job.Retention to every build of job, per
// spec.md §4.8. now is injectable for deterministic tests.
func (p *Policy) CleanBuilds(job *model.JobDefinition, now time.Time) error {
	if job.Retention == nil {
		return nil
	}

	numbers, err := model.ListBuildNumbers(p.BuildsRoot, job.Name)
	if err != nil {
		return err
	}
	if len(numbers) == 0 {
		return nil
	}

	// Reverse-chronological: newest first.
	mostRecent := numbers[len(numbers)-1]
	rest := numbers[:len(numbers)-1]

	retainedTerminal := 0
	var freed uint64

	for i := len(rest) - 1; i >= 0; i-- {
		n := rest[i]
		if n == mostRecent {
			continue
		}
		b := model.OpenBuild(p.BuildsRoot, job.Name, n)
		ct := b.CompletionTime()
		if ct.IsZero() {
			// non-terminal: never a deletion candidate
			continue
		}

		var keep bool
		switch job.Retention.Unit {
		case "builds":
			keep = retainedTerminal < job.Retention.Value
			if keep {
				retainedTerminal++
			}
		case "days":
			cutoff := now.Add(-time.Duration(job.Retention.Value) * 24 * time.Hour)
			keep = ct.After(cutoff)
		default:
			keep = true
		}

		if keep {
			continue
		}

		size := dirSize(b.Path())
		if err := b.Delete(p.DataRoot); err != nil {
			p.Logger.Warn("retention: failed to delete %s #%d: %v", job.Name, n, err)
			continue
		}
		freed += size
		p.Logger.Info("retention: deleted %s #%d (%s, completed %s ago)", job.Name, n, humanize.Bytes(size), humanize.Time(ct))
	}

	if freed > 0 {
		p.Logger.Info("retention: freed %s for job %s", humanize.Bytes(freed), job.Name)
	}
	return nil
}

// ReclaimStaleRuns marks RUNNING runs whose console.log has gone
// silent for longer than StaleRunTimeout as FAILED. A no-op when
// StaleRunTimeout is zero (the default), per SPEC_FULL.md §3.
func (p *Policy) ReclaimStaleRuns(job *model.JobDefinition, now time.Time) error {
	if p.StaleRunTimeout == 0 {
		return nil
	}

	numbers, err := model.ListBuildNumbers(p.BuildsRoot, job.Name)
	if err != nil {
		return err
	}
	for _, n := range numbers {
		b := model.OpenBuild(p.BuildsRoot, job.Name, n)
		runs, err := b.Runs()
		if err != nil {
			continue
		}
		for _, r := range runs {
			if r.Status() != model.StatusRunning {
				continue
			}
			last := lastModified(r.ConsoleLogPath())
			if last.IsZero() || now.Sub(last) < p.StaleRunTimeout {
				continue
			}
			if err := r.UpdateStatus(model.StatusFailed); err != nil {
				p.Logger.Warn("retention: failed to reclaim stale run %s: %v", r.Name, err)
				continue
			}
			p.Logger.Warn("retention: reclaimed stale run %s in %s #%d (silent for %s)", r.Name, job.Name, n, humanize.Time(last))
		}
	}
	return nil
}
