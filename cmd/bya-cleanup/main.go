// Command bya-cleanup sweeps every job definition's builds against its
// clean_builds retention policy (spec.md §4.8), either once or on a
// daily cron schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/urfave/cli"

	"github.com/bya-build/bya/cliconfig"
	"github.com/bya-build/bya/internal/cliutil"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/retention"
)

// Config is bya-cleanup's CLI/file/env configuration.
type Config struct {
	cliutil.LogConfig

	DataDir         string        `cli:"data-dir" validate:"required" normalize:"filepath"`
	CronSchedule    string        `cli:"cron"`
	RunOnce         bool          `cli:"once"`
	StaleRunTimeout time.Duration `cli:"stale-run-timeout"`
}

func main() {
	app := cli.NewApp()
	app.Name = "bya-cleanup"
	app.Usage = "apply each job definition's clean_builds retention policy"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a config file"},
		cli.StringFlag{Name: "data-dir", Value: "./data", EnvVar: "BYA_DATA_DIR"},
		cli.StringFlag{Name: "cron", Value: "0 3 * * *", Usage: "cron schedule for recurring sweeps (ignored with --once)", EnvVar: "BYA_CLEANUP_CRON"},
		cli.BoolFlag{Name: "once", Usage: "run a single sweep and exit, instead of scheduling"},
		cli.DurationFlag{Name: "stale-run-timeout", Value: 0, Usage: "mark a RUNNING run FAILED if its log has been silent this long; 0 disables reclamation", EnvVar: "BYA_STALE_RUN_TIMEOUT"},
		cli.StringFlag{Name: "log-format", Value: "text", EnvVar: "BYA_LOG_FORMAT"},
		cli.StringFlag{Name: "log-level", Value: "notice", EnvVar: "BYA_LOG_LEVEL"},
		cli.BoolFlag{Name: "no-color", EnvVar: "BYA_NO_COLOR"},
		cli.BoolFlag{Name: "debug", EnvVar: "BYA_DEBUG"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bya-cleanup: %s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var cfg Config
	loader := cliconfig.Loader{CLI: c, Config: &cfg}
	warnings, err := loader.Load()
	if err != nil {
		return err
	}

	l := cliutil.NewLogger(cfg.LogConfig)
	for _, w := range warnings {
		l.Warn("%s", w)
	}

	jobDefsDir := filepath.Join(cfg.DataDir, "job-defs")
	buildsRoot := filepath.Join(cfg.DataDir, "builds")

	jobs, err := model.NewJobStore(jobDefsDir, l)
	if err != nil {
		return fmt.Errorf("loading job definitions: %w", err)
	}
	defer jobs.Close() //nolint:errcheck

	policy := &retention.Policy{
		BuildsRoot:      buildsRoot,
		DataRoot:        cfg.DataDir,
		Logger:          l,
		StaleRunTimeout: cfg.StaleRunTimeout,
	}

	sweep := func() {
		now := time.Now()
		for _, job := range jobs.List() {
			if err := policy.CleanBuilds(job, now); err != nil {
				l.Error("cleanup: job %s: %v", job.Name, err)
			}
			if err := policy.ReclaimStaleRuns(job, now); err != nil {
				l.Error("cleanup: reclaiming stale runs for %s: %v", job.Name, err)
			}
		}
	}

	if cfg.RunOnce {
		sweep()
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	if _, err := scheduler.NewJob(
		gocron.CronJob(cfg.CronSchedule, false),
		gocron.NewTask(sweep),
	); err != nil {
		return fmt.Errorf("scheduling cleanup sweep on %q: %w", cfg.CronSchedule, err)
	}

	l.Info("bya-cleanup scheduled %q (data dir %s)", cfg.CronSchedule, cfg.DataDir)
	scheduler.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	l.Info("bya-cleanup shutting down")
	return scheduler.Shutdown()
}
