// Command bya-trigger runs the trigger engine of spec.md §4.7: every
// TRIGGER_INTERVAL seconds (default 120s) it polls each job
// definition's triggers for upstream changes and creates builds when
// one fires.
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
	"github.com/bya-build/bya/internal/engine"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/queue"
	"github.com/bya-build/bya/internal/secretsfile"
	"github.com/bya-build/bya/internal/trigger"
)

// Config is bya-trigger's CLI/file/env configuration.
type Config struct {
	cliutil.LogConfig

	DataDir         string        `cli:"data-dir" validate:"required" normalize:"filepath"`
	SecretsFile     string        `cli:"secrets-file" normalize:"filepath"`
	TriggerInterval time.Duration `cli:"trigger-interval"`
	RunOnce         bool          `cli:"once"`
}

func main() {
	app := cli.NewApp()
	app.Name = "bya-trigger"
	app.Usage = "poll job-definition triggers and create builds on upstream change"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a config file"},
		cli.StringFlag{Name: "data-dir", Value: "./data", EnvVar: "BYA_DATA_DIR"},
		cli.StringFlag{Name: "secrets-file", Value: "secrets.yml", EnvVar: "BYA_SECRETS_FILE"},
		cli.DurationFlag{Name: "trigger-interval", Value: 120 * time.Second, EnvVar: "BYA_TRIGGER_INTERVAL"},
		cli.BoolFlag{Name: "once", Usage: "run a single poll cycle and exit, instead of scheduling"},
		cli.StringFlag{Name: "log-format", Value: "text", EnvVar: "BYA_LOG_FORMAT"},
		cli.StringFlag{Name: "log-level", Value: "notice", EnvVar: "BYA_LOG_LEVEL"},
		cli.BoolFlag{Name: "no-color", EnvVar: "BYA_NO_COLOR"},
		cli.BoolFlag{Name: "debug", EnvVar: "BYA_DEBUG"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bya-trigger: %s\n", err)
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
	hostsDir := filepath.Join(cfg.DataDir, "hosts")
	queueDir := filepath.Join(cfg.DataDir, "run-queue")
	activeDir := filepath.Join(cfg.DataDir, "active-runs")

	jobs, err := model.NewJobStore(jobDefsDir, l)
	if err != nil {
		return fmt.Errorf("loading job definitions: %w", err)
	}
	defer jobs.Close() //nolint:errcheck

	q, err := queue.New(queueDir, activeDir, buildsRoot)
	if err != nil {
		return fmt.Errorf("opening run queue: %w", err)
	}

	secrets, err := secretsfile.Load(cfg.SecretsFile)
	if err != nil {
		return fmt.Errorf("loading secrets file %s: %w", cfg.SecretsFile, err)
	}

	eng := &engine.Engine{
		BuildsRoot: buildsRoot,
		HostsDir:   hostsDir,
		Jobs:       jobs,
		Queue:      q,
		Secrets:    secrets,
		Logger:     l,
	}

	mgr := &trigger.Manager{
		BuildsRoot: buildsRoot,
		Jobs:       jobs,
		Builds:     eng,
		Logger:     l,
	}

	if cfg.RunOnce {
		mgr.Check()
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.TriggerInterval),
		gocron.NewTask(mgr.Check),
	); err != nil {
		return fmt.Errorf("scheduling trigger poll: %w", err)
	}

	l.Info("bya-trigger polling every %s (data dir %s)", cfg.TriggerInterval, cfg.DataDir)
	scheduler.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	l.Info("bya-trigger shutting down")
	return scheduler.Shutdown()
}
