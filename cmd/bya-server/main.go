// Command bya-server runs the HTTP API described in spec.md §4.5/§6:
// host registration/check-in/update/delete and per-run log/status
// append, backed entirely by the filesystem layout under --data-dir.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/bya-build/bya/cliconfig"
	"github.com/bya-build/bya/internal/cliutil"
	"github.com/bya-build/bya/internal/engine"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/notify"
	"github.com/bya-build/bya/internal/queue"
	"github.com/bya-build/bya/internal/secretsfile"
	"github.com/bya-build/bya/internal/server"
	"github.com/bya-build/bya/logger"
)

// Config is bya-server's full CLI/file/env configuration, loaded via
// cliconfig.Loader the way every buildkite-agent subcommand loads its
// own config struct.
type Config struct {
	cliutil.LogConfig

	DataDir          string `cli:"data-dir" validate:"required" normalize:"filepath"`
	ListenAddress    string `cli:"listen-address"`
	MetricsAddress   string `cli:"metrics-address"`
	AutoEnlistHosts  bool   `cli:"auto-enlist-hosts"`
	RunnerScriptPath string `cli:"runner-script" normalize:"filepath"`
	SecretsFile      string `cli:"secrets-file" normalize:"filepath"`
	SMTPAddr         string `cli:"smtp-addr"`
	SMTPFrom         string `cli:"smtp-from"`
	BuildURLBase     string `cli:"build-url-base"`
}

func main() {
	app := cli.NewApp()
	app.Name = "bya-server"
	app.Usage = "the bya build/job execution HTTP API"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a config file"},
		cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "root directory holding job-defs/builds/hosts/run-queue/active-runs", EnvVar: "BYA_DATA_DIR"},
		cli.StringFlag{Name: "listen-address", Value: ":8004", Usage: "address the API listens on", EnvVar: "BYA_LISTEN_ADDRESS"},
		cli.StringFlag{Name: "metrics-address", Value: "", Usage: "address to serve /metrics on; disabled if empty", EnvVar: "BYA_METRICS_ADDRESS"},
		cli.BoolFlag{Name: "auto-enlist-hosts", Usage: "force every newly registered host's enlisted flag to this value", EnvVar: "BYA_AUTO_ENLIST_HOSTS"},
		cli.StringFlag{Name: "runner-script", Value: "runner/runner.sh", Usage: "path to the canonical runner script", EnvVar: "BYA_RUNNER_SCRIPT"},
		cli.StringFlag{Name: "secrets-file", Value: "secrets.yml", Usage: "path to the global secrets file", EnvVar: "BYA_SECRETS_FILE"},
		cli.StringFlag{Name: "smtp-addr", Usage: "SMTP host:port for build notifications; notifications disabled if empty", EnvVar: "BYA_SMTP_ADDR"},
		cli.StringFlag{Name: "smtp-from", Value: "bya@localhost", Usage: "From address for notification emails", EnvVar: "BYA_SMTP_FROM"},
		cli.StringFlag{Name: "build-url-base", Usage: "base URL used to compose notification build links", EnvVar: "BYA_BUILD_URL_BASE"},
		cli.StringFlag{Name: "log-format", Value: "text", EnvVar: "BYA_LOG_FORMAT"},
		cli.StringFlag{Name: "log-level", Value: "notice", EnvVar: "BYA_LOG_LEVEL"},
		cli.BoolFlag{Name: "no-color", EnvVar: "BYA_NO_COLOR"},
		cli.BoolFlag{Name: "debug", EnvVar: "BYA_DEBUG"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bya-server: %s\n", err)
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

	for _, dir := range []string{jobDefsDir, buildsRoot, hostsDir, queueDir, activeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

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
		Notify:     buildDispatcher(cfg),
		Secrets:    secrets,
		Logger:     l,
	}

	srv := &server.Server{
		Engine:           eng,
		Logger:           l,
		HostsDir:         hostsDir,
		BuildsRoot:       buildsRoot,
		AutoEnlistHosts:  cfg.AutoEnlistHosts,
		RunnerScriptPath: cfg.RunnerScriptPath,
	}

	server.RegisterQueueDepthGauge(q)
	if cfg.MetricsAddress != "" {
		go serveMetrics(l, cfg.MetricsAddress)
	}

	l.Info("bya-server listening on %s (data dir %s)", cfg.ListenAddress, cfg.DataDir)
	return srv.ListenAndServe(cfg.ListenAddress)
}

func buildDispatcher(cfg Config) *notify.Dispatcher {
	if cfg.SMTPAddr == "" {
		return nil
	}
	mailer := notify.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom)
	return &notify.Dispatcher{
		Mailer: mailer,
		BuildURL: func(jobName string, buildNumber int) string {
			if cfg.BuildURLBase == "" {
				return ""
			}
			return fmt.Sprintf("%s/%s/%d", strings.TrimRight(cfg.BuildURLBase, "/"), jobName, buildNumber)
		},
	}
}

func serveMetrics(l logger.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		l.Warn("bya-server: metrics server stopped: %v", err)
	}
}
