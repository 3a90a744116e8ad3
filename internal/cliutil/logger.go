// Package cliutil holds the small pieces of flag/config/logger
// plumbing shared by the four cmd/bya-* entrypoints, the way
// clicommand/global.go's CreateLogger/HandleGlobalFlags serve every
// buildkite-agent subcommand.
package cliutil

import (
	"os"

	"github.com/bya-build/bya/logger"
)

// LogConfig is the subset of ambient logging flags the bya-* binaries
// expose: bya-server, bya-trigger and bya-cleanup take --log-format,
// --no-color, --debug and --log-level; bya-worker takes only --debug
// and --log-level.
type LogConfig struct {
	LogFormat string `cli:"log-format"`
	NoColor   bool   `cli:"no-color"`
	Debug     bool   `cli:"debug"`
	LogLevel  string `cli:"log-level"`
}

// NewLogger builds a console logger from a LogConfig, mirroring
// clicommand.CreateLogger: text or JSON printer, colors unless
// disabled, level from --log-level unless --debug overrides it.
func NewLogger(cfg LogConfig) logger.Logger {
	var l logger.Logger

	switch cfg.LogFormat {
	case "json":
		l = logger.NewConsoleLogger(logger.NewJSONPrinter(os.Stdout), os.Exit)
	default:
		printer := logger.NewTextPrinter(os.Stderr)
		if cfg.NoColor {
			printer.Colors = false
		}
		l = logger.NewConsoleLogger(printer, os.Exit)
	}

	level := logger.NOTICE
	if cfg.LogLevel != "" {
		if parsed, err := logger.LevelFromString(cfg.LogLevel); err == nil {
			level = parsed
		}
	}
	if cfg.Debug {
		level = logger.DEBUG
	}
	l.SetLevel(level)

	return l
}
