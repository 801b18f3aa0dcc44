// Package cmd implements the rampart subcommands.
package cmd

import (
	"context"
	"fmt"

	"grimm.is/rampart/internal/compiler"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/i18n"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/shell"
)

// Printer writes user-facing CLI output.
var Printer = i18n.NewCLIPrinter()

// Options are the flags shared by subcommands that compile a config.
type Options struct {
	ConfigFile  string
	Workers     int
	LogLevel    string
	JSONLogs    bool
	MetricsFile string

	// Runner overrides the command runner used for bindings and apply.
	Runner shell.CommandRunner
}

// NewLogger builds the CLI logger and installs it as the default.
func NewLogger(level string, json bool) (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if level != "" {
		l, err := logging.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = l
	}
	cfg.JSON = json
	logger := logging.New(cfg)
	logging.SetDefault(logger)
	return logger, nil
}

func compileFile(ctx context.Context, opts Options) (*compiler.Result, error) {
	logger, err := NewLogger(opts.LogLevel, opts.JSONLogs)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	copts := []compiler.Option{compiler.WithLogger(logger)}
	if opts.Workers > 0 {
		copts = append(copts, compiler.WithWorkers(opts.Workers))
	}
	if opts.Runner != nil {
		copts = append(copts, compiler.WithRunner(opts.Runner))
	}

	res, err := compiler.New(model.New(), copts...).Compile(ctx, cfg)

	if opts.MetricsFile != "" {
		if werr := metrics.Get().WriteTextfile(opts.MetricsFile); werr != nil {
			logger.Warn("failed to write metrics", "path", opts.MetricsFile, "error", werr)
		}
	}
	return res, err
}
