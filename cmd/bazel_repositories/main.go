// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bazel_repositories is an OBS source service that vendors the
// network-fetched dependencies of a Bazel build.
//
// It stages the package's patched sources, then repeatedly runs
// "bazel fetch" inside a network-denied sandbox, downloading every
// URL the tool failed to fetch into a content-addressed repository
// cache, until the tool reports nothing left to fetch. The cache is
// archived as vendor.tar.gz and the package's spec file is updated
// with the bundled dependencies, so the actual package build runs
// fully offline.
//
// Usage (normally invoked by the OBS service runner):
//
//	bazel_repositories --outdir <dir> [--exclude a,b] [--override-repository n=p,...] [--target <expr>]
//
// Two internal verbs are dispatched on the first argument before flag
// parsing: "fetch-round" (the sandboxed child) and "loopback-up <pid>"
// (the namespace bootstrap helper). Neither is part of the service
// surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/bazel"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/config"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/process"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/version"
	"github.com/openSUSE/obs-service-bazel-repositories/sandbox"
)

// debugEnvVar propagates --debug into the re-executed sandbox child.
const debugEnvVar = "OBS_SERVICE_BAZEL_REPOSITORIES_DEBUG"

func main() {
	// Internal verbs first: the sandboxed child and the loopback
	// helper re-enter this binary and must not parse service flags.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case sandbox.VerbChild:
			if err := sandbox.ChildMain(newLogger(os.Getenv(debugEnvVar) != "")); err != nil {
				process.Fatal(fmt.Errorf("fetch-round: %w", err))
			}
			return
		case sandbox.VerbLoopback:
			if err := loopbackVerb(os.Args[2:]); err != nil {
				process.Fatal(fmt.Errorf("loopback-up: %w", err))
			}
			return
		}
	}

	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func loopbackVerb(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("want exactly one argument (pid), got %d", len(args))
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	return sandbox.LoopbackMain(pid)
}

// newLogger returns a logger writing to stderr: human-readable on a
// terminal, JSON when the output is captured (the OBS service runner).
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

func run() error {
	var (
		exclude      []string
		outDir       string
		overrideList string
		target       string
		configPath   string
		jobs         int
		maxRounds    int
		roundTimeout time.Duration
		debug        bool
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("bazel_repositories", pflag.ContinueOnError)
	flagSet.StringSliceVar(&exclude, "exclude", nil, "comma-separated substrings; URLs containing one are left out of the bundle")
	flagSet.StringVar(&outDir, "outdir", "", "output directory for vendor.tar.gz (passed by the OBS service runner)")
	flagSet.StringVar(&overrideList, "override-repository", "", "comma-separated name=path repository overrides passed to bazel")
	flagSet.StringVar(&target, "target", bazel.DefaultTarget, "bazel target expression to fetch dependencies for")
	flagSet.StringVar(&configPath, "config", "", "service configuration file (default: $"+config.EnvVar+")")
	flagSet.IntVar(&jobs, "jobs", 0, "concurrent downloads (0: one per CPU)")
	flagSet.IntVar(&maxRounds, "max-rounds", 0, "cap on discovery rounds (0: configuration default)")
	flagSet.DurationVar(&roundTimeout, "round-timeout", 0, "deadline per sandboxed bazel invocation (0: configuration default)")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("bazel_repositories")
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if outDir == "" {
		return fmt.Errorf("--outdir is required")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Flags override the configuration file.
	if len(exclude) > 0 {
		cfg.Exclude = exclude
	}
	if jobs > 0 {
		cfg.Jobs = jobs
	}
	if maxRounds > 0 {
		cfg.MaxRounds = maxRounds
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	overrides, err := bazel.ParseOverrides(overrideList)
	if err != nil {
		return err
	}

	if debug {
		// The sandbox child inherits the environment; this carries
		// --debug across the re-exec.
		os.Setenv(debugEnvVar, "1")
	}
	logger := newLogger(debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service := &serviceRun{
		config:       cfg,
		outDir:       outDir,
		overrides:    overrides,
		target:       target,
		roundTimeout: roundTimeout,
		logger:       logger,
	}
	return service.run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
