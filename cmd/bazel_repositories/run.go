// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openSUSE/obs-service-bazel-repositories/discover"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/bazel"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/cas"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/config"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/fetch"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/specfile"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/stage"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/tarball"
	"github.com/openSUSE/obs-service-bazel-repositories/sandbox"
)

// serviceRun is one invocation of the service: stage, discover,
// finalize.
type serviceRun struct {
	config       *config.Config
	outDir       string
	overrides    []bazel.Override
	target       string
	roundTimeout time.Duration
	logger       *slog.Logger
}

func (s *serviceRun) run(ctx context.Context) error {
	workingDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	specPath, err := specfile.Find(workingDir)
	if err != nil {
		return err
	}
	// Strip generated blocks from a previous run before quilt sees
	// the spec: the vendor archive it declares does not exist yet.
	if err := specfile.Clean(specPath); err != nil {
		return err
	}

	stager, err := stage.New(workingDir, filepath.Base(s.outDir), s.logger)
	if err != nil {
		return err
	}
	workDir, err := stager.Stage(ctx, specPath)
	if err != nil {
		return err
	}

	bazelPath := s.config.Bazel
	if bazelPath == "" {
		if bazelPath, err = bazel.FindBinary(); err != nil {
			return err
		}
	}
	if err := bazel.Clean(ctx, bazelPath, workDir, s.logger); err != nil {
		return err
	}

	store, err := cas.New(filepath.Join(workingDir, cas.DirName))
	if err != nil {
		return err
	}

	result, err := s.discoverDependencies(ctx, workDir, bazelPath, store)
	if err != nil {
		return err
	}

	return s.finalize(specPath, store, result)
}

// discoverDependencies wires the sandbox runner, the fetch
// coordinator, and the discovery loop, and drives the loop to its
// fixed point.
func (s *serviceRun) discoverDependencies(ctx context.Context, workDir, bazelPath string, store *cas.Store) (discover.Result, error) {
	roundTimeout := s.roundTimeout
	if roundTimeout == 0 {
		roundTimeout = s.config.RoundTimeout()
	}
	runner, err := sandbox.NewRunner(sandbox.Config{
		WorkDir: workDir,
		// The cache path is handed to bazel relative to the staged
		// tree it runs in; the staged tree is a sibling of the cache.
		Cache:     filepath.Join("..", cas.DirName),
		Overrides: s.overrides,
		Target:    s.target,
		Bazel:     bazelPath,
		Timeout:   roundTimeout,
		Logger:    s.logger,
	})
	if err != nil {
		return discover.Result{}, err
	}

	fetcher, err := fetch.New(fetch.Config{
		Store:      store,
		Exclude:    s.config.Exclude,
		Attempts:   s.config.Fetch.Attempts,
		Timeout:    s.config.FetchTimeout(),
		RetryDelay: s.config.RetryDelay(),
		UserAgent:  s.config.Fetch.UserAgent,
		Logger:     s.logger,
	})
	if err != nil {
		return discover.Result{}, err
	}

	loop, err := discover.New(discover.Config{
		Runner:    runner,
		Fetcher:   fetch.NewCoordinator(fetcher, s.config.Jobs, s.logger),
		MaxRounds: s.config.MaxRounds,
		Logger:    s.logger,
	})
	if err != nil {
		return discover.Result{}, err
	}

	result, err := loop.Run(ctx)
	if err != nil {
		return discover.Result{}, err
	}
	s.logger.Info("discovery complete",
		"rounds", result.Rounds,
		"dependencies", len(result.Accepted),
		"excluded", len(result.ExcludedDigests))
	return result, nil
}

// finalize prunes excluded blobs, archives the cache into the output
// directory, removes the cache tree, and rewrites the spec file with
// the accepted manifest.
func (s *serviceRun) finalize(specPath string, store *cas.Store, result discover.Result) error {
	if err := discover.Prune(store, result, s.logger); err != nil {
		return err
	}

	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", s.outDir, err)
	}
	archivePath := filepath.Join(s.outDir, specfile.ArchiveName)
	s.logger.Info("archiving vendored dependencies", "archive", archivePath)
	if err := tarball.Create(archivePath, store.BlobDir(), cas.DirName+"/"+cas.BlobSubdir); err != nil {
		return err
	}
	if err := store.RemoveAll(); err != nil {
		return err
	}

	s.logger.Info("updating spec file", "spec", specPath, "dependencies", len(result.Accepted))
	return specfile.Update(specPath, result.Accepted)
}
