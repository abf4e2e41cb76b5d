// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package discover drives the sandboxed dependency-discovery loop to
// its fixed point.
//
// Each round runs the build tool inside the network-denied sandbox.
// The tool either succeeds, meaning every dependency is satisfied from
// the repository cache and the loop is done, or fails and reports the
// URLs it could not fetch. Those URLs are downloaded into the cache
// outside the sandbox, and the next round runs against the fuller
// cache. The set of still-missing dependencies shrinks monotonically,
// so the loop terminates within the depth of the dependency closure —
// guarded by a hard round cap and a stall check for URLs that can
// never be downloaded.
//
// The loop is strictly sequential: a round never starts before the
// previous round's fetch phase has fully completed, because the build
// tool must never observe a partially populated cache.
package discover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/fetch"
	"github.com/openSUSE/obs-service-bazel-repositories/sandbox"
)

// RoundRunner runs one sandboxed build-tool invocation. Implemented
// by sandbox.Runner; the loop itself is platform-agnostic.
type RoundRunner interface {
	Run(ctx context.Context) (sandbox.Round, error)
}

// BatchFetcher downloads a round's URL batch into the cache.
// Implemented by fetch.Coordinator.
type BatchFetcher interface {
	FetchAll(ctx context.Context, urls []string) ([]fetch.Outcome, error)
}

// BlobRemover prunes cache entries. Implemented by cas.Store.
type BlobRemover interface {
	Remove(digest string) error
}

// Config holds the loop's collaborators and limits.
type Config struct {
	// Runner executes the sandboxed rounds. Required.
	Runner RoundRunner

	// Fetcher downloads discovered URLs. Required.
	Fetcher BatchFetcher

	// MaxRounds caps the loop. Zero means DefaultMaxRounds.
	MaxRounds int

	// Logger for round progress. Nil means slog.Default.
	Logger *slog.Logger
}

// DefaultMaxRounds bounds the discovery loop when no explicit cap is
// configured. Real dependency closures resolve in a handful of
// rounds; a run still failing after this many indicates a cycle of
// fetch failures.
const DefaultMaxRounds = 32

// Loop is the discovery loop. Construct with New.
type Loop struct {
	runner    RoundRunner
	fetcher   BatchFetcher
	maxRounds int
	logger    *slog.Logger
}

// New validates config and returns a Loop.
func New(config Config) (*Loop, error) {
	if config.Runner == nil {
		return nil, errors.New("discover: runner is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New("discover: fetcher is required")
	}
	maxRounds := config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		runner:    config.Runner,
		fetcher:   config.Fetcher,
		maxRounds: maxRounds,
		logger:    logger,
	}, nil
}

// Result is the outcome of a completed discovery run.
type Result struct {
	// Accepted are the URLs of all vendored dependencies, sorted.
	// This is the manifest the spec-file finalizer records.
	Accepted []string

	// ExcludedDigests are the digests of blobs whose URLs matched the
	// exclusion policy. They are cached (the bookkeeping needs them)
	// but must be pruned before the cache is archived. A digest also
	// reachable from an accepted URL is not listed: identical content
	// fetched under an accepted name stays in the bundle.
	ExcludedDigests []string

	// Rounds is the number of sandboxed rounds executed, including
	// the final successful one.
	Rounds int
}

// Run drives rounds until the build tool reports nothing left to
// fetch. Sandbox failures, store failures, the round cap, and stalled
// URLs (reported again after their download already failed) abort the
// run with an error.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	accepted := make(map[string]struct{})
	acceptedDigests := make(map[string]struct{})
	excludedDigests := make(map[string]struct{})
	attempted := make(map[string]struct{})

	for round := 1; ; round++ {
		l.logger.Info("discovery round", "round", round)
		r, err := l.runner.Run(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("round %d: %w", round, err)
		}
		if r.ExitCode == 0 {
			// Fixed point: the sandbox is never re-invoked after
			// success.
			return finalize(accepted, acceptedDigests, excludedDigests, round), nil
		}
		if len(r.URLs) == 0 {
			return Result{}, fmt.Errorf("round %d: build tool failed (exit %d) without reporting missing dependencies; the build itself is broken", round, r.ExitCode)
		}
		if round >= l.maxRounds {
			return Result{}, fmt.Errorf("no fixed point after %d rounds; still missing: %s", round, strings.Join(r.URLs, ", "))
		}

		// The stall guard: a failing round must surface at least one
		// URL not attempted before, otherwise every reported URL
		// already had its download chance and the loop would spin on
		// permanently unreachable dependencies forever.
		progress := false
		for _, u := range r.URLs {
			if _, seen := attempted[u]; !seen {
				progress = true
				break
			}
		}
		if !progress {
			return Result{}, fmt.Errorf("round %d: no progress, dependencies remain unreachable: %s", round, strings.Join(r.URLs, ", "))
		}

		outcomes, err := l.fetcher.FetchAll(ctx, r.URLs)
		if err != nil {
			return Result{}, fmt.Errorf("round %d: %w", round, err)
		}
		for _, u := range r.URLs {
			attempted[u] = struct{}{}
		}
		for _, o := range outcomes {
			if o.Excluded {
				l.logger.Info("excluding dependency", "url", o.URL)
				excludedDigests[o.Digest] = struct{}{}
				continue
			}
			accepted[o.URL] = struct{}{}
			acceptedDigests[o.Digest] = struct{}{}
		}
	}
}

// finalize converts the running sets into a Result. Digests reachable
// from an accepted URL are dropped from the excluded list: pruning
// them would tear a blob out of the bundle that an accepted dependency
// needs.
func finalize(accepted, acceptedDigests, excludedDigests map[string]struct{}, rounds int) Result {
	result := Result{Rounds: rounds}
	for u := range accepted {
		result.Accepted = append(result.Accepted, u)
	}
	sort.Strings(result.Accepted)
	for d := range excludedDigests {
		if _, ok := acceptedDigests[d]; ok {
			continue
		}
		result.ExcludedDigests = append(result.ExcludedDigests, d)
	}
	sort.Strings(result.ExcludedDigests)
	return result
}

// Prune removes the excluded blobs from the store, after which the
// cache tree contains exactly the accepted dependencies and is ready
// to archive.
func Prune(store BlobRemover, result Result, logger *slog.Logger) error {
	for _, digest := range result.ExcludedDigests {
		logger.Info("pruning excluded blob", "digest", digest)
		if err := store.Remove(digest); err != nil {
			return err
		}
	}
	return nil
}
