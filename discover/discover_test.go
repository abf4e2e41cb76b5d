// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discover

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/fetch"
	"github.com/openSUSE/obs-service-bazel-repositories/sandbox"
)

// stubRunner replays a scripted sequence of rounds, recording a shared
// sequence counter so tests can assert that rounds and fetch batches
// strictly alternate.
type stubRunner struct {
	rounds []sandbox.Round
	calls  int

	sequence *[]string
}

func (s *stubRunner) Run(ctx context.Context) (sandbox.Round, error) {
	if s.sequence != nil {
		*s.sequence = append(*s.sequence, "round")
	}
	if s.calls >= len(s.rounds) {
		panic("runner invoked past the end of its script (re-invoked after success?)")
	}
	r := s.rounds[s.calls]
	s.calls++
	return r, nil
}

// stubFetcher produces one successful outcome per URL, except URLs
// listed in fail, which are silently dropped like a download failure.
type stubFetcher struct {
	fail     map[string]bool
	exclude  map[string]bool
	sequence *[]string
}

func (s *stubFetcher) FetchAll(ctx context.Context, urls []string) ([]fetch.Outcome, error) {
	if s.sequence != nil {
		*s.sequence = append(*s.sequence, "fetch")
	}
	var outcomes []fetch.Outcome
	seen := make(map[string]bool)
	for _, u := range urls {
		if seen[u] || s.fail[u] {
			continue
		}
		seen[u] = true
		outcomes = append(outcomes, fetch.Outcome{
			URL:      u,
			Digest:   "digest-of-" + u,
			Excluded: s.exclude[u],
		})
	}
	return outcomes, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoop(t *testing.T, config Config) *Loop {
	t.Helper()
	config.Logger = discardLogger()
	loop, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return loop
}

func TestLoop_Run_FixedPoint(t *testing.T) {
	t.Parallel()

	// Three-deep dependency chain: each round discovers one more URL
	// until the tool succeeds. Exactly four rounds, no run after
	// success (the stub panics on over-run).
	runner := &stubRunner{rounds: []sandbox.Round{
		{ExitCode: 1, URLs: []string{"https://a.example/a.tgz"}},
		{ExitCode: 1, URLs: []string{"https://b.example/b.tgz"}},
		{ExitCode: 1, URLs: []string{"https://c.example/c.tgz"}},
		{ExitCode: 0},
	}}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: &stubFetcher{}})

	result, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Rounds != 4 {
		t.Errorf("rounds = %d, want 4", result.Rounds)
	}
	want := []string{
		"https://a.example/a.tgz",
		"https://b.example/b.tgz",
		"https://c.example/c.tgz",
	}
	if len(result.Accepted) != len(want) {
		t.Fatalf("accepted = %v, want %v", result.Accepted, want)
	}
	for i := range want {
		if result.Accepted[i] != want[i] {
			t.Errorf("accepted[%d] = %q, want %q", i, result.Accepted[i], want[i])
		}
	}
}

func TestLoop_Run_ImmediateSuccess(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{rounds: []sandbox.Round{{ExitCode: 0}}}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: &stubFetcher{}})

	result, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", result.Rounds)
	}
	if len(result.Accepted) != 0 {
		t.Errorf("accepted = %v, want none", result.Accepted)
	}
}

func TestLoop_Run_RoundsAndFetchesAlternate(t *testing.T) {
	t.Parallel()

	// Round N+1 must never start before round N's fetch phase has
	// fully completed.
	var sequence []string
	runner := &stubRunner{
		rounds: []sandbox.Round{
			{ExitCode: 1, URLs: []string{"https://a.example/a.tgz"}},
			{ExitCode: 1, URLs: []string{"https://b.example/b.tgz"}},
			{ExitCode: 0},
		},
		sequence: &sequence,
	}
	fetcher := &stubFetcher{sequence: &sequence}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: fetcher})

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "round fetch round fetch round"
	if got := strings.Join(sequence, " "); got != want {
		t.Errorf("sequence = %q, want %q", got, want)
	}
}

func TestLoop_Run_StallGuard(t *testing.T) {
	t.Parallel()

	// The same URL keeps failing to download and the tool keeps
	// reporting it: the loop must abort, not spin to the round cap.
	url := "https://dead.example/gone.tgz"
	runner := &stubRunner{rounds: []sandbox.Round{
		{ExitCode: 1, URLs: []string{url}},
		{ExitCode: 1, URLs: []string{url}},
	}}
	fetcher := &stubFetcher{fail: map[string]bool{url: true}}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: fetcher})

	_, err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded, want stall error")
	}
	if !strings.Contains(err.Error(), url) {
		t.Errorf("stall error %q does not name the unreachable URL", err)
	}
	if runner.calls != 2 {
		t.Errorf("runner invoked %d times, want 2 (stall detected on second round)", runner.calls)
	}
}

func TestLoop_Run_RoundCap(t *testing.T) {
	t.Parallel()

	// A pathological tool that reports a fresh URL every round: the
	// cap must stop the loop.
	var rounds []sandbox.Round
	for i := 0; i < 10; i++ {
		rounds = append(rounds, sandbox.Round{
			ExitCode: 1,
			URLs:     []string{"https://example.com/" + strings.Repeat("x", i+1) + ".tgz"},
		})
	}
	loop := newTestLoop(t, Config{
		Runner:    &stubRunner{rounds: rounds},
		Fetcher:   &stubFetcher{},
		MaxRounds: 5,
	})

	_, err := loop.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no fixed point") {
		t.Fatalf("Run error = %v, want round-cap error", err)
	}
}

func TestLoop_Run_FailureWithoutURLs(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{rounds: []sandbox.Round{{ExitCode: 37}}}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: &stubFetcher{}})

	_, err := loop.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exit 37") {
		t.Fatalf("Run error = %v, want build-failure error naming exit 37", err)
	}
}

func TestLoop_Run_ExcludedSeparatedFromAccepted(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{rounds: []sandbox.Round{
		{ExitCode: 1, URLs: []string{
			"https://acme.example/a.tgz",
			"https://other.example/b.tgz",
		}},
		{ExitCode: 0},
	}}
	fetcher := &stubFetcher{exclude: map[string]bool{"https://acme.example/a.tgz": true}}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: fetcher})

	result, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != "https://other.example/b.tgz" {
		t.Errorf("accepted = %v, want only the non-excluded URL", result.Accepted)
	}
	if len(result.ExcludedDigests) != 1 || result.ExcludedDigests[0] != "digest-of-https://acme.example/a.tgz" {
		t.Errorf("excluded digests = %v, want the excluded URL's digest", result.ExcludedDigests)
	}
}

func TestLoop_Run_SharedDigestNotPruned(t *testing.T) {
	t.Parallel()

	// An excluded URL and an accepted URL with identical content
	// collapse to one blob; that blob must survive pruning.
	runner := &stubRunner{rounds: []sandbox.Round{
		{ExitCode: 1, URLs: []string{
			"https://acme.example/same.tgz",
			"https://other.example/same.tgz",
		}},
		{ExitCode: 0},
	}}
	fetcher := &sharedDigestFetcher{excluded: "https://acme.example/same.tgz"}
	loop := newTestLoop(t, Config{Runner: runner, Fetcher: fetcher})

	result, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.ExcludedDigests) != 0 {
		t.Errorf("excluded digests = %v, want none (shared with an accepted URL)", result.ExcludedDigests)
	}
}

// sharedDigestFetcher returns the same digest for every URL.
type sharedDigestFetcher struct {
	excluded string
}

func (s *sharedDigestFetcher) FetchAll(ctx context.Context, urls []string) ([]fetch.Outcome, error) {
	var outcomes []fetch.Outcome
	for _, u := range urls {
		outcomes = append(outcomes, fetch.Outcome{
			URL:      u,
			Digest:   "shared-digest",
			Excluded: u == s.excluded,
		})
	}
	return outcomes, nil
}

// removeRecorder records pruned digests.
type removeRecorder struct {
	removed []string
}

func (r *removeRecorder) Remove(digest string) error {
	r.removed = append(r.removed, digest)
	return nil
}

func TestPrune(t *testing.T) {
	t.Parallel()

	recorder := &removeRecorder{}
	result := Result{ExcludedDigests: []string{"d1", "d2"}}
	if err := Prune(recorder, result, discardLogger()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(recorder.removed) != 2 || recorder.removed[0] != "d1" || recorder.removed[1] != "d2" {
		t.Errorf("removed = %v, want [d1 d2]", recorder.removed)
	}
}
