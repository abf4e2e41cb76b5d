// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch downloads discovered dependency URLs into the
// content-addressable store.
//
// A Fetcher handles one URL: download to a scratch file, hash, publish
// into the store, evaluate the exclusion policy. A Coordinator drives
// a Fetcher over a whole round's URL batch concurrently. Download
// failures are the expected, non-fatal error class: a URL that cannot
// be downloaded this round is simply dropped, and the next sandboxed
// round reports it again if the build still needs it. Everything else
// (disk full, permission) is fatal and cancels the batch.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/cas"
)

// ErrDownload wraps every network- and protocol-level failure to
// retrieve a URL. Callers test with errors.Is to distinguish the
// droppable failures from fatal store errors.
var ErrDownload = errors.New("download failed")

// hashChunkSize is the read size used when hashing a downloaded file.
const hashChunkSize = 64 * 1024

// Outcome describes one successfully downloaded and stored URL.
type Outcome struct {
	// URL is the dependency URL exactly as discovered.
	URL string

	// Digest is the lowercase hex SHA-256 of the downloaded bytes.
	Digest string

	// BlobPath is the blob's final path inside the store.
	BlobPath string

	// Excluded reports whether the URL matched the exclusion policy.
	// The blob is cached either way; excluded blobs are pruned from
	// the bundle at finalization.
	Excluded bool
}

// Config holds the Fetcher's tunables, typically taken from the
// service configuration.
type Config struct {
	// Store receives the downloaded blobs. Required. The store handle
	// is shared across all workers; its internal lock is the only
	// cross-worker synchronization.
	Store *cas.Store

	// Exclude lists substrings matched against each URL.
	Exclude []string

	// Attempts is the number of download attempts per URL. Zero
	// means one attempt.
	Attempts int

	// Timeout bounds a single download attempt. Zero means no
	// per-attempt deadline beyond the caller's context.
	Timeout time.Duration

	// RetryDelay is the pause before the second attempt; it doubles
	// after each failure.
	RetryDelay time.Duration

	// UserAgent is sent with every request when non-empty.
	UserAgent string

	// Client is the HTTP client to download with. Nil means a
	// default client with redirect support and no global timeout
	// (per-attempt deadlines come from Timeout).
	Client *http.Client

	// Logger receives per-URL warnings and debug output. Nil means
	// slog.Default.
	Logger *slog.Logger
}

// Fetcher downloads single URLs into the store. Safe for concurrent
// use; all mutable state lives in the store.
type Fetcher struct {
	store      *cas.Store
	exclude    []string
	attempts   int
	timeout    time.Duration
	retryDelay time.Duration
	userAgent  string
	client     *http.Client
	logger     *slog.Logger
}

// New returns a Fetcher for the given configuration.
func New(config Config) (*Fetcher, error) {
	if config.Store == nil {
		return nil, errors.New("fetch: store is required")
	}
	attempts := config.Attempts
	if attempts < 1 {
		attempts = 1
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:      config.Store,
		exclude:    config.Exclude,
		attempts:   attempts,
		timeout:    config.Timeout,
		retryDelay: config.RetryDelay,
		userAgent:  config.UserAgent,
		client:     client,
		logger:     logger,
	}, nil
}

// Fetch downloads rawURL, hashes it, and publishes it into the store.
// Network and protocol failures return an error wrapping ErrDownload
// after the configured attempts are exhausted; those URLs are dropped
// for the round. Store failures are returned as-is and are fatal.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Outcome, error) {
	tmp, err := f.store.TempFile(urlBase(rawURL))
	if err != nil {
		return Outcome{}, err
	}
	tmpPath := tmp.Name()
	// The scratch file outlives this function only on the success
	// path, where Insert consumes it.
	removeTmp := func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			f.logger.Warn("leaking scratch file", "path", tmpPath, "error", err)
		}
	}

	if err := f.download(ctx, rawURL, tmp); err != nil {
		tmp.Close()
		removeTmp()
		return Outcome{}, err
	}
	if err := tmp.Close(); err != nil {
		removeTmp()
		return Outcome{}, fmt.Errorf("closing download of %s: %w", rawURL, err)
	}

	digest, err := hashFile(tmpPath)
	if err != nil {
		removeTmp()
		return Outcome{}, err
	}

	blobPath, err := f.store.Insert(tmpPath, digest)
	if err != nil {
		removeTmp()
		return Outcome{}, err
	}

	outcome := Outcome{
		URL:      rawURL,
		Digest:   digest,
		BlobPath: blobPath,
		Excluded: f.excluded(rawURL),
	}
	f.logger.Debug("fetched", "url", rawURL, "digest", digest, "excluded", outcome.Excluded)
	return outcome, nil
}

// download retrieves rawURL into w with bounded retries. All failures
// wrap ErrDownload.
func (f *Fetcher) download(ctx context.Context, rawURL string, w io.Writer) error {
	delay := f.retryDelay
	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if attempt > 1 {
			f.logger.Warn("retrying download", "url", rawURL, "attempt", attempt, "error", lastErr)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return fmt.Errorf("%w: %s: %w", ErrDownload, rawURL, ctx.Err())
				}
				delay *= 2
			}
		}
		lastErr = f.attempt(ctx, rawURL, w)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrDownload, rawURL, lastErr)
}

// attempt performs one GET of rawURL, streaming the body into w. The
// writer is an *os.File seeked back to the start between attempts so a
// partial body from a failed attempt never survives.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, w io.Writer) error {
	if file, ok := w.(*os.File); ok {
		if err := file.Truncate(0); err != nil {
			return fmt.Errorf("truncating scratch file: %w", err)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding scratch file: %w", err)
		}
	}

	attemptCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	return nil
}

// excluded reports whether rawURL contains any configured exclusion
// substring.
func (f *Fetcher) excluded(rawURL string) bool {
	for _, substr := range f.exclude {
		if strings.Contains(rawURL, substr) {
			return true
		}
	}
	return false
}

// hashFile computes the hex SHA-256 of the file at path, reading it in
// fixed-size chunks.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// urlBase returns the final path segment of rawURL for use in scratch
// file names. Unparseable URLs fall back to a fixed name; the random
// token appended by the store keeps those unique too.
func urlBase(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	return path.Base(parsed.Path)
}

// Coordinator fans a round's URL batch out over a bounded worker pool.
type Coordinator struct {
	fetcher *Fetcher
	jobs    int
	logger  *slog.Logger
}

// NewCoordinator returns a Coordinator running at most jobs downloads
// concurrently. jobs <= 0 means one worker per CPU.
func NewCoordinator(fetcher *Fetcher, jobs int, logger *slog.Logger) *Coordinator {
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{fetcher: fetcher, jobs: jobs, logger: logger}
}

// FetchAll downloads every URL in urls, deduplicated, over the worker
// pool. Download failures are warned and skipped; the remaining URLs
// still produce outcomes (the discovery loop resurfaces dropped URLs
// naturally on the next round). Any other failure cancels the batch
// and is returned. The order of the returned outcomes is unspecified.
func (c *Coordinator) FetchAll(ctx context.Context, urls []string) ([]Outcome, error) {
	deduped := dedupe(urls)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.jobs)
	results := make(chan Outcome, len(deduped))

	for _, u := range deduped {
		u := u
		group.Go(func() error {
			outcome, err := c.fetcher.Fetch(ctx, u)
			switch {
			case errors.Is(err, ErrDownload):
				c.logger.Warn("dropping URL for this round", "url", u, "error", err)
				return nil
			case err != nil:
				return err
			}
			results <- outcome
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	close(results)

	outcomes := make([]Outcome, 0, len(results))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// dedupe returns the unique URLs in sorted order. Order is irrelevant
// to callers; sorting just makes the fetch log stable.
func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	var out []string
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
