// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package urlscan extracts dependency URLs from build-tool output.
//
// Bazel has no structured "missing dependency" API: when a repository
// fetch fails, the URL it wanted appears somewhere in the error text.
// Scanning the combined output for URL-shaped substrings is therefore
// the integration boundary with the tool, and it is deliberately
// loose. The pattern can match URLs mentioned in unrelated diagnostics;
// fetching those is harmless, and the discovery loop's fixed point is
// unaffected. Downstream output (the generated spec-file sections)
// depends on exactly this extraction, so the pattern must not be
// tightened casually.
package urlscan

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
)

// urlPattern matches http and https URLs with a permissive host/path
// character set (ASCII classes only). Characters outside the set, such
// as quotes, parentheses, and colons introducing port numbers, end the
// match.
var urlPattern = regexp.MustCompile(`https?://[-_@.&/+\w]+`)

// Extract returns every URL-shaped substring in line, in order of
// appearance. Duplicates within the line are preserved.
func Extract(line string) []string {
	return urlPattern.FindAllString(line, -1)
}

// Scanner accumulates URLs from a line-oriented stream. It reports
// each line to an optional callback (used to forward tool output to
// the log) and deduplicates matches in order of first appearance.
type Scanner struct {
	onLine func(line string)
	seen   map[string]struct{}
	urls   []string
}

// NewScanner returns a Scanner. onLine may be nil.
func NewScanner(onLine func(line string)) *Scanner {
	return &Scanner{
		onLine: onLine,
		seen:   make(map[string]struct{}),
	}
}

// Scan consumes r until EOF, collecting URL matches line by line.
// Lines longer than one megabyte are a read error: Bazel's progress
// output stays far below that, and an unbounded token would let a
// corrupt stream exhaust memory.
func (s *Scanner) Scan(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if s.onLine != nil {
			s.onLine(line)
		}
		for _, url := range Extract(line) {
			if _, ok := s.seen[url]; ok {
				continue
			}
			s.seen[url] = struct{}{}
			s.urls = append(s.urls, url)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading tool output: %w", err)
	}
	return nil
}

// URLs returns the deduplicated URLs in order of first appearance.
func (s *Scanner) URLs() []string {
	return s.urls
}
