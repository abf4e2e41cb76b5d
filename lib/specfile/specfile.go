// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package specfile rewrites the package's RPM spec file with the
// results of dependency discovery. All generated content lives between
// a fixed header/footer marker pair; existing marked blocks are
// stripped before regeneration, so rewriting is idempotent and the
// service can run on an already-processed spec.
package specfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AutogenHeader and AutogenFooter delimit generated spec content. The
// exact text is load-bearing: it is how a later service run recognizes
// (and replaces) its own output, including output written by the
// Python generations of this service.
const (
	AutogenHeader = "# AUTOGENERATED BY obs-service-bazel_repositories\n"
	AutogenFooter = "# END obs-service-bazel_repositories\n"
)

// ArchiveName is the file name of the vendored dependency archive
// referenced from the generated Source tag.
const ArchiveName = "vendor.tar.gz"

// Find locates the spec file in dir. Exactly one *.spec is expected in
// an OBS package checkout; with several present the lexically first is
// used, matching glob order.
func Find(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.spec"))
	if err != nil {
		return "", fmt.Errorf("globbing for spec file: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no *.spec file in %s", dir)
	}
	return matches[0], nil
}

// Clean removes every generated block from the spec file. Run before
// staging so that quilt sees only the package's own sources, not the
// vendor archive added by a previous service run.
func Clean(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading spec file: %w", err)
	}
	var out strings.Builder
	inAutogen := false
	for _, line := range splitLines(string(content)) {
		if inAutogen {
			if isMarker(line, AutogenFooter) {
				inAutogen = false
			}
			continue
		}
		if isMarker(line, AutogenHeader) {
			inAutogen = true
			continue
		}
		out.WriteString(line)
	}
	return writeFileAtomic(path, []byte(out.String()))
}

// Update rewrites the spec file for the given accepted URL list:
//
//   - a Provides block declaring every bundled dependency, inserted
//     before the first BuildRequires line;
//   - a %setup invocation unpacking the vendor archive, inserted
//     before the %build section;
//   - a Source tag for the vendor archive, preceded by a comment
//     enumerating every vendored URL, inserted after the first Source
//     line.
//
// Existing generated blocks are stripped during the rewrite, so Update
// is idempotent: a second run with the same URL list leaves the file
// byte-identical.
func Update(path string, urls []string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading spec file: %w", err)
	}

	var out strings.Builder
	inAutogen := false
	generateProvides := true
	generateSources := true
	for _, line := range splitLines(string(content)) {
		if inAutogen {
			if isMarker(line, AutogenFooter) {
				inAutogen = false
			}
			continue
		}
		if isMarker(line, AutogenHeader) {
			inAutogen = true
			continue
		}
		if generateProvides && strings.HasPrefix(line, "BuildRequires") {
			out.WriteString(providesBlock(urls))
			generateProvides = false
		}
		if strings.HasPrefix(line, "%build") {
			out.WriteString(setupBlock())
		}
		out.WriteString(line)
		if generateSources && strings.HasPrefix(line, "Source") {
			out.WriteString(sourcesBlock(urls))
			generateSources = false
		}
	}
	return writeFileAtomic(path, []byte(out.String()))
}

// providesBlock declares one "Provides: bundled(name) = version" per
// distinct dependency, so the built package records exactly which
// upstream projects it embeds.
func providesBlock(urls []string) string {
	var b strings.Builder
	b.WriteString(AutogenHeader)
	for _, dep := range Dependencies(urls) {
		fmt.Fprintf(&b, "%-16s", "Provides:")
		b.WriteString("bundled(" + dep.Name + ")")
		if dep.Version != "" {
			b.WriteString(" = " + dep.Version)
		}
		b.WriteString("\n")
	}
	b.WriteString(AutogenFooter)
	return b.String()
}

// setupBlock unpacks the vendor archive (source 1) into the build
// directory prepared by the package's own %setup: -T skips the default
// source, -D keeps the existing tree, -a 1 unpacks after changing in.
func setupBlock() string {
	return AutogenHeader + "%setup -q -T -D -a 1\n" + AutogenFooter
}

// sourcesBlock declares the vendor archive as Source1, listing every
// vendored URL in a comment for human readers and license scanners.
func sourcesBlock(urls []string) string {
	var b strings.Builder
	b.WriteString(AutogenHeader)
	b.WriteString("# " + ArchiveName + " contains the following dependencies:\n")
	for _, url := range urls {
		b.WriteString("# - " + url + "\n")
	}
	fmt.Fprintf(&b, "%-16s", "Source1:")
	b.WriteString(ArchiveName + "\n")
	b.WriteString(AutogenFooter)
	return b.String()
}

// splitLines splits content into lines that keep their trailing
// newline, so reassembly preserves the file byte-for-byte (including a
// missing final newline).
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// isMarker reports whether line is exactly the given marker. The final
// line of a file may lack the marker's trailing newline.
func isMarker(line, marker string) bool {
	return line == marker || line == strings.TrimSuffix(marker, "\n")
}

// writeFileAtomic replaces path via a temporary file in the same
// directory, so a crash mid-write never leaves a truncated spec.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".spec-*")
	if err != nil {
		return fmt.Errorf("creating temporary spec file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temporary spec file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temporary spec file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary spec file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting spec file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing spec file: %w", err)
	}
	return nil
}
