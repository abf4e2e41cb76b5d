// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/openSUSE/obs-service-bazel-repositories/discover"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/cas"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/specfile"
)

const testSpec = `Name:           widget
Version:        1.0
Source0:        widget-1.0.tar.gz
BuildRequires:  bazel
%build
bazel build //...
`

// insertBlob stores content in the store and returns its digest.
func insertBlob(t *testing.T, store *cas.Store, content []byte) string {
	t.Helper()
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	f, err := store.TempFile("blob")
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("writing blob: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing blob: %v", err)
	}
	if _, err := store.Insert(f.Name(), digest); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return digest
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		names = append(names, header.Name)
	}
	return names
}

// TestServiceRun_Finalize covers the finalization sequence end to end:
// excluded blobs pruned, remaining cache archived under the fixed
// prefix, cache tree removed, spec rewritten with the manifest.
func TestServiceRun_Finalize(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "widget.spec")
	if err := os.WriteFile(specPath, []byte(testSpec), 0o644); err != nil {
		t.Fatalf("writing spec: %v", err)
	}

	store, err := cas.New(filepath.Join(dir, cas.DirName))
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}
	acceptedDigest := insertBlob(t, store, []byte("accepted dependency"))
	excludedDigest := insertBlob(t, store, []byte("excluded dependency"))

	outDir := filepath.Join(dir, "out")
	service := &serviceRun{
		outDir: outDir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	result := discover.Result{
		Accepted:        []string{"https://github.com/org/proj/archive/v1.2.3.tar.gz"},
		ExcludedDigests: []string{excludedDigest},
		Rounds:          2,
	}
	if err := service.finalize(specPath, store, result); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The archive holds the accepted blob under the fixed cache
	// prefix and nothing of the excluded one.
	entries := archiveEntries(t, filepath.Join(outDir, specfile.ArchiveName))
	wantEntry := cas.DirName + "/" + cas.BlobSubdir + "/" + acceptedDigest + "/file"
	found := false
	for _, name := range entries {
		if name == wantEntry {
			found = true
		}
		if strings.Contains(name, excludedDigest) {
			t.Errorf("excluded blob %s present in archive as %s", excludedDigest, name)
		}
	}
	if !found {
		t.Errorf("archive entries %v missing %s", entries, wantEntry)
	}

	// The cache tree is gone after archiving.
	if _, err := os.Stat(store.Root()); !os.IsNotExist(err) {
		t.Errorf("cache tree still present after finalize: %v", err)
	}

	// The spec carries the manifest.
	content, err := os.ReadFile(specPath)
	if err != nil {
		t.Fatalf("reading spec: %v", err)
	}
	for _, want := range []string{
		"Provides:       bundled(proj) = 1.2.3",
		"Source1:        vendor.tar.gz",
		"%setup -q -T -D -a 1",
		"# - https://github.com/org/proj/archive/v1.2.3.tar.gz",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("spec missing %q:\n%s", want, content)
		}
	}

	// Updating again with the same manifest is byte-identical.
	if err := specfile.Update(specPath, result.Accepted); err != nil {
		t.Fatalf("second Update: %v", err)
	}
	again, err := os.ReadFile(specPath)
	if err != nil {
		t.Fatalf("re-reading spec: %v", err)
	}
	if string(again) != string(content) {
		t.Error("second Update changed the spec file")
	}
}
