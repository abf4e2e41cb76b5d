// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tarball

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestCreate(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	blobs := map[string]string{
		"aaaa0000/file": "first blob",
		"bbbb1111/file": "second blob",
	}
	for rel, content := range blobs {
		full := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("writing blob: %v", err)
		}
	}

	dst := filepath.Join(t.TempDir(), "vendor.tar.gz")
	const prefix = "BAZEL_CACHE/content_addressable/sha256"
	if err := Create(dst, src, prefix); err != nil {
		t.Fatalf("Create: %v", err)
	}

	f, err := os.Open(dst)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("opening gzip stream: %v", err)
	}
	tr := tar.NewReader(gz)

	got := make(map[string]string)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("reading entry %s: %v", hdr.Name, err)
			}
			got[hdr.Name] = string(data)
		}
	}

	for rel, content := range blobs {
		name := prefix + "/" + rel
		if got[name] != content {
			t.Errorf("entry %s = %q, want %q", name, got[name], content)
		}
	}

	wantNames := []string{
		prefix + "/",
		prefix + "/aaaa0000/",
		prefix + "/aaaa0000/file",
		prefix + "/bbbb1111/",
		prefix + "/bbbb1111/file",
	}
	if len(names) != len(wantNames) {
		t.Fatalf("entry names = %q, want %q", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Errorf("entry %d = %q, want %q (lexical walk order)", i, names[i], wantNames[i])
		}
	}
}

func TestCreate_MissingSource(t *testing.T) {
	t.Parallel()

	dst := filepath.Join(t.TempDir(), "vendor.tar.gz")
	if err := Create(dst, filepath.Join(t.TempDir(), "absent"), "prefix"); err == nil {
		t.Error("Create with missing source succeeded, want error")
	}
}
