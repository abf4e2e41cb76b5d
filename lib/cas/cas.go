// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the content-addressable blob store that backs
// Bazel's --repository_cache. The on-disk layout is fixed by Bazel's
// cache lookup, not by this service:
//
//	<root>/content_addressable/sha256/<hex digest>/file
//
// Blobs are keyed by the SHA-256 of their content, so two URLs whose
// downloaded bytes are identical collapse to a single entry and the
// store never duplicates content. Insertion is idempotent and safe
// under concurrent writers: the publish step (directory create plus
// rename) runs under the store's mutex, and the rename source lives on
// the same filesystem as the blob tree, so a blob is either fully
// present at its final path or not present at all.
package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DirName is the store's directory name inside the service working
// directory. The sandboxed build tool is pointed at the same directory
// via --repository_cache.
const DirName = "BAZEL_CACHE"

// BlobSubdir is the subtree holding the content-addressed entries.
// Bazel resolves cache hits under this exact path, which also pins the
// digest algorithm to SHA-256.
const BlobSubdir = "content_addressable/sha256"

// Store is a SHA-256 content-addressable blob store rooted at a single
// directory. One Store handle is shared by all concurrent fetch
// workers; the zero value is not usable, construct with [New].
type Store struct {
	root string

	// mu serializes the directory-create-and-rename publish step.
	// Multiple workers may download identical content concurrently and
	// target the same digest directory; the critical section makes the
	// last rename win over a fully published duplicate instead of
	// racing a partially created one. Held only around publish, never
	// around download or hashing.
	mu sync.Mutex
}

// New creates (if needed) the store layout under root and returns the
// Store. The scratch directory for in-flight downloads lives inside
// root so that publishing is a same-filesystem rename.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{s.BlobDir(), s.scratchDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// BlobDir returns the directory holding the content-addressed entries,
// the subtree that ends up in the vendor archive.
func (s *Store) BlobDir() string {
	return filepath.Join(s.root, filepath.FromSlash(BlobSubdir))
}

func (s *Store) scratchDir() string {
	return filepath.Join(s.root, "tmp")
}

// TempFile creates a scratch file for an in-flight download. The name
// combines the (sanitized) base name with a fresh UUID: dependency
// archives are frequently all called "archive.tar.gz", and concurrent
// downloads of distinct URLs sharing a base name must never collide.
// The caller owns the file and must either pass its path to [Insert]
// or remove it.
func (s *Store) TempFile(base string) (*os.File, error) {
	base = sanitizeBase(base)
	name := filepath.Join(s.scratchDir(), base+"-"+uuid.NewString())
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating scratch file: %w", err)
	}
	return f, nil
}

// sanitizeBase makes a URL-derived base name safe to use as a file
// name component. Path separators cannot appear in a URL base name,
// but percent escapes can decode to anything, and NAME_MAX caps the
// component length.
func sanitizeBase(base string) string {
	base = strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator || r == 0 {
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == ".." {
		base = "download"
	}
	const maxBase = 128
	if len(base) > maxBase {
		base = base[len(base)-maxBase:]
	}
	return base
}

// BlobPath returns the final path of the blob for digest, whether or
// not it exists yet.
func (s *Store) BlobPath(digest string) string {
	return filepath.Join(s.BlobDir(), digest, "file")
}

// Insert publishes the file at tmpPath as the blob for digest and
// returns the blob's final path. The temporary file is consumed.
// Inserting a digest that is already present replaces the existing
// blob with the (identical) new bytes, so concurrent and repeated
// inserts of the same content are idempotent.
func (s *Store) Insert(tmpPath, digest string) (string, error) {
	dst := s.BlobPath(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("creating blob directory for %s: %w", digest, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("publishing blob %s: %w", digest, err)
	}
	return dst, nil
}

// Remove deletes the entire entry for digest. Removing an absent
// digest is not an error.
func (s *Store) Remove(digest string) error {
	if err := os.RemoveAll(filepath.Join(s.BlobDir(), digest)); err != nil {
		return fmt.Errorf("removing blob %s: %w", digest, err)
	}
	return nil
}

// RemoveAll deletes the whole store tree. Called after the blob tree
// has been archived; nothing reads the store afterwards.
func (s *Store) RemoveAll() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("removing cache %s: %w", s.root, err)
	}
	return nil
}
