// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bazel provides typed access to the bazel command line. The
// service never links against Bazel; it shells out for exactly two
// things: expunging stale local state before discovery starts, and the
// per-round dependency fetch that runs inside the sandbox (the sandbox
// child builds its argument list with [FetchArgs]).
package bazel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultTarget is the target expression used when the service is
// invoked without --target: every target in the workspace.
const DefaultTarget = "//..."

// FindBinary locates the bazel executable on PATH. Workspaces that
// pin Bazel via bazelisk install it under the same name, so a plain
// PATH lookup covers both.
func FindBinary() (string, error) {
	path, err := exec.LookPath("bazel")
	if err != nil {
		return "", fmt.Errorf("bazel not found in PATH (install bazel or bazelisk, or set the binary path in the service configuration): %w", err)
	}
	return path, nil
}

// Override maps a Bazel external repository name to a local directory,
// passed through to bazel as --override_repository. Overrides let a
// package build against locally vendored repositories instead of
// fetching them.
type Override struct {
	// Name is the external repository name, without the @ prefix.
	Name string `cbor:"name"`

	// Path is the local directory Bazel uses in place of the fetched
	// repository.
	Path string `cbor:"path"`
}

func (o Override) String() string {
	return o.Name + "=" + o.Path
}

// ParseOverrides parses a comma-separated list of name=path pairs, the
// format of the service's --override-repository parameter. An empty
// list is valid and yields nil.
func ParseOverrides(list string) ([]Override, error) {
	if list == "" {
		return nil, nil
	}
	var overrides []Override
	for _, entry := range strings.Split(list, ",") {
		name, path, ok := strings.Cut(entry, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("malformed repository override %q: want name=path", entry)
		}
		overrides = append(overrides, Override{Name: name, Path: path})
	}
	return overrides, nil
}

// FetchArgs returns the bazel argument list for one discovery round:
// fetch the given target expression, resolving external repositories
// through cacheDir and the overrides. cacheDir is interpreted by bazel
// relative to the workspace the command runs in.
func FetchArgs(cacheDir string, overrides []Override, target string) []string {
	args := []string{"fetch", "--repository_cache=" + cacheDir}
	for _, o := range overrides {
		args = append(args, "--override_repository="+o.String())
	}
	return append(args, target)
}

// Clean runs "bazel clean --expunge" in workDir, removing the entire
// output base so discovery starts from a cold repository state. Stale
// local repository state would mask dependencies that the offline
// build still needs.
func Clean(ctx context.Context, binary, workDir string, logger *slog.Logger) error {
	logger.Info("expunging bazel state", "workdir", workDir)
	cmd := exec.CommandContext(ctx, binary, "clean", "--expunge")
	cmd.Dir = workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bazel clean --expunge in %s: %w (stderr: %s)",
			workDir, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
