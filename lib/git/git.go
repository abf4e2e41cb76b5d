// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package git provides typed access to the git CLI. The service
// initializes a git repository in the freshly staged source tree:
// Bazel workspaces routinely probe git for stamping and version
// information, and an unstaged tree without history breaks those
// probes. All commands target a specific directory via the -C flag,
// which every Repository method injects automatically.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repository represents a git repository at a specific directory. All
// operations target this directory via "git -C <dir>". There is no
// default directory — callers must always specify which repository
// they mean.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting the given directory.
// The directory does not need to contain a repository yet; Init
// creates one.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command targeting this repository and returns
// stdout. Stderr is captured separately and included in error messages
// on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Init creates a repository in the directory, stages everything, and
// records one baseline commit. Committer identity is passed as -c
// configuration: the OBS worker running the service has no global git
// config, and a stamping probe only needs history to exist, not a real
// author.
func (r *Repository) Init(ctx context.Context) error {
	steps := [][]string{
		{"init"},
		{"add", "."},
		{
			"-c", "user.name=obs-service-bazel-repositories",
			"-c", "user.email=obs-service-bazel-repositories@localhost",
			"-c", "commit.gpgsign=false",
			"commit", "-q", "-m", "Staged sources",
		},
	}
	for _, args := range steps {
		if _, err := r.Run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}
