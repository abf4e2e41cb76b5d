// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestRepository_Init(t *testing.T) {
	t.Parallel()
	requireGit(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "WORKSPACE"), []byte("workspace(name = \"demo\")\n"), 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}

	repo := NewRepository(dir)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf(".git missing after Init: %v", err)
	}

	out, err := repo.Run(context.Background(), "log", "--oneline")
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if !strings.Contains(out, "Staged sources") {
		t.Errorf("log output %q does not contain the baseline commit", out)
	}

	status, err := repo.Run(context.Background(), "status", "--porcelain")
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	if strings.TrimSpace(status) != "" {
		t.Errorf("working tree not clean after Init: %q", status)
	}
}

func TestRepository_Run_ErrorIncludesStderr(t *testing.T) {
	t.Parallel()
	requireGit(t)

	repo := NewRepository(t.TempDir())
	_, err := repo.Run(context.Background(), "log")
	if err == nil {
		t.Fatal("git log in empty directory succeeded, want error")
	}
	if !strings.Contains(err.Error(), "stderr:") {
		t.Errorf("error %q does not include stderr", err)
	}
}
