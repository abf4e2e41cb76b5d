// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stage prepares the working tree that dependency discovery
// runs in: a pristine source tree, unpacked and patched exactly as the
// package's %prep step would, plus a baseline git repository.
//
// The heavy lifting is delegated to quilt, which understands RPM spec
// files: "quilt setup" unpacks the main source tarball and prepares
// the patch series, and repeated "quilt push" applies the series one
// patch at a time. The staged tree is the only directory the sandboxed
// build tool ever sees.
package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/git"
)

// pushDone is the quilt exit code meaning "series fully applied,
// nothing left to push".
const pushDone = 2

// Stager stages the source tree described by a spec file into a
// subdirectory of Dir.
type Stager struct {
	// Dir is the service working directory: the package checkout
	// containing the spec file, source tarballs, and patches.
	Dir string

	// OutDirBase is the base name of the service's output directory.
	// It is exempt from the stale-directory sweep that precedes
	// staging.
	OutDirBase string

	// Logger receives per-line quilt output at debug level.
	Logger *slog.Logger

	quilt string
}

// New returns a Stager for the given working directory. Fails when
// quilt is not installed, since nothing can be staged without it.
func New(dir, outDirBase string, logger *slog.Logger) (*Stager, error) {
	quilt, err := exec.LookPath("quilt")
	if err != nil {
		return nil, fmt.Errorf("quilt not found in PATH (install the quilt package; the service unpacks and patches sources with it): %w", err)
	}
	return &Stager{Dir: dir, OutDirBase: outDirBase, Logger: logger, quilt: quilt}, nil
}

// Stage unpacks and patches the sources for specPath and returns the
// absolute path of the staged tree. Any pre-existing staging trees in
// the working directory are removed first, so repeated service runs
// never see each other's output.
func (s *Stager) Stage(ctx context.Context, specPath string) (string, error) {
	if err := s.removeStaleTrees(); err != nil {
		return "", err
	}

	root, err := s.setup(ctx, specPath)
	if err != nil {
		return "", err
	}

	if err := s.applySeries(ctx, root); err != nil {
		return "", err
	}

	// quilt setup leaves a "patches" symlink and its .pc working state
	// in the staged tree; neither belongs in the tree the build tool
	// scans.
	link := filepath.Join(root, "patches")
	if info, err := os.Lstat(link); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(link); err != nil {
			return "", fmt.Errorf("removing patches symlink: %w", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(root, ".pc")); err != nil {
		return "", fmt.Errorf("removing quilt state: %w", err)
	}

	// Bazel workspaces routinely probe git for stamping and version
	// information; a baseline commit keeps those probes working in
	// the staged tree.
	if err := git.NewRepository(root).Init(ctx); err != nil {
		return "", err
	}

	s.Logger.Info("patches applied", "root", root)
	return root, nil
}

// removeStaleTrees deletes every non-hidden subdirectory of the
// working directory except the service output directory. Source
// tarballs and patches are plain files and are untouched.
func (s *Stager) removeStaleTrees() error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("reading working directory %s: %w", s.Dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if s.OutDirBase != "" && entry.Name() == s.OutDirBase {
			continue
		}
		path := filepath.Join(s.Dir, entry.Name())
		s.Logger.Debug("removing stale directory", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing stale directory %s: %w", path, err)
		}
	}
	return nil
}

// setup runs "quilt setup -v" on the spec file and returns the staged
// source root parsed from its verbose output (the "+ cd <dir>" trace
// line).
func (s *Stager) setup(ctx context.Context, specPath string) (string, error) {
	cmd := exec.CommandContext(ctx, s.quilt, "setup", "-v", specPath)
	cmd.Dir = s.Dir
	output, err := cmd.CombinedOutput()

	var root string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		s.Logger.Debug("quilt setup", "line", line)
		if strings.HasPrefix(line, "+ cd") {
			fields := strings.Fields(line)
			root = fields[len(fields)-1]
		}
	}

	if err != nil || root == "" {
		return "", fmt.Errorf("quilt setup failed or did not create a source directory (ensure the %%prep step of %s does not fail and that `quilt setup -v %s` runs cleanly): %w (output: %s)",
			specPath, specPath, err, strings.TrimSpace(string(output)))
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(s.Dir, root)
	}
	return root, nil
}

// applySeries pushes the patch series one patch at a time until quilt
// reports the series fully applied.
func (s *Stager) applySeries(ctx context.Context, root string) error {
	for {
		code, output, err := s.push(ctx, root)
		switch {
		case code == pushDone:
			return nil
		case err == nil:
			continue
		case !seriesPresent(root):
			// A package without patches has no series to push; quilt
			// reports that as an error rather than as "fully applied".
			s.Logger.Debug("no patch series to apply", "root", root)
			return nil
		default:
			return fmt.Errorf("quilt push in %s: %w (fix the patch series so that `quilt push -a` succeeds; output: %s)",
				root, err, strings.TrimSpace(output))
		}
	}
}

// push runs a single "quilt push", returning its exit code and
// combined output. Output lines are logged at debug level.
func (s *Stager) push(ctx context.Context, root string) (int, string, error) {
	cmd := exec.CommandContext(ctx, s.quilt, "push")
	cmd.Dir = root
	output, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimRight(string(output), "\n"), "\n") {
		s.Logger.Debug("quilt push", "line", strings.TrimSpace(line))
	}

	if err == nil {
		return 0, string(output), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), string(output), err
	}
	return -1, string(output), err
}

// seriesPresent reports whether the staged tree has a patch series
// with at least one patch in it.
func seriesPresent(root string) bool {
	for _, name := range []string{"series", "patches/series"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				return true
			}
		}
	}
	return false
}
