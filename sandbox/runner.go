// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/bazel"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/codec"
)

// Config holds the parameters for a round runner.
type Config struct {
	// WorkDir is the staged source tree. Required.
	WorkDir string

	// Cache is the repository cache path the build tool is pointed
	// at, relative to WorkDir. Required.
	Cache string

	// Overrides are repository overrides forwarded to the build tool.
	Overrides []bazel.Override

	// Target is the target expression to fetch. Required.
	Target string

	// Bazel is the absolute path of the bazel binary. Required.
	Bazel string

	// Timeout bounds one round, including the build tool run. Zero
	// disables the deadline.
	Timeout time.Duration

	// Executable is the binary re-executed for the child and helper
	// verbs. Empty means the running executable.
	Executable string

	// Logger for round progress. Nil means slog.Default.
	Logger *slog.Logger
}

// Runner executes sandboxed discovery rounds. Rounds are strictly
// sequential: the namespace handles and the repository cache belong to
// one child at a time, so Run must not be called concurrently.
type Runner struct {
	workDir    string
	cache      string
	overrides  []bazel.Override
	target     string
	bazel      string
	timeout    time.Duration
	executable string
	logger     *slog.Logger
}

// NewRunner validates config and returns a Runner.
func NewRunner(config Config) (*Runner, error) {
	if config.WorkDir == "" {
		return nil, errors.New("sandbox: workdir is required")
	}
	if config.Cache == "" {
		return nil, errors.New("sandbox: cache path is required")
	}
	if config.Target == "" {
		return nil, errors.New("sandbox: target is required")
	}
	if config.Bazel == "" {
		return nil, errors.New("sandbox: bazel path is required")
	}
	executable := config.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolving own executable: %w", err)
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		workDir:    config.WorkDir,
		cache:      config.Cache,
		overrides:  config.Overrides,
		target:     config.Target,
		bazel:      config.Bazel,
		timeout:    config.Timeout,
		executable: executable,
		logger:     logger,
	}, nil
}

// Run executes one discovery round and returns the build tool's exit
// status and the URLs discovered in its output. Any failure of the
// sandbox machinery itself (namespace creation, the loopback helper,
// a child crash before reporting) is returned as an error: the
// sandbox is a precondition of discovery, never a retryable step.
func (r *Runner) Run(ctx context.Context) (Round, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	configBytes, err := codec.Marshal(RoundConfig{
		WorkDir:   r.workDir,
		Cache:     r.cache,
		Overrides: r.overrides,
		Target:    r.target,
		Bazel:     r.bazel,
	})
	if err != nil {
		return Round{}, fmt.Errorf("encoding round config: %w", err)
	}

	// reportR/W carry child-to-parent messages, goR/W the single
	// parent-to-child go signal. The child sees the write end of the
	// first and the read end of the second as fds 3 and 4.
	reportR, reportW, err := os.Pipe()
	if err != nil {
		return Round{}, fmt.Errorf("creating report pipe: %w", err)
	}
	defer reportR.Close()
	goR, goW, err := os.Pipe()
	if err != nil {
		reportW.Close()
		return Round{}, fmt.Errorf("creating go pipe: %w", err)
	}
	defer goW.Close()

	cmd := exec.CommandContext(ctx, r.executable, VerbChild)
	cmd.Stdin = bytes.NewReader(configBytes)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{reportW, goR}
	// CLONE_NEWUSER|CLONE_NEWNET at clone time: a running Go process
	// is multithreaded and cannot unshare a user namespace after the
	// fact. Identity id mappings: the build tool has no need to be
	// root inside the namespace, and identity mapping keeps the
	// staged tree's file ownership coherent inside and out.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1},
		},
		Setpgid: true,
	}
	// On deadline or cancellation, kill the whole process group: the
	// build tool forks a long-lived server process that would survive
	// a kill of the child alone.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	r.logger.Info("starting sandboxed round", "workdir", r.workDir, "target", r.target)
	if err := cmd.Start(); err != nil {
		reportW.Close()
		goR.Close()
		return Round{}, fmt.Errorf("starting sandboxed child (unprivileged user namespaces must be enabled): %w", err)
	}
	// The child owns these ends now.
	reportW.Close()
	goR.Close()

	decoder := codec.NewDecoder(reportR)

	var ready Message
	if err := decoder.Decode(&ready); err != nil {
		return Round{}, r.childFailure(cmd, fmt.Errorf("child exited before creating namespaces: %w", err))
	}
	if ready.Event != EventNamespacesReady {
		return Round{}, r.childFailure(cmd, fmt.Errorf("unexpected handshake message %q, want %q", ready.Event, EventNamespacesReady))
	}

	if err := r.enableLoopback(ctx, cmd.Process.Pid); err != nil {
		return Round{}, r.childFailure(cmd, err)
	}

	if err := codec.NewEncoder(goW).Encode(Message{Event: EventLoopbackReady}); err != nil {
		return Round{}, r.childFailure(cmd, fmt.Errorf("signaling loopback ready: %w", err))
	}

	var report Message
	if err := decoder.Decode(&report); err != nil {
		// The sandbox machinery is broken, not a dependency missing.
		return Round{}, r.childFailure(cmd, fmt.Errorf("child exited before reporting: %w", err))
	}
	if report.Event != EventReport {
		return Round{}, r.childFailure(cmd, fmt.Errorf("unexpected handshake message %q, want %q", report.Event, EventReport))
	}

	if err := cmd.Wait(); err != nil {
		return Round{}, fmt.Errorf("sandboxed child failed after reporting: %w", err)
	}

	r.logger.Info("round complete", "exit_code", report.ExitCode, "urls", len(report.URLs))
	return Round{ExitCode: report.ExitCode, URLs: report.URLs}, nil
}

// enableLoopback runs the loopback helper against the child's network
// namespace and waits for it to finish.
func (r *Runner) enableLoopback(ctx context.Context, pid int) error {
	helper := exec.CommandContext(ctx, r.executable, VerbLoopback, strconv.Itoa(pid))
	output, err := helper.CombinedOutput()
	if err != nil {
		return fmt.Errorf("loopback helper for pid %d: %w (output: %s)",
			pid, err, strings.TrimSpace(string(output)))
	}
	r.logger.Debug("loopback enabled", "pid", pid)
	return nil
}

// childFailure kills the child's process group, reaps it, and wraps
// cause with its exit state. Used on every error path after Start so
// no round leaves a zombie or a stray build-tool server behind.
func (r *Runner) childFailure(cmd *exec.Cmd, cause error) error {
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w (child: %v)", cause, err)
	}
	return cause
}
