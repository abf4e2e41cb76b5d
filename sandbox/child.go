// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/openSUSE/obs-service-bazel-repositories/lib/bazel"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/codec"
	"github.com/openSUSE/obs-service-bazel-repositories/lib/urlscan"
)

// ChildMain is the entry point of the fetch-round verb: the sandboxed
// side of one discovery round. It runs inside the fresh user and
// network namespaces the parent requested at clone time.
//
// Protocol, in order: decode RoundConfig from stdin, announce
// namespaces-ready, block until the parent confirms loopback-ready,
// run the build tool's fetch command, report its exit status and the
// discovered URLs, exit 0. Exiting non-zero before the report is how a
// broken sandbox (as opposed to missing dependencies) surfaces in the
// parent.
func ChildMain(logger *slog.Logger) error {
	reportPipe := os.NewFile(reportFD, "report-pipe")
	goPipe := os.NewFile(goFD, "go-pipe")
	if reportPipe == nil || goPipe == nil {
		return errors.New("handshake pipes missing: fetch-round is an internal verb, not for direct invocation")
	}
	defer reportPipe.Close()
	defer goPipe.Close()

	var config RoundConfig
	if err := codec.NewDecoder(os.Stdin).Decode(&config); err != nil {
		return fmt.Errorf("decoding round config from stdin: %w", err)
	}

	encoder := codec.NewEncoder(reportPipe)
	if err := encoder.Encode(Message{Event: EventNamespacesReady}); err != nil {
		return fmt.Errorf("announcing namespaces: %w", err)
	}

	// The build tool must not start until loopback is usable; its
	// client talks to its server process over localhost.
	var signal Message
	if err := codec.NewDecoder(goPipe).Decode(&signal); err != nil {
		return fmt.Errorf("waiting for loopback: %w", err)
	}
	if signal.Event != EventLoopbackReady {
		return fmt.Errorf("unexpected handshake message %q, want %q", signal.Event, EventLoopbackReady)
	}

	round, err := runFetch(config, logger)
	if err != nil {
		return err
	}

	if err := encoder.Encode(Message{Event: EventReport, ExitCode: round.ExitCode, URLs: round.URLs}); err != nil {
		return fmt.Errorf("sending report: %w", err)
	}
	return nil
}

// runFetch runs the build tool's dependency-fetch command in the
// staged tree, scanning its combined output for dependency URLs. A
// non-zero tool exit is a result (missing dependencies), not an error;
// failing to run the tool at all is an error.
func runFetch(config RoundConfig, logger *slog.Logger) (Round, error) {
	cmd := exec.Command(config.Bazel, bazel.FetchArgs(config.Cache, config.Overrides, config.Target)...)
	cmd.Dir = config.WorkDir

	// One pipe for both streams: URLs surface on either, and the
	// relative output order across streams is irrelevant to scanning.
	outputR, outputW, err := os.Pipe()
	if err != nil {
		return Round{}, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = outputW
	cmd.Stderr = outputW

	scanner := urlscan.NewScanner(func(line string) {
		logger.Debug("bazel", "line", line)
	})

	logger.Info("running fetch", "bazel", config.Bazel, "target", config.Target)
	if err := cmd.Start(); err != nil {
		outputW.Close()
		outputR.Close()
		return Round{}, fmt.Errorf("starting bazel fetch: %w", err)
	}
	outputW.Close()

	scanErr := scanner.Scan(outputR)
	outputR.Close()
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Round{}, fmt.Errorf("running bazel fetch: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if scanErr != nil {
		return Round{}, scanErr
	}
	return Round{ExitCode: exitCode, URLs: scanner.URLs()}, nil
}
