// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/openSUSE/obs-service-bazel-repositories/lib/bazel"
)

// Internal verbs the service binary dispatches on before flag parsing.
// Neither is part of the service's user-visible surface.
const (
	// VerbChild re-enters the binary as the sandboxed child. The
	// parent sets the namespace clone flags on this invocation.
	VerbChild = "fetch-round"

	// VerbLoopback re-enters the binary as the loopback helper. One
	// argument follows: the pid of the child whose network namespace
	// to configure.
	VerbLoopback = "loopback-up"
)

// File descriptor numbers of the handshake pipes in the child. Slots 3
// and 4 are the first two ExtraFiles of the child process.
const (
	// reportFD carries child-to-parent messages: namespaces-ready,
	// then the final report.
	reportFD = 3

	// goFD carries the single parent-to-child loopback-ready message.
	goFD = 4
)

// Handshake events, in mandatory order. The build tool must not start
// until loopback is usable, and the loopback helper must not run until
// the namespaces exist; the event sequence encodes exactly that:
// namespaces-ready (child), loopback-ready (parent), report (child).
const (
	EventNamespacesReady = "namespaces-ready"
	EventLoopbackReady   = "loopback-ready"
	EventReport          = "report"
)

// Message is one handshake or report message, CBOR-encoded on the
// round's pipes.
type Message struct {
	// Event is one of the Event constants.
	Event string `cbor:"event"`

	// ExitCode is the build tool's process exit status. Zero means
	// the tool found nothing left to fetch. Set only on report.
	ExitCode int `cbor:"exit_code,omitempty"`

	// URLs are the dependency URLs discovered in the tool's combined
	// output, deduplicated within the round, in order of first
	// appearance. Set only on report.
	URLs []string `cbor:"urls,omitempty"`
}

// RoundConfig is the child's working instructions, CBOR on its stdin.
// Passing paths on stdin instead of argv keeps override paths and
// target expressions intact through arbitrary shell metacharacters.
type RoundConfig struct {
	// WorkDir is the staged source tree the build tool runs in.
	WorkDir string `cbor:"workdir"`

	// Cache is the repository cache path passed to the build tool,
	// interpreted relative to WorkDir.
	Cache string `cbor:"cache"`

	// Overrides are the repository overrides forwarded to the build
	// tool.
	Overrides []bazel.Override `cbor:"overrides,omitempty"`

	// Target is the build target expression to fetch.
	Target string `cbor:"target"`

	// Bazel is the absolute path of the bazel binary.
	Bazel string `cbor:"bazel"`
}

// Round is the result of one sandboxed invocation of the build tool.
type Round struct {
	// ExitCode is the build tool's exit status. Zero is the terminal
	// signal: no further missing dependencies on this cache state.
	ExitCode int

	// URLs are the dependency URLs discovered during the round.
	URLs []string
}
