// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs one dependency-discovery round inside a
// network-isolated namespace.
//
// A round re-executes the service binary as a child with fresh user
// and network namespaces. The child's only network interface is its
// own loopback, so every repository fetch the build tool attempts
// either hits the repository cache or fails, and the failed URL shows
// up in the tool's output. The child scans that output, then reports
// the tool's exit status and the discovered URLs back to the parent.
//
// Three processes cooperate per round:
//
//   - the parent (Runner), which spawns the other two and collects the
//     report;
//   - the sandboxed child (ChildMain), which runs the build tool;
//   - the loopback helper (LoopbackMain), a short-lived process that
//     joins the child's network namespace and brings its loopback
//     interface up. A separate process is unavoidable: an interface
//     can only be configured from inside its namespace, and the
//     multithreaded parent cannot join one.
//
// The handshake ordering is a protocol invariant: the helper must not
// run before the namespaces exist, and the build tool must not start
// before loopback is up. See the protocol types for the exact message
// sequence. All platform-specific syscall sequences live in this
// package; the discovery loop above it is platform-agnostic.
package sandbox
