// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. It centralizes
// the one legitimate raw-stderr pattern in the service: fatal error
// reporting from main() before or after the structured logger exists.
// All other diagnostics go through slog.
package process
