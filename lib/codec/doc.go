// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the service's standard CBOR encoding
// configuration.
//
// CBOR is used for the internal wire protocol between the coordinating
// process and the sandboxed fetch child: the round configuration passed
// on the child's stdin and the handshake/report messages exchanged over
// the synchronization pipes. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. Same logical data always produces
// identical bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (pipes):
//
//	encoder := codec.NewEncoder(pipe)
//	decoder := codec.NewDecoder(pipe)
//
// Types serialized by this package carry `cbor` struct tags: they are
// internal protocol types and never interact with JSON or CLI output.
package codec
