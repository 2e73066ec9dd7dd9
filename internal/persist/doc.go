// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist stores replicated documents durably, one logical store per
// identity ("anonymous" or a username).
//
// A store is an append-only log of encoded updates plus a small metadata
// table. Periodically the log is replaced by a single compacted snapshot.
//
// # Backends
//
//   - sqlite: modernc.org/sqlite, one database file (default)
//   - pebble: cockroachdb/pebble key-value store
//   - memory: in-process, for tests and ephemeral sessions
//
// # Usage
//
//	backend, err := persist.Open("sqlite", dataDir)
//	binding, err := persist.Bind(ctx, backend, "alice", doc, persist.BindOptions{})
//	defer binding.Close()
package persist
