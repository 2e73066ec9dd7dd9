// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package replication keeps a replicated store converged with a sync server,
// with other local contexts on the same device, and with durable storage.
//
// # Sync Cycle
//
// Each cycle of the Engine does at most one of:
//
//  1. RateLimited: skip all network work until the advertised reset
//  2. IncrementalPush: send pending local changes as one update message
//  3. FullHandshake: exchange state vectors and missing operations,
//     bounded to a fixed number of round trips
//  4. LegacyImport: once per session, pull flat pre-replication chats
//
// # Key Types
//
//   - Engine: the per-identity sync state machine
//   - Client: HTTP transport for the binary sync protocol
//   - Message: one protocol message (step1, step2 or update)
//   - Broadcaster: same-device fan-out (Hub in process, Spool across
//     processes)
//   - Manager: owns the store, persistence, engine and broadcast port for
//     the active identity and switches between identities
//
// # Usage
//
//	mgr := replication.NewManager(replication.ManagerOptions{Backend: backend})
//	defer mgr.Close()
//	sess, err := mgr.Attach(ctx, "alice")
//	// sess.Engine is already running; sess.Doc is the live store.
package replication
