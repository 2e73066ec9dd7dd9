// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the threadline command-line interface.
//
// Every command opens the same App: configuration, logging, metrics, the
// persistence backend, the identity manager and the chat service. Commands
// that only touch configuration skip the store.
//
// # Key Types
//
//   - App: the wired components for one command run
//   - JSONResponse: envelope for --json output
//
// # Commands
//
//   - chat: interactive conversation with history and branching
//   - ask: one question, streamed to stdout
//   - list, show, tree, delete, rename, option: conversation management
//   - sync, login, logout: replication and identity
//   - import: legacy flat conversation files into the store
//   - usage: token usage history
//   - serve: run a sync peer
//   - config: get, set, list and path
//
// # Usage
//
//	if err := cli.Execute(); err != nil {
//	    os.Exit(cli.ExitCode(err))
//	}
package cli
