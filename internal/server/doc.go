// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP sync peer.
//
// The server holds one replicated store per identity and answers the sync
// wire protocol against it. It is a test and self-hosting peer: the bearer
// token is taken as the identity without verification.
//
// # Endpoints
//
//   - POST /sync          - one sync message in, packed replies out
//   - GET  /legacy/chats  - flat pre-replication chats for the identity
//   - GET  /health        - liveness and store count
//   - GET  /metrics       - Prometheus metrics
//
// # Key Types
//
//   - Server: routes, per-identity stores and rate limiters
//   - Options: listen address, storage backend, legacy directory, limits
//
// # Usage
//
//	srv := server.New(server.Options{Addr: ":8788", Backend: backend})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
