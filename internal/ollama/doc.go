// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the Ollama local model server.
//
// The Client is a reply.Provider: StreamCompletion posts to /api/chat with
// streaming enabled and turns the NDJSON deltas into cumulative text.
//
// # Key Types
//
//   - Client: HTTP client for the Ollama API
//   - StreamReader: NDJSON line reader that accumulates content
//   - ClientError: categorized failures (not running, model not found, ...)
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
//	stream, err := client.StreamCompletion(ctx, msgs, model.Params{Model: "llama3.2"})
//	for chunk := range stream.Chunks() {
//	    fmt.Print(chunk.Text)
//	}
package ollama
