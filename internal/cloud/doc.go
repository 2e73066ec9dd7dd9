// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides an OpenAI-compatible chat completions client.
//
// The default endpoint is OpenRouter, which fronts many model vendors behind
// one API. Any server speaking the /chat/completions SSE protocol works.
//
// # Key Types
//
//   - Client: HTTP client implementing reply.Provider
//   - SSEReader: Server-Sent Events parser
//   - RateLimitError: 429 responses with their Retry-After hint
//
// # Usage
//
//	client := cloud.NewClient(cloud.Config{APIKey: key})
//	stream, err := client.StreamCompletion(ctx, msgs, model.Params{Model: "openai/gpt-4o-mini"})
//
// API keys are never logged; only a short fingerprint is.
package cloud
