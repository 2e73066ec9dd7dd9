// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plugins provides the built-in reply plugins.
//
// # Key Types
//
//   - SystemPrompt: injects a system prompt ahead of the conversation
//   - ContextTrim: drops the oldest turns to fit the model's context window
//   - Signature: tidies the final reply and appends an optional footer
//   - Titles: asks a model for a short conversation title
//
// Every plugin reads its settings through an options.Accessor under its own
// group name, so a conversation can override what the user configured.
//
// # Usage
//
//	pipeline := reply.NewPipeline(resolver, logger, plugins.Default()...)
package plugins

import "github.com/jeranaias/threadline/internal/reply"

// Default returns the built-in plugins in their fixed order.
func Default() []reply.Plugin {
	return []reply.Plugin{
		SystemPrompt{},
		ContextTrim{},
		Signature{},
	}
}
