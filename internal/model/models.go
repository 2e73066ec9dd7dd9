// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
)

// =============================================================================
// MODEL LIMITS
// =============================================================================

// Limits describes what the reply pipeline needs to know about a model.
type Limits struct {
	// ContextWindow is the maximum prompt size in tokens
	ContextWindow int

	// Local is true for models served by a local Ollama instance
	Local bool
}

// DefaultContextWindow is used for models that are not in the table.
const DefaultContextWindow = 8192

// knownLimits maps model name prefixes to their limits. Longer prefixes are
// matched first.
var knownLimits = map[string]Limits{
	"llama3":         {ContextWindow: 8192, Local: true},
	"llama3.1":       {ContextWindow: 131072, Local: true},
	"llama3.2":       {ContextWindow: 131072, Local: true},
	"mistral":        {ContextWindow: 32768, Local: true},
	"qwen2.5-coder":  {ContextWindow: 32768, Local: true},
	"deepseek-coder": {ContextWindow: 16384, Local: true},
	"phi3":           {ContextWindow: 4096, Local: true},
	"gemma2":         {ContextWindow: 8192, Local: true},

	"openai/gpt-4o":               {ContextWindow: 128000},
	"openai/gpt-4o-mini":          {ContextWindow: 128000},
	"anthropic/claude-3.5-sonnet": {ContextWindow: 200000},
	"anthropic/claude-3-haiku":    {ContextWindow: 200000},
	"google/gemini-flash-1.5":     {ContextWindow: 1000000},
}

// LimitsFor returns the limits for a model name such as "llama3.1:8b" or
// "openai/gpt-4o". Unknown names containing a "/" are treated as cloud
// models, everything else as local.
func LimitsFor(name string) Limits {
	base := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(base, ':'); i >= 0 {
		base = base[:i]
	}

	best := ""
	for prefix := range knownLimits {
		if strings.HasPrefix(base, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return knownLimits[best]
	}

	return Limits{
		ContextWindow: DefaultContextWindow,
		Local:         !strings.Contains(base, "/"),
	}
}

// IsCloudModel reports whether name is routed to the cloud provider.
func IsCloudModel(name string) bool {
	return !LimitsFor(name).Local
}
