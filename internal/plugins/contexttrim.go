// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"context"
	"fmt"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
)

// =============================================================================
// CONTEXT TRIM
// =============================================================================

const (
	// defaultReserve is the token budget kept free for the reply when the
	// request sets no MaxTokens.
	defaultReserve = 1024

	minBudget = 256
)

// ContextTrim drops the oldest non-system messages until the estimated
// prompt fits the model's context window minus the reply reserve. The
// newest message is always kept.
//
// Options: "max_tokens" overrides the model's window, "reserve" overrides
// the reply budget, "note" (default true) adds a system line saying how
// many messages were left out.
type ContextTrim struct{}

func (ContextTrim) Name() string { return "contexttrim" }

func (ContextTrim) Defaults() map[string]string {
	return map[string]string{"max_tokens": "0", "reserve": "0", "note": "true"}
}

func (ContextTrim) Preprocess(_ context.Context, msgs []model.ChatMessage, params model.Params, opts options.Accessor) ([]model.ChatMessage, model.Params, error) {
	budget := trimBudget(params, opts)

	total := 0
	for _, m := range msgs {
		total += m.EstimateTokens()
	}
	if total <= budget || len(msgs) < 2 {
		return msgs, params, nil
	}

	var system, rest []model.ChatMessage
	for _, m := range msgs {
		if m.Role == model.RoleSystem && len(rest) == 0 {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	dropped := 0
	for len(rest) > 1 && total > budget {
		total -= rest[0].EstimateTokens()
		rest = rest[1:]
		dropped++
	}
	if dropped == 0 {
		return msgs, params, nil
	}

	out := make([]model.ChatMessage, 0, len(system)+len(rest)+1)
	out = append(out, system...)
	if options.Bool(opts, "note", true) {
		out = append(out, model.ChatMessage{
			Role:    model.RoleSystem,
			Content: fmt.Sprintf("Previous conversation (%d messages) omitted to fit the context window.", dropped),
		})
	}
	out = append(out, rest...)
	return out, params, nil
}

// trimBudget returns the prompt token budget for a request.
func trimBudget(params model.Params, opts options.Accessor) int {
	window := options.Int(opts, "max_tokens", 0)
	if window <= 0 {
		window = model.LimitsFor(params.Model).ContextWindow
	}

	reserve := options.Int(opts, "reserve", 0)
	if reserve <= 0 {
		reserve = params.MaxTokens
	}
	if reserve <= 0 {
		reserve = defaultReserve
	}

	budget := window - reserve
	if budget < minBudget {
		budget = minBudget
	}
	return budget
}
