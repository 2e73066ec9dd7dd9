// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"context"
	"strings"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
)

// SystemPrompt puts a system message first. The prompt comes from the
// "prompt" option, or from the request's System parameter when the option
// is empty. An existing leading system message is replaced.
type SystemPrompt struct{}

func (SystemPrompt) Name() string { return "systemprompt" }

func (SystemPrompt) Defaults() map[string]string {
	return map[string]string{"prompt": ""}
}

func (SystemPrompt) Preprocess(_ context.Context, msgs []model.ChatMessage, params model.Params, opts options.Accessor) ([]model.ChatMessage, model.Params, error) {
	prompt := strings.TrimSpace(options.String(opts, "prompt", ""))
	if prompt == "" {
		prompt = strings.TrimSpace(params.System)
	}
	if prompt == "" {
		return msgs, params, nil
	}

	sys := model.ChatMessage{Role: model.RoleSystem, Content: prompt}
	if len(msgs) > 0 && msgs[0].Role == model.RoleSystem {
		msgs[0] = sys
		return msgs, params, nil
	}
	return append([]model.ChatMessage{sys}, msgs...), params, nil
}
