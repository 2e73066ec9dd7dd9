// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/reply"
	"github.com/jeranaias/threadline/internal/util"
)

// =============================================================================
// TITLE GENERATION
// =============================================================================

const (
	maxTitleRunes      = 60
	maxTranscriptRunes = 1500
)

const titleSystemPrompt = `You name conversations. Reply with a short title of at most six words that describes the conversation. Reply with the title only: no quotes, no punctuation at the end, no explanation.`

// Titles implements reply.TitleGenerator on top of a model provider.
type Titles struct {
	Provider reply.Provider

	// Model used for titles; empty uses the conversation's own model.
	Model string
}

// GenerateTitle asks the model for a title and returns its cleaned answer.
func (t Titles) GenerateTitle(ctx context.Context, msgs []model.ChatMessage) (string, error) {
	if t.Provider == nil {
		return "", errors.New("no title provider")
	}

	prompt := []model.ChatMessage{
		{Role: model.RoleSystem, Content: titleSystemPrompt},
		{Role: model.RoleUser, Content: buildTranscript(msgs)},
	}
	stream, err := t.Provider.StreamCompletion(ctx, prompt, model.Params{
		Model:       t.Model,
		Temperature: 0.3,
		MaxTokens:   24,
	})
	if err != nil {
		return "", fmt.Errorf("title request failed: %w", err)
	}
	defer stream.Cancel()

	var text string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case c, ok := <-stream.Chunks():
			if !ok {
				title := cleanTitle(text)
				if title == "" {
					return "", errors.New("received empty title")
				}
				return title, nil
			}
			if c.Err != nil {
				return "", fmt.Errorf("title stream failed: %w", c.Err)
			}
			text = c.Text
		}
	}
}

// buildTranscript renders the conversation for the title prompt.
func buildTranscript(msgs []model.ChatMessage) string {
	var sb strings.Builder
	sb.WriteString("Conversation:\n---\n\n")
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			continue
		}
		if m.Role == model.RoleUser {
			sb.WriteString("User: ")
		} else {
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(util.TruncateRunes(strings.TrimSpace(m.Content), maxTranscriptRunes/2))
		sb.WriteString("\n\n")
	}
	return util.TruncateRunes(sb.String(), maxTranscriptRunes)
}

// cleanTitle keeps the first line and strips quotes and trailing periods.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), `"'`+"`*")
	s = strings.TrimRight(s, ".")
	return util.TruncateRunes(strings.TrimSpace(s), maxTitleRunes)
}
