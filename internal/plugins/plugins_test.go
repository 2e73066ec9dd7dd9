// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
	"github.com/jeranaias/threadline/internal/reply"
)

// =============================================================================
// SYSTEM PROMPT
// =============================================================================

func TestSystemPrompt(t *testing.T) {
	user := model.ChatMessage{Role: model.RoleUser, Content: "hi"}

	tests := []struct {
		name   string
		msgs   []model.ChatMessage
		opts   options.Static
		system string
		want   []model.ChatMessage
	}{
		{
			name: "no prompt",
			msgs: []model.ChatMessage{user},
			want: []model.ChatMessage{user},
		},
		{
			name: "option prompt",
			msgs: []model.ChatMessage{user},
			opts: options.Static{"prompt": "be kind"},
			want: []model.ChatMessage{{Role: model.RoleSystem, Content: "be kind"}, user},
		},
		{
			name:   "params fallback",
			msgs:   []model.ChatMessage{user},
			system: "from params",
			want:   []model.ChatMessage{{Role: model.RoleSystem, Content: "from params"}, user},
		},
		{
			name: "replaces existing",
			msgs: []model.ChatMessage{{Role: model.RoleSystem, Content: "old"}, user},
			opts: options.Static{"prompt": "new"},
			want: []model.ChatMessage{{Role: model.RoleSystem, Content: "new"}, user},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := SystemPrompt{}.Preprocess(context.Background(), tt.msgs, model.Params{System: tt.system}, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// CONTEXT TRIM
// =============================================================================

func longMessage(role model.Role, tokens int) model.ChatMessage {
	return model.ChatMessage{Role: role, Content: strings.Repeat("abcd", tokens)}
}

func TestContextTrim_UnderBudgetUntouched(t *testing.T) {
	msgs := []model.ChatMessage{
		{Role: model.RoleUser, Content: "short"},
		{Role: model.RoleAssistant, Content: "reply"},
	}
	got, _, err := ContextTrim{}.Preprocess(context.Background(), msgs, model.Params{Model: "llama3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, msgs, got)
}

func TestContextTrim_DropsOldestKeepsSystemAndLast(t *testing.T) {
	msgs := []model.ChatMessage{
		{Role: model.RoleSystem, Content: "rules"},
		longMessage(model.RoleUser, 300),
		longMessage(model.RoleAssistant, 300),
		longMessage(model.RoleUser, 300),
		{Role: model.RoleUser, Content: "latest question"},
	}
	opts := options.Static{"max_tokens": "1000", "reserve": "300"}

	got, _, err := ContextTrim{}.Preprocess(context.Background(), msgs, model.Params{}, opts)
	require.NoError(t, err)

	assert.Equal(t, "rules", got[0].Content)
	assert.Equal(t, model.RoleSystem, got[1].Role)
	assert.Contains(t, got[1].Content, "omitted")
	assert.Equal(t, "latest question", got[len(got)-1].Content)

	total := 0
	for _, m := range got[2:] {
		total += m.EstimateTokens()
	}
	assert.LessOrEqual(t, total, 700)
	assert.Less(t, len(got), len(msgs)+1)
}

func TestContextTrim_NoteCanBeDisabled(t *testing.T) {
	msgs := []model.ChatMessage{
		longMessage(model.RoleUser, 400),
		longMessage(model.RoleAssistant, 400),
		{Role: model.RoleUser, Content: "now"},
	}
	opts := options.Static{"max_tokens": "600", "reserve": "200", "note": "false"}

	got, _, err := ContextTrim{}.Preprocess(context.Background(), msgs, model.Params{}, opts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "now", got[0].Content)
}

func TestTrimBudget(t *testing.T) {
	assert.Equal(t, model.DefaultContextWindow-defaultReserve, trimBudget(model.Params{Model: "unknown-model"}, nil))
	assert.Equal(t, model.DefaultContextWindow-500, trimBudget(model.Params{Model: "unknown-model", MaxTokens: 500}, nil))
	assert.Equal(t, minBudget, trimBudget(model.Params{}, options.Static{"max_tokens": "100"}))
}

// =============================================================================
// SIGNATURE
// =============================================================================

func TestSignature(t *testing.T) {
	tests := []struct {
		name    string
		content string
		done    bool
		footer  string
		want    string
	}{
		{"streaming untouched", "partial  \n", false, "-- bot", "partial  \n"},
		{"trims when done", "answer \n\n", true, "", "answer"},
		{"appends footer", "answer", true, "-- bot", "answer\n\n-- bot"},
		{"footer once", "answer\n\n-- bot\n", true, "-- bot", "answer\n\n-- bot"},
		{"empty content", "", true, "-- bot", "-- bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Signature{}.Postprocess(context.Background(), tt.content, tt.done, options.Static{"footer": tt.footer})
			require.NoError(t, err)
			if got != tt.want {
				t.Errorf("Postprocess(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

// =============================================================================
// TITLES
// =============================================================================

type scriptedProvider struct {
	chunks []reply.Chunk
	err    error
	got    []model.ChatMessage
}

func (p *scriptedProvider) StreamCompletion(_ context.Context, msgs []model.ChatMessage, _ model.Params) (reply.Stream, error) {
	p.got = msgs
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan reply.Chunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return reply.NewChannelStream(ch, func() {}), nil
}

func TestTitles_GenerateTitle(t *testing.T) {
	p := &scriptedProvider{chunks: []reply.Chunk{{Text: "\"Go"}, {Text: "\"Go channels explained.\"\nExtra line"}}}
	titles := Titles{Provider: p}

	got, err := titles.GenerateTitle(context.Background(), []model.ChatMessage{
		{Role: model.RoleUser, Content: "how do channels work?"},
		{Role: model.RoleAssistant, Content: "They pass values between goroutines."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Go channels explained", got)
	require.Len(t, p.got, 2)
	assert.Contains(t, p.got[1].Content, "User: how do channels work?")
}

func TestTitles_Failures(t *testing.T) {
	_, err := Titles{}.GenerateTitle(context.Background(), nil)
	assert.Error(t, err)

	_, err = Titles{Provider: &scriptedProvider{err: errors.New("down")}}.GenerateTitle(context.Background(), nil)
	assert.Error(t, err)

	_, err = Titles{Provider: &scriptedProvider{chunks: []reply.Chunk{{Text: "  "}}}}.GenerateTitle(context.Background(), nil)
	assert.Error(t, err)

	_, err = Titles{Provider: &scriptedProvider{chunks: []reply.Chunk{{Err: errors.New("cut")}}}}.GenerateTitle(context.Background(), nil)
	assert.Error(t, err)
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestDefault_PipelineWithChatOverride(t *testing.T) {
	resolver := options.NewResolver(nil, map[string]map[string]string{
		"systemprompt": {"prompt": "configured"},
		"signature":    {"footer": "-- sent from threadline"},
	})
	p := reply.NewPipeline(resolver, nil, Default()...)

	msgs, _ := p.Preprocess(context.Background(), "", []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, model.Params{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "configured", msgs[0].Content)

	assert.Equal(t, "ok\n\n-- sent from threadline", p.Postprocess(context.Background(), "", "ok ", true))
}
