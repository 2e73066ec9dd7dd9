// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
)

type prefixPlugin struct{}

func (prefixPlugin) Name() string { return "prefix" }

func (prefixPlugin) Defaults() map[string]string {
	return map[string]string{"text": "be brief"}
}

func (prefixPlugin) Preprocess(_ context.Context, msgs []model.ChatMessage, params model.Params, opts options.Accessor) ([]model.ChatMessage, model.Params, error) {
	sys := model.ChatMessage{Role: model.RoleSystem, Content: options.String(opts, "text", "")}
	params.MaxTokens = 64
	return append([]model.ChatMessage{sys}, msgs...), params, nil
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panicky" }

func (panicPlugin) Preprocess(context.Context, []model.ChatMessage, model.Params, options.Accessor) ([]model.ChatMessage, model.Params, error) {
	panic("bad plugin")
}

func (panicPlugin) Postprocess(context.Context, string, bool, options.Accessor) (string, error) {
	panic("bad plugin")
}

type failingPlugin struct{}

func (failingPlugin) Name() string { return "failing" }

func (failingPlugin) Postprocess(context.Context, string, bool, options.Accessor) (string, error) {
	return "garbage", errors.New("nope")
}

type upperOnDone struct{}

func (upperOnDone) Name() string { return "upper" }

func (upperOnDone) Postprocess(_ context.Context, content string, done bool, _ options.Accessor) (string, error) {
	if !done {
		return content, nil
	}
	return strings.ToUpper(content), nil
}

func TestPipeline_PreprocessIsolatesFailures(t *testing.T) {
	p := NewPipeline(nil, nil, panicPlugin{}, prefixPlugin{})

	msgs, params := p.Preprocess(context.Background(), "c", []model.ChatMessage{{Role: model.RoleUser, Content: "hi"}}, model.Params{})

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, 64, params.MaxTokens)
}

func TestPipeline_PostprocessOrderAndIsolation(t *testing.T) {
	p := NewPipeline(nil, nil, failingPlugin{}, panicPlugin{}, upperOnDone{})

	assert.Equal(t, "draft", p.Postprocess(context.Background(), "c", "draft", false))
	assert.Equal(t, "FINAL", p.Postprocess(context.Background(), "c", "final", true))
}

func TestPipeline_DisabledPluginSkipped(t *testing.T) {
	resolver := options.NewResolver(nil, map[string]map[string]string{
		"upper": {OptionEnabled: "false"},
	})
	p := NewPipeline(resolver, nil, upperOnDone{})

	assert.Equal(t, "final", p.Postprocess(context.Background(), "c", "final", true))
}

func TestPipeline_NilPassesThrough(t *testing.T) {
	var p *Pipeline
	msgs := []model.ChatMessage{{Role: model.RoleUser, Content: "x"}}

	got, _ := p.Preprocess(context.Background(), "c", msgs, model.Params{})
	assert.Equal(t, msgs, got)
	assert.Equal(t, "y", p.Postprocess(context.Background(), "c", "y", true))
	assert.Nil(t, p.Plugins())
}

func TestApology_Locales(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"", "Sorry"},
		{"en-GB", "Sorry"},
		{"de-DE", "Entschuldigung"},
		{"fr", "Désolé"},
		{"pt_BR", "Desculpe"},
		{"es-MX", "Lo sentimos"},
		{"not a locale", "Sorry"},
		{"ko", "Sorry"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			got := Apology(tt.locale)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("Apology(%q) = %q, want prefix %q", tt.locale, got, tt.want)
			}
		})
	}
}

func TestNotice_ExplainsCause(t *testing.T) {
	stalled := Notice("", ErrStalled)
	failed := Notice("", errors.New("connection reset"))

	assert.True(t, strings.HasPrefix(stalled, Apology("")))
	assert.True(t, strings.HasPrefix(failed, Apology("")))
	assert.Contains(t, stalled, "stopped sending output")
	assert.Contains(t, failed, "returned an error")
	assert.NotEqual(t, stalled, failed)

	wrapped := Notice("", fmt.Errorf("watchdog: %w", ErrStalled))
	assert.Equal(t, stalled, wrapped)

	de := Notice("de-AT", ErrStalled)
	assert.True(t, strings.HasPrefix(de, "Entschuldigung"))
	assert.Contains(t, de, "keine Ausgabe")
}

func TestAppendApology(t *testing.T) {
	assert.Equal(t, "sorry", appendApology("", "sorry"))
	assert.Equal(t, "sorry", appendApology("  \n", "sorry"))
	assert.Equal(t, "partial\n\nsorry", appendApology("partial\n", "sorry"))
}
