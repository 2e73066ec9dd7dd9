// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reply

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/options"
)

// =============================================================================
// PLUGIN CONTRACT
// =============================================================================

// Plugin is the base of every reply plugin. Its name is also its options
// group.
type Plugin interface {
	Name() string
}

// Preprocessor rewrites the request before it is sent.
type Preprocessor interface {
	Plugin
	Preprocess(ctx context.Context, msgs []model.ChatMessage, params model.Params, opts options.Accessor) ([]model.ChatMessage, model.Params, error)
}

// Postprocessor rewrites the reply text. done is false for intermediate
// chunks and true once for the final text.
type Postprocessor interface {
	Plugin
	Postprocess(ctx context.Context, content string, done bool, opts options.Accessor) (string, error)
}

// Defaulter supplies a plugin's built-in option values.
type Defaulter interface {
	Defaults() map[string]string
}

// OptionEnabled is the option every plugin honours to switch itself off.
const OptionEnabled = "enabled"

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline runs plugins in registration order. A plugin that fails or
// panics is skipped for that step; the others still run. A nil Pipeline
// passes everything through.
type Pipeline struct {
	plugins  []Plugin
	resolver *options.Resolver
	log      *slog.Logger
}

// NewPipeline creates a pipeline. Plugin defaults are registered with
// resolver, which may be nil.
func NewPipeline(resolver *options.Resolver, log *slog.Logger, plugins ...Plugin) *Pipeline {
	if resolver == nil {
		resolver = options.NewResolver(nil, nil)
	}
	for _, p := range plugins {
		if d, ok := p.(Defaulter); ok {
			resolver.Register(p.Name(), d.Defaults())
		}
	}
	return &Pipeline{
		plugins:  plugins,
		resolver: resolver,
		log:      logging.OrDiscard(log),
	}
}

// Plugins returns the registered plugins in order.
func (p *Pipeline) Plugins() []Plugin {
	if p == nil {
		return nil
	}
	return append([]Plugin(nil), p.plugins...)
}

// Preprocess feeds msgs and params through every enabled preprocessor.
func (p *Pipeline) Preprocess(ctx context.Context, chatID string, msgs []model.ChatMessage, params model.Params) ([]model.ChatMessage, model.Params) {
	if p == nil {
		return msgs, params
	}
	for _, pl := range p.plugins {
		pre, ok := pl.(Preprocessor)
		if !ok {
			continue
		}
		opts := p.resolver.Scoped(pl.Name(), chatID)
		if !options.Bool(opts, OptionEnabled, true) {
			continue
		}

		var (
			out       []model.ChatMessage
			outParams model.Params
		)
		err := p.guard(pl.Name(), "preprocess", func() error {
			var err error
			out, outParams, err = pre.Preprocess(ctx, cloneMessages(msgs), params, opts)
			return err
		})
		if err != nil {
			continue
		}
		msgs, params = out, outParams
	}
	return msgs, params
}

// Postprocess feeds content through every enabled postprocessor.
func (p *Pipeline) Postprocess(ctx context.Context, chatID, content string, done bool) string {
	if p == nil {
		return content
	}
	for _, pl := range p.plugins {
		post, ok := pl.(Postprocessor)
		if !ok {
			continue
		}
		opts := p.resolver.Scoped(pl.Name(), chatID)
		if !options.Bool(opts, OptionEnabled, true) {
			continue
		}

		var out string
		err := p.guard(pl.Name(), "postprocess", func() error {
			var err error
			out, err = post.Postprocess(ctx, content, done, opts)
			return err
		})
		if err != nil {
			continue
		}
		content = out
	}
	return content
}

// guard runs fn, turning a panic into an error, and logs failures.
func (p *Pipeline) guard(name, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
		if err != nil {
			p.log.Warn("plugin failed", "plugin", name, "stage", stage, "error", err)
		}
	}()
	return fn()
}

func cloneMessages(msgs []model.ChatMessage) []model.ChatMessage {
	return append([]model.ChatMessage(nil), msgs...)
}
