// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/threadline/internal/model"
	"github.com/jeranaias/threadline/internal/reply"
)

// ErrNoProvider is returned when no provider serves the requested model.
var ErrNoProvider = errors.New("no provider for model")

// Router sends cloud model names (those with a vendor prefix such as
// "openai/") to Cloud and everything else to Local.
type Router struct {
	Local reply.Provider
	Cloud reply.Provider
}

var _ reply.Provider = Router{}

// StreamCompletion implements reply.Provider.
func (r Router) StreamCompletion(ctx context.Context, msgs []model.ChatMessage, params model.Params) (reply.Stream, error) {
	p := r.Local
	if model.IsCloudModel(params.Model) {
		p = r.Cloud
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, params.Model)
	}
	return p.StreamCompletion(ctx, msgs, params)
}
