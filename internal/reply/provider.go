// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package reply

import (
	"context"
	"sync"

	"github.com/jeranaias/threadline/internal/model"
)

// Chunk is one streamed update. Text is the full reply so far, not a delta.
// A chunk with Err set ends the stream. Providers that know the token counts
// set Usage on the last chunk.
type Chunk struct {
	Text  string
	Err   error
	Usage *model.Usage
}

// Stream is an open completion. Chunks is closed when the completion ends.
// Cancel may be called any number of times.
type Stream interface {
	Chunks() <-chan Chunk
	Cancel()
}

// Provider opens completions against a model backend.
type Provider interface {
	StreamCompletion(ctx context.Context, msgs []model.ChatMessage, params model.Params) (Stream, error)
}

// TitleGenerator proposes a title for a conversation.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, msgs []model.ChatMessage) (string, error)
}

// ChannelStream adapts a chunk channel and a cancel function to Stream.
type ChannelStream struct {
	ch     <-chan Chunk
	cancel context.CancelFunc
	once   sync.Once
}

// NewChannelStream wraps ch. cancel is called at most once.
func NewChannelStream(ch <-chan Chunk, cancel context.CancelFunc) *ChannelStream {
	return &ChannelStream{ch: ch, cancel: cancel}
}

// Chunks implements Stream.
func (s *ChannelStream) Chunks() <-chan Chunk { return s.ch }

// Cancel implements Stream.
func (s *ChannelStream) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
