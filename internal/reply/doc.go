// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reply drives one streaming completion into the replicated store.
//
// An Engine owns a single assistant message. It reads the conversation
// leading up to that message, runs the preprocess plugins, opens a provider
// stream and writes each cumulative chunk into the message content. Every
// way a reply can end (completion, stall, upstream error, cancellation)
// goes through one finish step, so the message is marked done exactly once
// and the stream is cancelled at most once.
//
// # Key Types
//
//   - Engine: the per-reply state machine
//   - Provider, Stream, Chunk: the model streaming contract
//   - Pipeline: ordered pre and post processing plugins
//   - TitleGenerator: names untitled conversations after the first reply
//
// # Usage
//
//	eng := reply.New(doc, reply.Request{ChatID: id, ReplyID: rid, Params: p}, reply.Options{
//	    Provider: provider,
//	    Pipeline: pipeline,
//	})
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	<-eng.Done()
package reply
