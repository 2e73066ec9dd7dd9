// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the replicated store,
// the tree projector and the reply engine.
//
// # Key Types
//
//   - Envelope: immutable identity/metadata record of a message (Done is the
//     only field that changes after creation)
//   - Role: message role enumeration (user, assistant, system)
//   - ChatMessage: role + content pair sent to model providers and plugins
//   - Params: model parameters for one completion
//   - Conversation: derived summary of a conversation (created/updated come
//     from the message tree, never from storage)
//   - LegacyChat: flat pre-replication chat record used for one-time import
//
// # Usage
//
// Create a user message envelope under an existing parent:
//
//	env := model.NewEnvelope(chatID, parentID, model.RoleUser)
//	env.Model = "qwen2.5-coder:14b"
package model
