// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage reads and writes the legacy flat conversation directory.
//
// Before conversations were replicated, each one lived in its own JSON file
// holding an ordered message list. The sync engine imports these once per
// session; the sync peer server serves them from /legacy/chats.
//
// # Key Types
//
//   - Store: a directory of StoredConversation files
//   - StoredConversation: one flat conversation with its messages
//   - ConversationMeta: lightweight metadata for listing
//
// # Usage
//
//	store, err := storage.NewStore(dir)
//	metas, err := store.List()
//	chats, err := store.LegacyChats(ctx) // feeds crdt.Doc.ImportLegacy
//
// Per-identity directories are resolved with IdentityDir.
package storage
