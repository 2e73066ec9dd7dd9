// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crdt implements the replicated conversation store.
//
// A Doc holds every conversation of one identity. Each conversation exposes
// five independently mergeable maps (metadata, envelopes, content, done flags
// and plugin options). Every write becomes an operation stamped with the
// writer's client id, a per-client sequence number and a Lamport clock.
//
// # Merge Rules
//
//   - Map entries are last-writer-wins registers ordered by (lamport, client)
//   - Deleting a conversation is absorbing: it clears every map and later
//     writes to that conversation are ignored
//   - Operations are deduplicated by (client, seq), so applying the same
//     update twice or in a different order yields the same state
//
// # Key Types
//
//   - Doc: the store; Transact, Observe, ApplyUpdate, EncodeStateAsUpdate
//   - Txn: an atomic batch of writes with read-your-writes semantics
//   - Chat: handle to one conversation's maps
//   - Map: typed view of one map, backed by a Codec
//   - StateVector: per-client count of contiguous operations held
//
// # Usage
//
//	doc := crdt.NewDoc(crdt.Options{})
//	err := doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
//	    chat := tx.Chat(chatID)
//	    if err := chat.Envelopes().Set(env.ID, env); err != nil {
//	        return err
//	    }
//	    return chat.Content().Set(env.ID, "hello")
//	})
//
// Updates travel between replicas as protobuf wire-format byte slices:
//
//	update := a.EncodeStateAsUpdate(b.StateVector())
//	_, err := b.ApplyUpdate(update, crdt.OriginRemote)
package crdt
