// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tree projects flat, parent-linked message envelopes into a
// branching conversation tree.
//
// Envelopes may arrive in any order. A message whose parent has not arrived
// yet hangs off a stub node that is filled in when the parent shows up, so
// every permutation of the same envelopes produces the same tree.
//
// # Key Types
//
//   - Tree: the projection; Roots, Leafs, MostRecentLeaf, ChainTo
//   - Node: one message (or stub) with parent and ordered children
//
// # Usage
//
//	t := tree.FromChat(doc.Chat(chatID))
//	leaf := t.MostRecentLeaf()
//	for _, n := range t.ChainTo(leaf.ID) {
//	    fmt.Println(n.Envelope.Role, t.Content(n))
//	}
//
// Message text is never copied into nodes; Content and Done read through
// the resolvers given to Build.
package tree
