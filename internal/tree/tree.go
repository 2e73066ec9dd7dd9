// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"sort"
	"time"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/model"
)

// =============================================================================
// TYPES
// =============================================================================

// ContentResolver returns the current text of a message.
type ContentResolver func(id string) string

// DoneResolver reports whether a message has finished streaming.
type DoneResolver func(id string) bool

// Node is one message in the projection.
type Node struct {
	ID       string
	Envelope model.Envelope
	Parent   *Node
	Children []*Node

	// Stub is true for a parent that is referenced but has not arrived.
	Stub bool
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.Parent == nil }

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Tree is a projection of one conversation. It is not safe for concurrent
// mutation; build a new one when the store changes.
type Tree struct {
	nodes   map[string]*Node
	content ContentResolver
	done    DoneResolver
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// New returns an empty tree. Nil resolvers read as empty content and the
// envelope's own done flag.
func New(content ContentResolver, done DoneResolver) *Tree {
	return &Tree{
		nodes:   make(map[string]*Node),
		content: content,
		done:    done,
	}
}

// Build projects envelopes into a tree.
func Build(envelopes []model.Envelope, content ContentResolver, done DoneResolver) *Tree {
	t := New(content, done)
	for _, env := range envelopes {
		t.AddMessage(env)
	}
	return t
}

// FromChat snapshots the envelopes of a conversation. Content and done
// flags are read lazily from the store, so the handle must not be bound to
// a transaction that has ended.
func FromChat(chat *crdt.Chat) *Tree {
	envs := chat.Envelopes().All()
	list := make([]model.Envelope, 0, len(envs))
	for _, env := range envs {
		list = append(list, env)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	content := func(id string) string {
		v, _ := chat.Content().Get(id)
		return v
	}
	done := func(id string) bool {
		v, _ := chat.Done().Get(id)
		return v
	}
	return Build(list, content, done)
}

// AddMessage inserts an envelope. Adding a message that is already present
// with non-empty content does nothing.
func (t *Tree) AddMessage(env model.Envelope) {
	if env.ID == "" {
		return
	}

	n, exists := t.nodes[env.ID]
	switch {
	case exists && !n.Stub:
		if t.Content(n) != "" {
			return
		}
		n.Envelope = env
		return
	case exists:
		n.Envelope = env
		n.Stub = false
	default:
		n = &Node{ID: env.ID, Envelope: env}
		t.nodes[env.ID] = n
	}

	// Children that arrived first are already attached to the stub, which
	// is now materialized in place.
	if env.ParentID != "" && env.ParentID != env.ID {
		t.link(n, env.ParentID)
	}
	if n.Parent != nil {
		sortNodes(n.Parent.Children)
	}
}

func (t *Tree) link(n *Node, parentID string) {
	parent, ok := t.nodes[parentID]
	if !ok {
		parent = &Node{ID: parentID, Stub: true}
		t.nodes[parentID] = parent
	}
	// Refuse links that would close a cycle; n stays a root.
	for p := parent; p != nil; p = p.Parent {
		if p == n {
			return
		}
	}
	n.Parent = parent
	parent.Children = append(parent.Children, n)
	sortNodes(parent.Children)
}

// =============================================================================
// QUERIES
// =============================================================================

// Len returns the number of nodes, stubs included.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node for id, or nil.
func (t *Tree) Node(id string) *Node { return t.nodes[id] }

// Nodes returns every node ordered by (timestamp, id).
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

// Roots returns the nodes without a parent.
func (t *Tree) Roots() []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if n.Parent == nil {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

// Leafs returns the nodes without children.
func (t *Tree) Leafs() []*Node {
	var out []*Node
	for _, n := range t.nodes {
		if len(n.Children) == 0 {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

// MostRecentLeaf returns the leaf with the greatest timestamp, ties going to
// the greatest id. It returns nil for an empty tree.
func (t *Tree) MostRecentLeaf() *Node {
	leafs := t.Leafs()
	if len(leafs) == 0 {
		return nil
	}
	return leafs[len(leafs)-1]
}

// ChainTo returns the path from the root to id, inclusive. It returns nil
// when id is unknown.
func (t *Tree) ChainTo(id string) []*Node {
	n := t.nodes[id]
	if n == nil {
		return nil
	}
	var chain []*Node
	seen := make(map[*Node]bool)
	for ; n != nil && !seen[n]; n = n.Parent {
		seen[n] = true
		chain = append(chain, n)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Siblings returns the node and its siblings in order. For a root that is
// the list of roots.
func (t *Tree) Siblings(id string) []*Node {
	n := t.nodes[id]
	if n == nil {
		return nil
	}
	if n.Parent == nil {
		return t.Roots()
	}
	return append([]*Node(nil), n.Parent.Children...)
}

// Content returns the current text of a node.
func (t *Tree) Content(n *Node) string {
	if n == nil || n.Stub || t.content == nil {
		return ""
	}
	return t.content(n.ID)
}

// Done reports whether a node has finished streaming.
func (t *Tree) Done(n *Node) bool {
	if n == nil || n.Stub {
		return false
	}
	if t.done == nil {
		return n.Envelope.Done
	}
	return t.done(n.ID) || n.Envelope.Done
}

// Created returns the timestamp of the first message.
func (t *Tree) Created() time.Time {
	var first time.Time
	for _, n := range t.nodes {
		if n.Stub {
			continue
		}
		if first.IsZero() || n.Envelope.Timestamp.Before(first) {
			first = n.Envelope.Timestamp
		}
	}
	return first
}

// Updated returns the timestamp of the most recent leaf.
func (t *Tree) Updated() time.Time {
	if leaf := t.MostRecentLeaf(); leaf != nil {
		return leaf.Envelope.Timestamp
	}
	return time.Time{}
}

// Walk visits every node depth first, roots and children in order.
func (t *Tree) Walk(fn func(n *Node, depth int)) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range t.Roots() {
		visit(r, 0)
	}
}

// ToChatMessages converts a chain to provider messages, skipping stubs.
func (t *Tree) ToChatMessages(chain []*Node) []model.ChatMessage {
	msgs := make([]model.ChatMessage, 0, len(chain))
	for _, n := range chain {
		if n.Stub {
			continue
		}
		msgs = append(msgs, model.ChatMessage{Role: n.Envelope.Role, Content: t.Content(n)})
	}
	return msgs
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Envelope.Timestamp, nodes[j].Envelope.Timestamp
		if !a.Equal(b) {
			return a.Before(b)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
