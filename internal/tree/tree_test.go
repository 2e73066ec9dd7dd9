// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func env(id, parent string, role model.Role, offset int) model.Envelope {
	return model.Envelope{
		ID:        id,
		ChatID:    "c1",
		ParentID:  parent,
		Role:      role,
		Timestamp: base.Add(time.Duration(offset) * time.Second),
	}
}

// shape renders the tree structure so two trees can be compared.
func shape(t *Tree) string {
	var b strings.Builder
	t.Walk(func(n *Node, depth int) {
		stub := ""
		if n.Stub {
			stub = "?"
		}
		fmt.Fprintf(&b, "%s%s%s\n", strings.Repeat("  ", depth), n.ID, stub)
	})
	return b.String()
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func permutations(envs []model.Envelope) [][]model.Envelope {
	if len(envs) <= 1 {
		return [][]model.Envelope{append([]model.Envelope(nil), envs...)}
	}
	var out [][]model.Envelope
	for i := range envs {
		rest := make([]model.Envelope, 0, len(envs)-1)
		rest = append(rest, envs[:i]...)
		rest = append(rest, envs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]model.Envelope{envs[i]}, p...))
		}
	}
	return out
}

// =============================================================================
// SCENARIO TESTS
// =============================================================================

func TestStreamingReplyScenario(t *testing.T) {
	content := map[string]string{"u1": "Hello"}
	tr := Build(nil, func(id string) string { return content[id] }, nil)

	tr.AddMessage(env("u1", "", model.RoleUser, 0))
	tr.AddMessage(env("a1", "u1", model.RoleAssistant, 1))
	for _, chunk := range []string{"H", "He", "Hello!"} {
		content["a1"] = chunk
	}

	assert.Equal(t, []string{"u1"}, ids(tr.Roots()))
	assert.Equal(t, []string{"a1"}, ids(tr.Leafs()))
	assert.Equal(t, []string{"u1", "a1"}, ids(tr.ChainTo("a1")))
	require.NotNil(t, tr.MostRecentLeaf())
	assert.Equal(t, "a1", tr.MostRecentLeaf().ID)
	assert.Equal(t, "Hello!", tr.Content(tr.Node("a1")))
}

func TestRegenerateScenario(t *testing.T) {
	tr := Build([]model.Envelope{
		env("u1", "", model.RoleUser, 0),
		env("a1", "u1", model.RoleAssistant, 1),
	}, nil, nil)
	rootsBefore := ids(tr.Roots())

	// Regenerate from a1's parent.
	parent := tr.Node("a1").Parent
	require.NotNil(t, parent)
	tr.AddMessage(env("a2", parent.ID, model.RoleAssistant, 2))

	assert.Equal(t, []string{"a1", "a2"}, ids(tr.Leafs()))
	assert.Equal(t, rootsBefore, ids(tr.Roots()))
	assert.Equal(t, []string{"a1", "a2"}, ids(tr.Siblings("a2")))
	assert.Equal(t, "a2", tr.MostRecentLeaf().ID)
}

// =============================================================================
// PROPERTY TESTS
// =============================================================================

func TestAddMessage_Idempotent(t *testing.T) {
	content := map[string]string{"u1": "hi", "a1": "hello"}
	resolve := func(id string) string { return content[id] }

	once := Build([]model.Envelope{env("u1", "", model.RoleUser, 0), env("a1", "u1", model.RoleAssistant, 1)}, resolve, nil)
	twice := Build([]model.Envelope{env("u1", "", model.RoleUser, 0), env("a1", "u1", model.RoleAssistant, 1)}, resolve, nil)
	twice.AddMessage(env("a1", "u1", model.RoleAssistant, 1))
	twice.AddMessage(env("u1", "", model.RoleUser, 0))

	assert.Equal(t, shape(once), shape(twice))
	assert.Equal(t, once.Len(), twice.Len())
	assert.Len(t, twice.Node("u1").Children, 1)
}

func TestBuild_OrderIndependent(t *testing.T) {
	envs := []model.Envelope{
		env("u1", "", model.RoleUser, 0),
		env("a1", "u1", model.RoleAssistant, 1),
		env("a2", "u1", model.RoleAssistant, 2),
		env("u2", "a1", model.RoleUser, 3),
		env("x1", "", model.RoleUser, 4),
	}
	want := shape(Build(envs, nil, nil))

	for i, perm := range permutations(envs) {
		got := shape(Build(perm, nil, nil))
		if got != want {
			t.Fatalf("permutation %d produced\n%s\nwant\n%s", i, got, want)
		}
	}
}

func TestChainTo_RoundTrip(t *testing.T) {
	tr := Build([]model.Envelope{
		env("u1", "", model.RoleUser, 0),
		env("a1", "u1", model.RoleAssistant, 1),
		env("u2", "a1", model.RoleUser, 2),
		env("a2", "u2", model.RoleAssistant, 3),
		env("a1b", "u1", model.RoleAssistant, 4),
	}, nil, nil)

	chain := tr.ChainTo("a2")
	fresh := New(nil, nil)
	for _, n := range chain {
		fresh.AddMessage(n.Envelope)
	}

	assert.Equal(t, ids(chain), ids(fresh.ChainTo("a2")))
	assert.Equal(t, []string{"u1", "a1", "u2", "a2"}, ids(chain))
	assert.Nil(t, tr.ChainTo("missing"))
}

// =============================================================================
// EDGE CASE TESTS
// =============================================================================

func TestOutOfOrderArrival_StubParent(t *testing.T) {
	tr := New(nil, nil)
	tr.AddMessage(env("a1", "u1", model.RoleAssistant, 1))

	stub := tr.Node("u1")
	require.NotNil(t, stub)
	assert.True(t, stub.Stub)
	assert.Equal(t, []string{"u1"}, ids(tr.Roots()))
	assert.Equal(t, []string{"a1"}, ids(tr.Leafs()), "stubs are never leaves")
	assert.Empty(t, tr.ToChatMessages(tr.ChainTo("a1"))[0].Content)

	tr.AddMessage(env("u1", "", model.RoleUser, 0))
	assert.False(t, tr.Node("u1").Stub)
	assert.Same(t, stub, tr.Node("u1"), "stub is materialized in place")
	assert.Equal(t, []string{"u1", "a1"}, ids(tr.ChainTo("a1")))
	assert.Equal(t, base, tr.Created())
}

func TestMostRecentLeaf_TieBreaksByID(t *testing.T) {
	tr := Build([]model.Envelope{
		env("u1", "", model.RoleUser, 0),
		env("b", "u1", model.RoleAssistant, 5),
		env("a", "u1", model.RoleAssistant, 5),
	}, nil, nil)

	assert.Equal(t, "b", tr.MostRecentLeaf().ID)
	assert.Equal(t, base.Add(5*time.Second), tr.Updated())
	assert.Nil(t, New(nil, nil).MostRecentLeaf())
}

func TestCycleIsBroken(t *testing.T) {
	tr := Build([]model.Envelope{
		env("a", "b", model.RoleUser, 0),
		env("b", "a", model.RoleAssistant, 1),
		env("self", "self", model.RoleUser, 2),
	}, nil, nil)

	assert.Len(t, tr.ChainTo("a"), 2)
	assert.Len(t, tr.ChainTo("self"), 1)
	assert.Len(t, tr.Roots(), 2)
}

// =============================================================================
// STORE INTEGRATION TESTS
// =============================================================================

func TestFromChat(t *testing.T) {
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	chat := doc.Chat("c1")
	require.NoError(t, doc.Transact(crdt.OriginLocal, func(tx *crdt.Txn) error {
		c := tx.Chat("c1")
		if err := c.Envelopes().Set("u1", env("u1", "", model.RoleUser, 0)); err != nil {
			return err
		}
		if err := c.Envelopes().Set("a1", env("a1", "u1", model.RoleAssistant, 1)); err != nil {
			return err
		}
		return c.Content().Set("u1", "Hello")
	}))

	tr := FromChat(chat)
	a1 := tr.Node("a1")
	require.NotNil(t, a1)
	assert.False(t, tr.Done(a1))

	// Content is read lazily from the store.
	require.NoError(t, chat.Content().Set("a1", "Hi!"))
	require.NoError(t, chat.Done().Set("a1", true))
	assert.Equal(t, "Hi!", tr.Content(a1))
	assert.True(t, tr.Done(a1))

	msgs := tr.ToChatMessages(tr.ChainTo("a1"))
	assert.Equal(t, []model.ChatMessage{
		{Role: model.RoleUser, Content: "Hello"},
		{Role: model.RoleAssistant, Content: "Hi!"},
	}, msgs)
}
