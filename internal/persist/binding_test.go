// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/crdt"
)

func TestBind_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			doc := crdt.NewDoc(crdt.Options{ClientID: 1})
			binding, err := Bind(ctx, backend, "alice", doc, BindOptions{CompactEvery: -1})
			require.NoError(t, err)

			require.NoError(t, doc.Chat("c1").Content().Set("m1", "hello"))
			require.NoError(t, doc.Chat("c1").Meta().Set("title", "Greeting"))
			require.NoError(t, binding.Close())

			// Writes after close are not persisted.
			require.NoError(t, doc.Chat("c1").Content().Set("m2", "unsaved"))

			restored := crdt.NewDoc(crdt.Options{ClientID: 2})
			again, err := Bind(ctx, backend, "alice", restored, BindOptions{})
			require.NoError(t, err)
			defer again.Close()

			v, ok := restored.Chat("c1").Content().Get("m1")
			assert.True(t, ok)
			assert.Equal(t, "hello", v)
			assert.False(t, restored.Chat("c1").Content().Has("m2"))

			// Loading does not write the loaded updates back.
			stored, err := backend.Load(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, stored, 2)
		})
	}
}

func TestBind_CompactsAfterThreshold(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	doc := crdt.NewDoc(crdt.Options{ClientID: 1})

	appended := 0
	binding, err := Bind(ctx, backend, "alice", doc, BindOptions{
		CompactEvery: 10,
		OnAppend:     func(int) { appended++ },
	})
	require.NoError(t, err)
	defer binding.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, doc.Chat("c1").Content().Set("a1", fmt.Sprintf("chunk %d", i)))
	}

	assert.Equal(t, 25, appended)
	stored, err := backend.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, stored, 6, "snapshot after 20 appends plus five more")

	restored := crdt.NewDoc(crdt.Options{ClientID: 2})
	b2, err := Bind(ctx, backend, "alice", restored, BindOptions{})
	require.NoError(t, err)
	defer b2.Close()

	v, _ := restored.Chat("c1").Content().Get("a1")
	assert.Equal(t, "chunk 24", v)
	assert.Equal(t, doc.StateVector(), restored.StateVector())
}

func TestBind_SkipsMalformedStoredUpdates(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory()
	require.NoError(t, backend.Append(ctx, "alice", []byte{0xff, 0xff}))

	src := crdt.NewDoc(crdt.Options{ClientID: 9})
	require.NoError(t, src.Chat("c1").Content().Set("m1", "ok"))
	require.NoError(t, backend.Append(ctx, "alice", src.EncodeStateAsUpdate(nil)))

	doc := crdt.NewDoc(crdt.Options{ClientID: 1})
	binding, err := Bind(ctx, backend, "alice", doc, BindOptions{})
	require.NoError(t, err)
	defer binding.Close()

	assert.True(t, doc.Chat("c1").Content().Has("m1"))
}

func TestBind_EmptyIdentity(t *testing.T) {
	_, err := Bind(context.Background(), NewMemory(), "", crdt.NewDoc(crdt.Options{}), BindOptions{})
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}
