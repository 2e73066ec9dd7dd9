// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// dump flattens the live state of a doc for comparison.
func dump(d *Doc) map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]string)
	for id, c := range d.chats {
		if c.deleted {
			out[id] = "<deleted>"
			continue
		}
		for i, m := range c.maps {
			for key, r := range m {
				if r.removed {
					continue
				}
				out[fmt.Sprintf("%s/%s/%s", id, MapKind(i+1), key)] = string(r.value)
			}
		}
	}
	return out
}

func newTestDoc(client uint64) *Doc {
	return NewDoc(Options{ClientID: client})
}

func testEnvelope(chatID, id, parent string, role model.Role, ts time.Time) model.Envelope {
	return model.Envelope{ID: id, ChatID: chatID, ParentID: parent, Role: role, Timestamp: ts}
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestTransact_AtomicAndObservedOnce(t *testing.T) {
	doc := newTestDoc(1)

	var events []Event
	unobserve := doc.Observe(func(ev Event) { events = append(events, ev) })
	defer unobserve()

	err := doc.Transact(OriginLocal, func(tx *Txn) error {
		chat := tx.Chat("c1")
		if err := chat.Content().Set("m1", "hello"); err != nil {
			return err
		}
		if err := chat.Done().Set("m1", true); err != nil {
			return err
		}
		// Reads see pending writes.
		v, ok := chat.Content().Get("m1")
		if !ok || v != "hello" {
			t.Errorf("Get inside txn = %q, %v; want hello, true", v, ok)
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, OriginLocal, events[0].Origin)
	assert.Equal(t, []string{"c1"}, events[0].Chats)
	assert.Greater(t, len(events[0].Update), EmptyUpdateThreshold)

	done, ok := doc.Chat("c1").Done().Get("m1")
	assert.True(t, ok)
	assert.True(t, done)
}

func TestTransact_ErrorDiscardsWrites(t *testing.T) {
	doc := newTestDoc(1)
	fired := 0
	doc.Observe(func(Event) { fired++ })

	boom := errors.New("boom")
	err := doc.Transact(OriginLocal, func(tx *Txn) error {
		_ = tx.Chat("c1").Content().Set("m1", "lost")
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, doc.Chat("c1").Content().Has("m1"))
	assert.Equal(t, 0, fired)
	assert.Empty(t, doc.StateVector())
}

func TestTransact_WriteToDeletedChat(t *testing.T) {
	doc := newTestDoc(1)
	chat := doc.Chat("c1")
	require.NoError(t, chat.Content().Set("m1", "hi"))
	require.NoError(t, chat.Delete())

	err := doc.Transact(OriginLocal, func(tx *Txn) error {
		// The error is ignored here; Transact still refuses to commit.
		_ = tx.Chat("other").Content().Set("x", "y")
		_ = tx.Chat("c1").Content().Set("m2", "late")
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChatDeleted))
	var cde *ChatDeletedError
	require.True(t, errors.As(err, &cde))
	assert.Equal(t, "c1", cde.ChatID)
	assert.False(t, doc.Chat("other").Content().Has("x"), "nothing from the txn should apply")
}

func TestChat_DeleteClearsEverything(t *testing.T) {
	doc := newTestDoc(1)
	chat := doc.Chat("c1")
	require.NoError(t, chat.Meta().Set(model.MetaTitle, "hi"))
	require.NoError(t, chat.Content().Set("m1", "text"))
	require.NoError(t, chat.PluginOptions().Set("systemprompt.prompt", "be brief"))

	require.NoError(t, chat.Delete())
	require.NoError(t, chat.Delete(), "second delete is a no-op")

	assert.True(t, chat.Deleted())
	assert.Equal(t, 0, chat.Meta().Len())
	assert.Equal(t, 0, chat.Content().Len())
	assert.Equal(t, 0, chat.PluginOptions().Len())
	assert.NotContains(t, doc.ChatIDs(), "c1")
}

func TestMap_ClearAndKeys(t *testing.T) {
	doc := newTestDoc(1)
	opts := doc.Chat("c1").PluginOptions()
	require.NoError(t, opts.Set("b", "2"))
	require.NoError(t, opts.Set("a", "1"))

	assert.Equal(t, []string{"a", "b"}, opts.Keys())
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, opts.All())

	require.NoError(t, opts.Delete("a"))
	assert.Equal(t, []string{"b"}, opts.Keys())

	require.NoError(t, opts.Clear())
	assert.Equal(t, 0, opts.Len())
}

func TestMap_Envelopes(t *testing.T) {
	doc := newTestDoc(1)
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	env := testEnvelope("c1", "m1", "", model.RoleUser, ts)

	require.NoError(t, doc.Chat("c1").Envelopes().Set(env.ID, env))

	got, ok := doc.Chat("c1").Envelopes().Get("m1")
	require.True(t, ok)
	assert.Equal(t, env, got)
}

// =============================================================================
// REPLICATION TESTS
// =============================================================================

func TestApplyUpdate_Idempotent(t *testing.T) {
	src := newTestDoc(1)
	require.NoError(t, src.Chat("c1").Content().Set("m1", "a"))
	require.NoError(t, src.Chat("c1").Content().Set("m1", "ab"))
	update := src.EncodeStateAsUpdate(nil)

	dst := newTestDoc(2)
	events := 0
	dst.Observe(func(Event) { events++ })

	n, err := dst.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	first := dump(dst)

	n, err = dst.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-applying must not apply anything")
	assert.Equal(t, first, dump(dst))
	assert.Equal(t, 1, events)
}

func TestApplyUpdate_OrderIndependent(t *testing.T) {
	src := newTestDoc(1)
	var updates [][]byte
	src.Observe(func(ev Event) { updates = append(updates, ev.Update) })

	ts := time.Now()
	require.NoError(t, src.Chat("c1").Envelopes().Set("u1", testEnvelope("c1", "u1", "", model.RoleUser, ts)))
	require.NoError(t, src.Chat("c1").Envelopes().Set("a1", testEnvelope("c1", "a1", "u1", model.RoleAssistant, ts)))
	require.NoError(t, src.Chat("c1").Content().Set("a1", "partial"))
	require.NoError(t, src.Chat("c1").Content().Set("a1", "partial answer"))
	require.NoError(t, src.Chat("c1").Done().Set("a1", true))
	require.Len(t, updates, 5)

	forward := newTestDoc(2)
	for _, u := range updates {
		_, err := forward.ApplyUpdate(u, OriginRemote)
		require.NoError(t, err)
	}

	backward := newTestDoc(3)
	for i := len(updates) - 1; i >= 0; i-- {
		_, err := backward.ApplyUpdate(updates[i], OriginRemote)
		require.NoError(t, err)
	}

	assert.Equal(t, dump(src), dump(forward))
	assert.Equal(t, dump(src), dump(backward))
	assert.Equal(t, src.StateVector(), backward.StateVector())

	content, _ := backward.Chat("c1").Content().Get("a1")
	assert.Equal(t, "partial answer", content)
}

func TestConvergence_ConcurrentWriters(t *testing.T) {
	a := newTestDoc(10)
	b := newTestDoc(20)

	require.NoError(t, a.Chat("c1").Meta().Set(model.MetaTitle, "from a"))
	require.NoError(t, b.Chat("c1").Meta().Set(model.MetaTitle, "from b"))
	require.NoError(t, a.Chat("c1").Content().Set("m1", "only a"))
	require.NoError(t, b.Chat("c2").Content().Set("m9", "only b"))

	ua := a.EncodeStateAsUpdate(nil)
	ub := b.EncodeStateAsUpdate(nil)

	ab := newTestDoc(30)
	_, err := ab.ApplyUpdate(ua, OriginRemote)
	require.NoError(t, err)
	_, err = ab.ApplyUpdate(ub, OriginRemote)
	require.NoError(t, err)

	ba := newTestDoc(40)
	_, err = ba.ApplyUpdate(ub, OriginRemote)
	require.NoError(t, err)
	_, err = ba.ApplyUpdate(ua, OriginRemote)
	require.NoError(t, err)

	assert.Equal(t, dump(ab), dump(ba))

	// Equal lamport stamps: the higher client id wins.
	title, _ := ab.Chat("c1").Meta().Get(model.MetaTitle)
	assert.Equal(t, "from b", title)

	// The writers converge with each other too.
	_, err = a.ApplyUpdate(b.EncodeStateAsUpdate(a.StateVector()), OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector()), OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, dump(a), dump(b))
}

func TestConvergence_DeleteIsAbsorbing(t *testing.T) {
	a := newTestDoc(1)
	b := newTestDoc(2)
	require.NoError(t, a.Chat("c1").Content().Set("m1", "x"))
	_, err := b.ApplyUpdate(a.EncodeStateAsUpdate(nil), OriginRemote)
	require.NoError(t, err)

	// a deletes while b keeps writing.
	require.NoError(t, a.Chat("c1").Delete())
	require.NoError(t, b.Chat("c1").Content().Set("m2", "concurrent"))

	_, err = a.ApplyUpdate(b.EncodeStateAsUpdate(a.StateVector()), OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector()), OriginRemote)
	require.NoError(t, err)

	assert.True(t, a.IsDeleted("c1"))
	assert.True(t, b.IsDeleted("c1"))
	assert.Equal(t, dump(a), dump(b))
}

func TestEncodeStateAsUpdate_Diff(t *testing.T) {
	a := newTestDoc(1)
	require.NoError(t, a.Chat("c1").Content().Set("m1", "one"))
	sv := a.StateVector()
	require.NoError(t, a.Chat("c1").Content().Set("m2", "two"))

	diff := a.EncodeStateAsUpdate(sv)
	ops, err := DecodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "m2", ops[0].Key)

	assert.LessOrEqual(t, len(a.EncodeStateAsUpdate(a.StateVector())), EmptyUpdateThreshold)
}

func TestStateVector_Contiguous(t *testing.T) {
	src := newTestDoc(7)
	var updates [][]byte
	src.Observe(func(ev Event) { updates = append(updates, ev.Update) })
	for i := 0; i < 3; i++ {
		require.NoError(t, src.Chat("c1").Content().Set("m", fmt.Sprint(i)))
	}

	dst := newTestDoc(8)
	_, err := dst.ApplyUpdate(updates[2], OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), dst.StateVector()[7], "gap keeps the vector at zero")

	_, err = dst.ApplyUpdate(updates[0], OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dst.StateVector()[7])

	_, err = dst.ApplyUpdate(updates[1], OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), dst.StateVector()[7])
}

func TestStateVector_EncodeDecode(t *testing.T) {
	sv := StateVector{1: 4, 99: 1 << 40}
	got, err := DecodeStateVector(sv.Encode())
	require.NoError(t, err)
	assert.Equal(t, sv, got)
	assert.True(t, got.Covers(StateVector{1: 3}))
	assert.False(t, got.Covers(StateVector{2: 1}))

	_, err = DecodeStateVector([]byte{0x0a, 0xff})
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestApplyUpdate_Malformed(t *testing.T) {
	doc := newTestDoc(1)
	require.NoError(t, doc.Chat("c1").Content().Set("m1", "keep"))
	before := dump(doc)

	// A valid op followed by garbage must apply nothing.
	good := newTestDoc(2)
	require.NoError(t, good.Chat("c1").Content().Set("m1", "overwrite"))
	bad := append(good.EncodeStateAsUpdate(nil), 0x0a, 0x05, 0x01)

	n, err := doc.ApplyUpdate(bad, OriginRemote)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, dump(doc))

	// An op with an unknown kind is rejected.
	unknown := EncodeOps([]Op{{Client: 5, Seq: 1, Lamport: 1, Kind: 42}})
	_, err = doc.ApplyUpdate(unknown, OriginRemote)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestMergeUpdates(t *testing.T) {
	src := newTestDoc(1)
	var updates [][]byte
	src.Observe(func(ev Event) { updates = append(updates, ev.Update) })
	require.NoError(t, src.Chat("c1").Content().Set("m1", "a"))
	require.NoError(t, src.Chat("c1").Content().Set("m2", "b"))

	merged, err := MergeUpdates(updates[1], updates[0], updates[1])
	require.NoError(t, err)
	ops, err := DecodeUpdate(merged)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	dst := newTestDoc(2)
	_, err = dst.ApplyUpdate(merged, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, dump(src), dump(dst))

	_, err = MergeUpdates([]byte{0xff})
	assert.Error(t, err)
}

// =============================================================================
// COMPACTION TESTS
// =============================================================================

func TestCompact_KeepsStateAndContiguity(t *testing.T) {
	doc := newTestDoc(1)
	for i := 0; i < 50; i++ {
		require.NoError(t, doc.Chat("c1").Content().Set("a1", fmt.Sprintf("chunk %d", i)))
	}
	require.NoError(t, doc.Chat("c2").Content().Set("x", "gone"))
	require.NoError(t, doc.Chat("c2").Delete())

	before := dump(doc)
	sv := doc.StateVector()
	fullBefore := len(doc.EncodeStateAsUpdate(nil))

	replaced := doc.Compact()
	assert.Equal(t, 50, replaced, "49 superseded chunks and the write to the deleted chat")
	assert.Equal(t, sv, doc.StateVector())
	assert.Equal(t, before, dump(doc))

	snapshot := doc.EncodeStateAsUpdate(nil)
	assert.Less(t, len(snapshot), fullBefore)

	restored := newTestDoc(2)
	_, err := restored.ApplyUpdate(snapshot, OriginPersistence)
	require.NoError(t, err)
	assert.Equal(t, before, dump(restored))
	assert.Equal(t, sv, restored.StateVector())
}

// =============================================================================
// OBSERVER TESTS
// =============================================================================

func TestObserve_Unobserve(t *testing.T) {
	doc := newTestDoc(1)
	count := 0
	unobserve := doc.Observe(func(Event) { count++ })

	require.NoError(t, doc.Chat("c1").Content().Set("m", "1"))
	unobserve()
	unobserve()
	require.NoError(t, doc.Chat("c1").Content().Set("m", "2"))

	assert.Equal(t, 1, count)
}

func TestObserve_ReentrantWritesKeepOrder(t *testing.T) {
	doc := newTestDoc(1)
	var origins []Origin
	doc.Observe(func(ev Event) {
		origins = append(origins, ev.Origin)
		if ev.Origin == OriginLocal {
			require.NoError(t, doc.Transact(OriginImport, func(tx *Txn) error {
				return tx.Chat("c1").Meta().Set("seen", "yes")
			}))
		}
	})

	require.NoError(t, doc.Chat("c1").Content().Set("m", "1"))
	assert.Equal(t, []Origin{OriginLocal, OriginImport}, origins)
}

func TestDoc_ConcurrentWriters(t *testing.T) {
	doc := newTestDoc(1)
	var mu sync.Mutex
	events := 0
	doc.Observe(func(Event) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = doc.Chat("c1").Content().Set(fmt.Sprintf("m%d", i), fmt.Sprint(j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, events)
	assert.Equal(t, uint64(200), doc.StateVector()[1])
	assert.Equal(t, 8, doc.Chat("c1").Content().Len())
}
