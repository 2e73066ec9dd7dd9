// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/threadline/internal/model"
)

func legacyFixture() []model.LegacyChat {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return []model.LegacyChat{{
		ID:    "legacy-1",
		Title: "Old chat",
		Messages: []model.LegacyMessage{
			{ID: "l1", Role: model.RoleUser, Content: "hi", Timestamp: ts},
			{ID: "l2", Role: model.RoleAssistant, Content: "hello", Timestamp: ts.Add(time.Second)},
			{ID: "l3", Role: model.RoleUser, Content: "again", Timestamp: ts.Add(2 * time.Second), ParentID: "l1"},
		},
	}}
}

func TestImportLegacy(t *testing.T) {
	doc := newTestDoc(1)
	var origins []Origin
	doc.Observe(func(ev Event) { origins = append(origins, ev.Origin) })

	stats, err := doc.ImportLegacy(legacyFixture())
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Chats: 1, Messages: 3}, stats)
	assert.Equal(t, []Origin{OriginImport}, origins)

	chat := doc.Chat("legacy-1")
	l2, ok := chat.Envelopes().Get("l2")
	require.True(t, ok)
	assert.Equal(t, "l1", l2.ParentID, "messages without a parent link to the previous one")
	l3, _ := chat.Envelopes().Get("l3")
	assert.Equal(t, "l1", l3.ParentID, "explicit parents are kept")

	done, _ := chat.Done().Get("l2")
	assert.True(t, done)
	title, _ := chat.Meta().Get(model.MetaImported + model.MetaTitle)
	assert.Equal(t, "Old chat", title)
}

func TestImportLegacy_Idempotent(t *testing.T) {
	doc := newTestDoc(1)
	_, err := doc.ImportLegacy(legacyFixture())
	require.NoError(t, err)
	before := dump(doc)
	sv := doc.StateVector()

	stats, err := doc.ImportLegacy(legacyFixture())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Messages)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, before, dump(doc))
	assert.Equal(t, sv, doc.StateVector(), "second import writes nothing")
}

func TestImportLegacy_SkipsDeletedChats(t *testing.T) {
	doc := newTestDoc(1)
	_, err := doc.ImportLegacy(legacyFixture())
	require.NoError(t, err)
	require.NoError(t, doc.Chat("legacy-1").Delete())

	stats, err := doc.ImportLegacy(legacyFixture())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Messages)
	assert.True(t, doc.IsDeleted("legacy-1"))
	assert.Equal(t, 0, doc.Chat("legacy-1").Envelopes().Len())
}
