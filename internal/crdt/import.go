// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"strings"
	"time"

	"github.com/jeranaias/threadline/internal/model"
)

// ImportStats summarizes one ImportLegacy call.
type ImportStats struct {
	Chats    int
	Messages int
	Skipped  int
}

// ImportLegacy writes flat legacy chats into the doc in one transaction with
// OriginImport. Legacy titles land under the "imported:" metadata prefix so a
// locally set title keeps precedence. Messages whose id already exists are skipped, as are
// conversations that were deleted, so importing the same data twice changes
// nothing.
func (d *Doc) ImportLegacy(chats []model.LegacyChat) (ImportStats, error) {
	var stats ImportStats
	err := d.Transact(OriginImport, func(tx *Txn) error {
		stats = ImportStats{}
		for _, lc := range chats {
			if lc.ID == "" {
				stats.Skipped += len(lc.Messages)
				continue
			}
			chat := tx.Chat(lc.ID)
			if chat.Deleted() {
				stats.Skipped += len(lc.Messages)
				continue
			}

			imported := 0
			prev := ""
			for _, lm := range lc.Messages {
				if lm.ID == "" || chat.Envelopes().Has(lm.ID) {
					stats.Skipped++
					if lm.ID != "" {
						prev = lm.ID
					}
					continue
				}

				parent := lm.ParentID
				if parent == "" {
					parent = prev
				}
				role := lm.Role
				if !role.Valid() {
					role = model.RoleUser
				}
				ts := lm.Timestamp
				if ts.IsZero() {
					ts = time.Unix(0, 0).UTC()
				}

				env := model.Envelope{
					ID:        lm.ID,
					ChatID:    lc.ID,
					ParentID:  parent,
					Timestamp: ts,
					Role:      role,
					Model:     lm.Model,
					Done:      true,
				}
				if err := chat.Envelopes().Set(env.ID, env); err != nil {
					return err
				}
				if err := chat.Content().Set(env.ID, lm.Content); err != nil {
					return err
				}
				if err := chat.Done().Set(env.ID, true); err != nil {
					return err
				}
				prev = lm.ID
				imported++
			}

			if imported == 0 {
				continue
			}
			if title := strings.TrimSpace(lc.Title); title != "" {
				if err := chat.Meta().Set(model.MetaImported+model.MetaTitle, title); err != nil {
					return err
				}
			}
			if err := chat.Meta().Set(model.MetaImported+"source", "legacy"); err != nil {
				return err
			}
			stats.Chats++
			stats.Messages += imported
		}
		return nil
	})
	return stats, err
}
