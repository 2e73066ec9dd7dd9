// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"sort"
	"strings"
	"time"
)

// Conversation metadata keys stored in a chat's metadata map.
const (
	MetaTitle    = "title"
	MetaImported = "imported:"
)

// =============================================================================
// CONVERSATION SUMMARY
// =============================================================================

// Conversation is a read-only summary of one conversation.
//
// Created and Updated are derived from the message tree: Created is the
// timestamp of the first message and Updated the timestamp of the most
// recently touched leaf.
type Conversation struct {
	ID            string            `json:"id"`
	Title         string            `json:"title,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PluginOptions map[string]string `json:"pluginOptions,omitempty"`
	Deleted       bool              `json:"deleted,omitempty"`
	Created       time.Time         `json:"created"`
	Updated       time.Time         `json:"updated"`
	MessageCount  int               `json:"messageCount"`
}

// SortByUpdated sorts conversations most recently updated first.
// Ties are broken by ID so listings are stable.
func SortByUpdated(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].Updated.Equal(convs[j].Updated) {
			return convs[i].Updated.After(convs[j].Updated)
		}
		return convs[i].ID < convs[j].ID
	})
}

// MergeMetadata merges imported metadata with local metadata. Local values
// win on key collisions.
func MergeMetadata(imported, local map[string]string) map[string]string {
	out := make(map[string]string, len(imported)+len(local))
	for k, v := range imported {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}

// ResolveMetadata splits a raw metadata map into imported keys (stored with
// the MetaImported prefix) and local keys, then merges them.
func ResolveMetadata(raw map[string]string) map[string]string {
	imported := make(map[string]string)
	local := make(map[string]string)
	for k, v := range raw {
		if rest, ok := strings.CutPrefix(k, MetaImported); ok {
			imported[rest] = v
		} else {
			local[k] = v
		}
	}
	return MergeMetadata(imported, local)
}

// =============================================================================
// LEGACY RECORDS
// =============================================================================

// LegacyChat is a flat, pre-replication chat record.
type LegacyChat struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Messages []LegacyMessage `json:"messages"`
}

// LegacyMessage is a message inside a LegacyChat. When ParentID is empty the
// message is linked to the message before it in the list.
type LegacyMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parentId,omitempty"`
	Model     string    `json:"model,omitempty"`
}
