// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import "sort"

type regKey struct {
	chat string
	m    MapKind
	key  string
}

type pendingValue struct {
	value   []byte
	removed bool
}

// Txn is an open transaction. Reads through a Txn see its own pending
// writes. A Txn is only valid inside the function passed to Transact.
type Txn struct {
	doc     *Doc
	ops     []Op
	overlay map[regKey]pendingValue
	deleted map[string]bool
	touched map[string]struct{}
	err     error
}

func newTxn(d *Doc) *Txn {
	return &Txn{
		doc:     d,
		overlay: make(map[regKey]pendingValue),
		deleted: make(map[string]bool),
		touched: make(map[string]struct{}),
	}
}

// Chat returns a handle whose reads and writes go through this transaction.
func (t *Txn) Chat(id string) *Chat {
	return &Chat{doc: t.doc, txn: t, id: id}
}

// ChatIDs returns the live conversation ids as seen by this transaction.
func (t *Txn) ChatIDs() []string {
	set := make(map[string]struct{})
	for id, c := range t.doc.chats {
		if !c.deleted {
			set[id] = struct{}{}
		}
	}
	for id := range t.touched {
		set[id] = struct{}{}
	}
	for id := range t.deleted {
		delete(set, id)
	}
	return sortedKeys(set)
}

func (t *Txn) chatDeleted(chat string) bool {
	return t.deleted[chat] || t.doc.deletedLocked(chat)
}

func (t *Txn) write(chat string, k MapKind, key string, value []byte, kind OpKind) error {
	if t.chatDeleted(chat) {
		err := &ChatDeletedError{ChatID: chat}
		if t.err == nil {
			t.err = err
		}
		return err
	}
	t.ops = append(t.ops, Op{Chat: chat, Map: k, Key: key, Value: value, Kind: kind})
	t.overlay[regKey{chat, k, key}] = pendingValue{value: value, removed: kind == OpRemove}
	t.touched[chat] = struct{}{}
	return nil
}

func (t *Txn) deleteChat(chat string) {
	if t.chatDeleted(chat) {
		return
	}
	t.ops = append(t.ops, Op{Chat: chat, Kind: OpDeleteChat})
	t.deleted[chat] = true
	t.touched[chat] = struct{}{}
}

func (t *Txn) get(chat string, k MapKind, key string) ([]byte, bool) {
	if t.deleted[chat] {
		return nil, false
	}
	if p, ok := t.overlay[regKey{chat, k, key}]; ok {
		if p.removed {
			return nil, false
		}
		return p.value, true
	}
	return t.doc.getLocked(chat, k, key)
}

func (t *Txn) keys(chat string, k MapKind) []string {
	if t.deleted[chat] {
		return nil
	}
	set := make(map[string]struct{})
	for _, key := range t.doc.keysLocked(chat, k) {
		set[key] = struct{}{}
	}
	for rk, p := range t.overlay {
		if rk.chat != chat || rk.m != k {
			continue
		}
		if p.removed {
			delete(set, rk.key)
		} else {
			set[rk.key] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func (t *Txn) touchedChats() []string {
	out := make([]string, 0, len(t.touched))
	for id := range t.touched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
