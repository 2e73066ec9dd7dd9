// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"encoding/json"
	"strconv"

	"github.com/jeranaias/threadline/internal/model"
)

// =============================================================================
// CODECS
// =============================================================================

// Codec converts map values to and from their stored bytes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSONCodec stores values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}

// StringCodec stores strings as raw bytes.
type StringCodec struct{}

func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// BoolCodec stores booleans as "true" or "false".
type BoolCodec struct{}

func (BoolCodec) Encode(v bool) ([]byte, error) { return strconv.AppendBool(nil, v), nil }
func (BoolCodec) Decode(b []byte) (bool, error) { return strconv.ParseBool(string(b)) }

// =============================================================================
// CHAT HANDLE
// =============================================================================

// Chat is a handle to one conversation. Handles are cheap and hold no state
// of their own.
type Chat struct {
	doc *Doc
	txn *Txn
	id  string
}

// ID returns the conversation id.
func (c *Chat) ID() string { return c.id }

// Meta holds conversation metadata such as the title.
func (c *Chat) Meta() Map[string] {
	return Map[string]{chat: c, kind: MapMeta, codec: StringCodec{}}
}

// Envelopes holds message envelopes keyed by message id.
func (c *Chat) Envelopes() Map[model.Envelope] {
	return Map[model.Envelope]{chat: c, kind: MapEnvelopes, codec: JSONCodec[model.Envelope]{}}
}

// Content holds message text keyed by message id.
func (c *Chat) Content() Map[string] {
	return Map[string]{chat: c, kind: MapContent, codec: StringCodec{}}
}

// Done holds completion flags keyed by message id.
func (c *Chat) Done() Map[bool] {
	return Map[bool]{chat: c, kind: MapDone, codec: BoolCodec{}}
}

// PluginOptions holds per-conversation plugin options keyed "group.key".
func (c *Chat) PluginOptions() Map[string] {
	return Map[string]{chat: c, kind: MapPluginOptions, codec: StringCodec{}}
}

// Deleted reports whether the conversation is deleted.
func (c *Chat) Deleted() bool {
	if c.txn != nil {
		return c.txn.chatDeleted(c.id)
	}
	return c.doc.IsDeleted(c.id)
}

// Delete tombstones the conversation. Deleting twice is a no-op.
func (c *Chat) Delete() error {
	return c.update(func(tx *Txn) error {
		tx.deleteChat(c.id)
		return nil
	})
}

func (c *Chat) update(fn func(*Txn) error) error {
	if c.txn != nil {
		return fn(c.txn)
	}
	return c.doc.Transact(OriginLocal, fn)
}

func (c *Chat) get(k MapKind, key string) ([]byte, bool) {
	if c.txn != nil {
		return c.txn.get(c.id, k, key)
	}
	c.doc.mu.RLock()
	defer c.doc.mu.RUnlock()
	v, ok := c.doc.getLocked(c.id, k, key)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (c *Chat) keys(k MapKind) []string {
	if c.txn != nil {
		return c.txn.keys(c.id, k)
	}
	c.doc.mu.RLock()
	keys := c.doc.keysLocked(c.id, k)
	c.doc.mu.RUnlock()
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return sortedKeys(set)
}

// =============================================================================
// TYPED MAP
// =============================================================================

// Map is a typed view of one of a conversation's maps.
type Map[T any] struct {
	chat  *Chat
	kind  MapKind
	codec Codec[T]
}

// Get returns the value for key. Values that fail to decode read as absent.
func (m Map[T]) Get(key string) (T, bool) {
	var zero T
	b, ok := m.chat.get(m.kind, key)
	if !ok {
		return zero, false
	}
	v, err := m.codec.Decode(b)
	if err != nil {
		m.chat.doc.log.Warn("undecodable map value",
			"chat", m.chat.id, "map", m.kind.String(), "key", key, "error", err)
		return zero, false
	}
	return v, true
}

// Has reports whether key is present.
func (m Map[T]) Has(key string) bool {
	_, ok := m.chat.get(m.kind, key)
	return ok
}

// Keys returns the present keys, sorted.
func (m Map[T]) Keys() []string {
	return m.chat.keys(m.kind)
}

// Len returns the number of present keys.
func (m Map[T]) Len() int {
	return len(m.Keys())
}

// All returns every decodable entry.
func (m Map[T]) All() map[string]T {
	out := make(map[string]T)
	for _, k := range m.Keys() {
		if v, ok := m.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// Set stores v under key.
func (m Map[T]) Set(key string, v T) error {
	b, err := m.codec.Encode(v)
	if err != nil {
		return err
	}
	return m.chat.update(func(tx *Txn) error {
		return tx.write(m.chat.id, m.kind, key, b, OpSet)
	})
}

// Delete removes key.
func (m Map[T]) Delete(key string) error {
	return m.chat.update(func(tx *Txn) error {
		return tx.write(m.chat.id, m.kind, key, nil, OpRemove)
	})
}

// Clear removes every key.
func (m Map[T]) Clear() error {
	return m.chat.update(func(tx *Txn) error {
		for _, key := range tx.keys(m.chat.id, m.kind) {
			if err := tx.write(m.chat.id, m.kind, key, nil, OpRemove); err != nil {
				return err
			}
		}
		return nil
	})
}
