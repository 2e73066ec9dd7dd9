// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package options resolves plugin options through a scope cascade: the
// conversation's own plugin options, then the user's configuration, then
// the built-in defaults each plugin registers.
package options

import (
	"strconv"
	"strings"
	"sync"

	"github.com/jeranaias/threadline/internal/crdt"
)

// Accessor reads the options of one plugin group in one scope.
type Accessor interface {
	Get(key string) (string, bool)
}

// ChatScope reads options stored on a conversation.
type ChatScope interface {
	ChatOption(chatID, key string) (string, bool)
}

// DocScope reads chat options from the plugin options map of the store
// returned by doc. doc may return nil when no store is attached.
type DocScope func() *crdt.Doc

// ChatOption implements ChatScope.
func (f DocScope) ChatOption(chatID, key string) (string, bool) {
	doc := f()
	if doc == nil || chatID == "" || doc.IsDeleted(chatID) {
		return "", false
	}
	return doc.Chat(chatID).PluginOptions().Get(key)
}

// Key joins a group and key into the name used in chat scope.
func Key(group, key string) string {
	return group + "." + key
}

// Resolver implements the cascade. It is safe for concurrent use.
type Resolver struct {
	chats ChatScope

	mu       sync.RWMutex
	user     map[string]map[string]string
	defaults map[string]map[string]string
}

// NewResolver creates a resolver. chats may be nil; user holds per-group
// values from configuration.
func NewResolver(chats ChatScope, user map[string]map[string]string) *Resolver {
	r := &Resolver{
		chats:    chats,
		user:     make(map[string]map[string]string),
		defaults: make(map[string]map[string]string),
	}
	for group, values := range user {
		r.SetUser(group, values)
	}
	return r
}

// Register records a group's built-in defaults. Later calls add to or
// replace earlier ones.
func (r *Resolver) Register(group string, defaults map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.defaults[group]
	if m == nil {
		m = make(map[string]string, len(defaults))
		r.defaults[group] = m
	}
	for k, v := range defaults {
		m[k] = v
	}
}

// SetUser replaces a group's user-scope values.
func (r *Resolver) SetUser(group string, values map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	r.user[group] = m
}

// GetOption returns the first value found for group.key walking chat
// scope (when scopeID names a chat), user scope and defaults.
func (r *Resolver) GetOption(group, key, scopeID string) (string, bool) {
	if r.chats != nil && scopeID != "" {
		if v, ok := r.chats.ChatOption(scopeID, Key(group, key)); ok {
			return v, true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.user[group][key]; ok {
		return v, true
	}
	v, ok := r.defaults[group][key]
	return v, ok
}

// Scoped returns an accessor bound to one group and chat.
func (r *Resolver) Scoped(group, chatID string) Accessor {
	return scoped{r: r, group: group, chatID: chatID}
}

type scoped struct {
	r      *Resolver
	group  string
	chatID string
}

func (s scoped) Get(key string) (string, bool) {
	return s.r.GetOption(s.group, key, s.chatID)
}

// Static is an Accessor over a fixed map.
type Static map[string]string

// Get implements Accessor.
func (s Static) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// =============================================================================
// TYPED READS
// =============================================================================

// String returns the value of key or def.
func String(a Accessor, key, def string) string {
	if a == nil {
		return def
	}
	if v, ok := a.Get(key); ok {
		return v
	}
	return def
}

// Int returns key parsed as an integer, or def when missing or invalid.
func Int(a Accessor, key string, def int) int {
	v := strings.TrimSpace(String(a, key, ""))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns key parsed as a boolean, or def when missing or invalid.
func Bool(a Accessor, key string, def bool) bool {
	v := strings.TrimSpace(String(a, key, ""))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
