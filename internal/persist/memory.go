// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. Data is lost when the process exits.
type Memory struct {
	mu      sync.Mutex
	updates map[string][][]byte
	meta    map[string]map[string]string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		updates: make(map[string][][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (m *Memory) Load(_ context.Context, identity string) ([][]byte, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.updates[identity]))
	copy(out, m.updates[identity])
	return out, nil
}

func (m *Memory) Append(_ context.Context, identity string, update []byte) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[identity] = append(m.updates[identity], append([]byte(nil), update...))
	return nil
}

func (m *Memory) Replace(_ context.Context, identity string, snapshot []byte) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[identity] = [][]byte{append([]byte(nil), snapshot...)}
	return nil
}

func (m *Memory) Delete(_ context.Context, identity string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.updates, identity)
	delete(m.meta, identity)
	return nil
}

func (m *Memory) Meta(_ context.Context, identity, key string) (string, bool, error) {
	if err := checkIdentity(identity); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[identity][key]
	return v, ok, nil
}

func (m *Memory) SetMeta(_ context.Context, identity, key, value string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta[identity] == nil {
		m.meta[identity] = make(map[string]string)
	}
	m.meta[identity][key] = value
	return nil
}

func (m *Memory) Identities(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for id := range m.updates {
		seen[id] = struct{}{}
	}
	for id := range m.meta {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
