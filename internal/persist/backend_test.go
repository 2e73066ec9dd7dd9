// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every implementation opened in a fresh temp dir.
func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	peb, err := OpenPebble(filepath.Join(t.TempDir(), "pebble"))
	require.NoError(t, err)

	out := map[string]Backend{
		"sqlite": sqlite,
		"pebble": peb,
		"memory": NewMemory(),
	}
	t.Cleanup(func() {
		for _, b := range out {
			b.Close()
		}
	})
	return out
}

func TestBackend_AppendLoadReplace(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Append(ctx, "alice", []byte("one")))
			require.NoError(t, b.Append(ctx, "alice", []byte("two")))
			require.NoError(t, b.Append(ctx, "bob", []byte("other")))

			got, err := b.Load(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)

			require.NoError(t, b.Replace(ctx, "alice", []byte("snap")))
			require.NoError(t, b.Append(ctx, "alice", []byte("three")))

			got, err = b.Load(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("snap"), []byte("three")}, got)

			other, err := b.Load(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("other")}, other)
		})
	}
}

func TestBackend_MetaAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := b.Meta(ctx, "alice", "merged")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.SetMeta(ctx, "alice", "merged", "1"))
			require.NoError(t, b.SetMeta(ctx, "alice", "merged", "2"))
			v, ok, err := b.Meta(ctx, "alice", "merged")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "2", v)

			require.NoError(t, b.Append(ctx, "anonymous", []byte("x")))
			ids, err := b.Identities(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"alice", "anonymous"}, ids)

			require.NoError(t, b.Delete(ctx, "anonymous"))
			got, err := b.Load(ctx, "anonymous")
			require.NoError(t, err)
			assert.Empty(t, got)

			ids, err = b.Identities(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"alice"}, ids)
		})
	}
}

func TestBackend_IdentitiesDoNotShareKeys(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Append(ctx, "a", []byte("short")))
			require.NoError(t, b.Append(ctx, "a:b", []byte("long")))

			got, err := b.Load(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("short")}, got)
		})
	}
}

func TestBackend_EmptyIdentity(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, b.Append(ctx, " ", []byte("x")), ErrEmptyIdentity)
			_, err := b.Load(ctx, "")
			assert.ErrorIs(t, err, ErrEmptyIdentity)
		})
	}
}

func TestPebble_SequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pebble")

	p, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, p.Append(ctx, "alice", []byte("one")))
	require.NoError(t, p.Close())

	p, err = OpenPebble(dir)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Append(ctx, "alice", []byte("two")))

	got, err := p.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)
}

func TestOpen_Drivers(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"sqlite", "pebble", "memory"} {
		b, err := Open(driver, filepath.Join(dir, driver))
		require.NoError(t, err, driver)
		require.NoError(t, b.Close())
	}

	_, err := Open("postgres", dir)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
