// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AnonymousIdentity is the store used before anyone signs in.
const AnonymousIdentity = "anonymous"

var (
	// ErrEmptyIdentity is returned for operations without an identity.
	ErrEmptyIdentity = errors.New("empty identity")

	// ErrClosed is returned after a backend has been closed.
	ErrClosed = errors.New("backend closed")

	// ErrUnknownBackend is returned by Open for an unsupported driver.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Backend is durable storage for per-identity update logs.
type Backend interface {
	// Load returns the stored updates for identity in append order.
	Load(ctx context.Context, identity string) ([][]byte, error)

	// Append adds one update to the identity's log.
	Append(ctx context.Context, identity string, update []byte) error

	// Replace atomically swaps the identity's log for a single snapshot.
	Replace(ctx context.Context, identity string, snapshot []byte) error

	// Delete removes the identity's log and metadata.
	Delete(ctx context.Context, identity string) error

	// Meta reads a metadata value.
	Meta(ctx context.Context, identity, key string) (string, bool, error)

	// SetMeta writes a metadata value.
	SetMeta(ctx context.Context, identity, key, value string) error

	// Identities lists identities that have stored data.
	Identities(ctx context.Context) ([]string, error)

	Close() error
}

// Open opens the named backend under dir. Supported drivers are "sqlite",
// "pebble" and "memory".
func Open(driver, dir string) (Backend, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return OpenSQLite(filepath.Join(dir, "threadline.db"))
	case "pebble":
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return OpenPebble(filepath.Join(dir, "pebble"))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, driver)
	}
}

func checkIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}
	return nil
}
