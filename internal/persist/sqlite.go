// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS updates (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	identity TEXT NOT NULL,
	data     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_identity ON updates(identity, id);
CREATE TABLE IF NOT EXISTS meta (
	identity TEXT NOT NULL,
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (identity, key)
);
`

// SQLite is a Backend on a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, identity string) ([][]byte, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM updates WHERE identity = ? ORDER BY id", identity)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *SQLite) Append(ctx context.Context, identity string, update []byte) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO updates (identity, data) VALUES (?, ?)", identity, update)
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (s *SQLite) Replace(ctx context.Context, identity string, snapshot []byte) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM updates WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("clear updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO updates (identity, data) VALUES (?, ?)", identity, snapshot); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, identity string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM updates WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM meta WHERE identity = ?", identity); err != nil {
		return fmt.Errorf("delete meta: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Meta(ctx context.Context, identity, key string) (string, bool, error) {
	if err := checkIdentity(identity); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE identity = ? AND key = ?", identity, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta: %w", err)
	}
	return value, true, nil
}

func (s *SQLite) SetMeta(ctx context.Context, identity, key, value string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (identity, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(identity, key) DO UPDATE SET value = excluded.value`,
		identity, key, value)
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *SQLite) Identities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity FROM updates UNION SELECT identity FROM meta ORDER BY identity")
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
