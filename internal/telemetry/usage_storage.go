// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/threadline/internal/util"
)

// =============================================================================
// USAGE STORAGE
// =============================================================================

// UsageStorage persists sessions as one JSON file each.
type UsageStorage struct {
	dir string
}

// NewUsageStorage creates the storage directory if needed.
func NewUsageStorage(dir string) (*UsageStorage, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(homeDir, ".threadline", "usage")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &UsageStorage{dir: dir}, nil
}

// Dir returns the storage directory.
func (us *UsageStorage) Dir() string { return us.dir }

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save writes a session, replacing an earlier save of the same session.
func (us *UsageStorage) Save(s *SessionUsage) error {
	if s == nil {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(filepath.Join(us.dir, s.ID+".json"), data, 0o600)
}

// Load reads one session.
func (us *UsageStorage) Load(id string) (*SessionUsage, error) {
	data, err := os.ReadFile(filepath.Join(us.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	var s SessionUsage
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// List returns the ids of sessions started within [from, to], oldest first.
func (us *UsageStorage) List(from, to time.Time) ([]string, error) {
	var ids []string
	err := us.each(func(id string, started time.Time) {
		if started.Before(from) || started.After(to) {
			return
		}
		ids = append(ids, id)
	})
	sort.Strings(ids)
	return ids, err
}

// DeleteBefore removes sessions started before the given time.
func (us *UsageStorage) DeleteBefore(before time.Time) (int, error) {
	n := 0
	err := us.each(func(id string, started time.Time) {
		if started.Before(before) && os.Remove(filepath.Join(us.dir, id+".json")) == nil {
			n++
		}
	})
	return n, err
}

// Count returns the number of stored sessions.
func (us *UsageStorage) Count() (int, error) {
	n := 0
	err := us.each(func(string, time.Time) { n++ })
	return n, err
}

// each calls fn for every session file with a parseable id.
func (us *UsageStorage) each(fn func(id string, started time.Time)) error {
	entries, err := os.ReadDir(us.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, util.TempPrefix) {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		// Format: YYYYMMDD-HHMMSS-counter
		stamp := id
		if parts := strings.Split(id, "-"); len(parts) >= 3 {
			stamp = parts[0] + "-" + parts[1]
		}
		started, err := time.ParseInLocation("20060102-150405", stamp, time.Local)
		if err != nil {
			continue
		}
		fn(id, started)
	}
	return nil
}
