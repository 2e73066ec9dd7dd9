// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/util"
)

// =============================================================================
// SPOOL BROADCASTER
// =============================================================================

const (
	spoolExt = ".upd"

	// DefaultSpoolTTL is how long published files stay in the spool.
	DefaultSpoolTTL = time.Minute
)

// SpoolOptions configures a Spool.
type SpoolOptions struct {
	TTL    time.Duration
	Logger *slog.Logger
}

// Spool is a Broadcaster between processes on one device. Each update is
// written atomically as its own file in a shared directory; every other
// process watching the directory picks it up. Old files are swept after the
// TTL.
type Spool struct {
	dir     string
	id      string
	ttl     time.Duration
	log     *slog.Logger
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	subs   map[int]func([]byte)
	nextID int
	seq    uint64
	seen   map[string]time.Time
}

// OpenSpool starts watching dir, creating it if needed.
func OpenSpool(dir string, opts SpoolOptions) (*Spool, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultSpoolTTL
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch spool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Spool{
		dir:     dir,
		id:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		ttl:     opts.TTL,
		log:     logging.OrDiscard(opts.Logger),
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[int]func([]byte)),
		seen:    make(map[string]time.Time),
	}

	s.wg.Add(2)
	go s.processEvents()
	go s.sweep()
	return s, nil
}

// Publish writes update to the spool.
func (s *Spool) Publish(update []byte) error {
	s.mu.Lock()
	s.seq++
	name := fmt.Sprintf("%020d-%s-%06d%s", time.Now().UnixNano(), s.id, s.seq, spoolExt)
	s.mu.Unlock()

	return util.AtomicWriteFile(filepath.Join(s.dir, name), update, 0o600)
}

// Subscribe registers fn for updates published by other processes.
func (s *Spool) Subscribe(fn func([]byte)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops watching and sweeping.
func (s *Spool) Close() error {
	s.cancel()
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Spool) processEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				s.handleFile(event.Name)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("spool watcher error", "error", err)
		}
	}
}

func (s *Spool) handleFile(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != spoolExt || strings.Contains(name, s.id) {
		return
	}

	s.mu.Lock()
	if _, done := s.seen[name]; done {
		s.mu.Unlock()
		return
	}
	s.seen[name] = time.Now()
	fns := make([]func([]byte), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// Swept before we got to it.
		return
	}
	for _, fn := range fns {
		fn(data)
	}
}

// sweep removes expired files and forgets them.
func (s *Spool) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.ttl)
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			s.log.Warn("spool sweep failed", "error", err)
			continue
		}
		for _, e := range entries {
			if filepath.Ext(e.Name()) != spoolExt {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}

		s.mu.Lock()
		for name, at := range s.seen {
			if at.Before(cutoff) {
				delete(s.seen, name)
			}
		}
		s.mu.Unlock()
	}
}
