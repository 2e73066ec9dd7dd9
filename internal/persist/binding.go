// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
)

// DefaultCompactEvery is the number of appends between compactions.
const DefaultCompactEvery = 500

// writeTimeout bounds a single backend write made from an observer.
const writeTimeout = 10 * time.Second

// BindOptions configures a Binding.
type BindOptions struct {
	// CompactEvery is the number of appends after which the log is
	// replaced with a snapshot. Zero uses DefaultCompactEvery, negative
	// disables compaction.
	CompactEvery int

	Logger *slog.Logger

	// OnAppend, when set, is called after each successful append.
	OnAppend func(bytes int)
}

// Binding keeps a Doc and an identity's stored log in step: it loads the log
// into the doc and appends every later change that did not come from the
// log itself.
type Binding struct {
	mu        sync.Mutex
	backend   Backend
	identity  string
	doc       *crdt.Doc
	opts      BindOptions
	log       *slog.Logger
	unobserve func()
	appends   int
	closed    bool
}

// Bind loads identity's stored updates into doc with OriginPersistence and
// starts persisting new changes.
func Bind(ctx context.Context, backend Backend, identity string, doc *crdt.Doc, opts BindOptions) (*Binding, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	if opts.CompactEvery == 0 {
		opts.CompactEvery = DefaultCompactEvery
	}

	b := &Binding{
		backend:  backend,
		identity: identity,
		doc:      doc,
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger).With("identity", identity),
	}

	updates, err := backend.Load(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", identity, err)
	}
	dropped := 0
	for _, u := range updates {
		if _, err := doc.ApplyUpdate(u, crdt.OriginPersistence); err != nil {
			if errors.Is(err, crdt.ErrMalformedUpdate) {
				dropped++
				continue
			}
			return nil, err
		}
	}
	if dropped > 0 {
		b.log.Warn("skipped unreadable stored updates", "count", dropped)
	}
	b.log.Debug("store loaded", "updates", len(updates))

	b.unobserve = doc.Observe(b.onEvent)
	return b, nil
}

// Identity returns the bound identity.
func (b *Binding) Identity() string { return b.identity }

// Doc returns the bound document.
func (b *Binding) Doc() *crdt.Doc { return b.doc }

func (b *Binding) onEvent(ev crdt.Event) {
	if ev.Origin == crdt.OriginPersistence || len(ev.Update) <= crdt.EmptyUpdateThreshold {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := b.backend.Append(ctx, b.identity, ev.Update); err != nil {
		b.log.Error("failed to persist update", "origin", ev.Origin, "error", err)
		return
	}
	if b.opts.OnAppend != nil {
		b.opts.OnAppend(len(ev.Update))
	}

	b.appends++
	if b.opts.CompactEvery > 0 && b.appends >= b.opts.CompactEvery {
		if err := b.compactLocked(ctx); err != nil {
			b.log.Warn("compaction failed", "error", err)
		}
	}
}

// Compact rewrites the stored log as one snapshot.
func (b *Binding) Compact(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.compactLocked(ctx)
}

func (b *Binding) compactLocked(ctx context.Context) error {
	replaced := b.doc.Compact()
	snapshot := b.doc.EncodeStateAsUpdate(nil)
	if err := b.backend.Replace(ctx, b.identity, snapshot); err != nil {
		return err
	}
	b.appends = 0
	b.log.Debug("store compacted", "replaced_ops", replaced, "bytes", len(snapshot))
	return nil
}

// Close stops persisting. Every change seen so far has already been
// written.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.unobserve()
	return nil
}
