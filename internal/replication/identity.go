// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/persist"
	"github.com/jeranaias/threadline/internal/telemetry"
)

// =============================================================================
// IDENTITY MANAGER
// =============================================================================

const (
	// DefaultAnonymousGrace is how long the anonymous store survives after
	// being merged into a signed-in identity.
	DefaultAnonymousGrace = 10 * time.Minute

	// MetaMergedAnonymous marks an identity that already took in the
	// anonymous store.
	MetaMergedAnonymous = "merged_anonymous"

	// MetaAnonymousDeleteAt holds, on the anonymous identity, when its
	// store is due for deletion. It outlives the process so a restart
	// inside the grace period still deletes on time.
	MetaAnonymousDeleteAt = "delete_at"

	// detachTimeout bounds the final flush of a detaching session.
	detachTimeout = 5 * time.Second
)

// ErrNoSession is returned when no identity is attached.
var ErrNoSession = errors.New("no identity attached")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Backend persist.Backend

	// Transport returns the sync transport for an identity, or nil to run
	// that identity offline. A transport that is also a LegacySource is
	// used for legacy import as well.
	Transport func(identity string) Transport

	// Broadcast returns the cross-context channel for an identity, or nil.
	Broadcast func(identity string) (Broadcaster, error)

	// Legacy sources imported into every attached identity.
	Legacy []LegacySource

	Engine         EngineOptions
	AnonymousGrace time.Duration
	CompactEvery   int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Session is one attached identity: its store, persistence binding,
// broadcast bridge and running sync engine.
type Session struct {
	Identity string
	Doc      *crdt.Doc
	Engine   *Engine

	binding    *persist.Binding
	broadcast  Broadcaster
	stopBridge func()
	cancel     context.CancelFunc
	done       chan struct{}
}

// Manager switches the active identity. At most one session is attached at
// a time.
type Manager struct {
	opts ManagerOptions
	log  *slog.Logger

	mu      sync.Mutex
	current *Session
	timer   *time.Timer
}

// NewManager creates a manager over opts.Backend.
func NewManager(opts ManagerOptions) *Manager {
	if opts.AnonymousGrace <= 0 {
		opts.AnonymousGrace = DefaultAnonymousGrace
	}
	if opts.Engine.Metrics == nil {
		opts.Engine.Metrics = opts.Metrics
	}
	log := logging.OrDiscard(opts.Logger)
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = log
	}
	return &Manager{opts: opts, log: log}
}

// Current returns the attached session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Attach detaches the current session, if any, and attaches identity. The
// first time a username is attached the anonymous store is merged into it
// and the anonymous store is deleted after the grace period.
func (m *Manager) Attach(ctx context.Context, identity string) (*Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, persist.ErrEmptyIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.detachLocked()
	}

	doc := crdt.NewDoc(crdt.Options{Logger: m.log})
	binding, err := persist.Bind(ctx, m.opts.Backend, identity, doc, persist.BindOptions{
		CompactEvery: m.opts.CompactEvery,
		Logger:       m.log,
		OnAppend:     m.opts.Metrics.PersistAppend,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", identity, err)
	}

	if identity != persist.AnonymousIdentity {
		if err := m.mergeAnonymous(ctx, identity, doc); err != nil {
			// The anonymous data stays put and is retried on the next
			// sign-in.
			m.log.Warn("anonymous merge failed", "identity", identity, "error", err)
		}
		m.armAnonymousDelete(ctx)
	}

	s := &Session{
		Identity: identity,
		Doc:      doc,
		binding:  binding,
		done:     make(chan struct{}),
	}

	if m.opts.Broadcast != nil {
		b, err := m.opts.Broadcast(identity)
		if err != nil {
			m.log.Warn("broadcast unavailable", "identity", identity, "error", err)
		} else if b != nil {
			s.broadcast = b
			s.stopBridge = Bridge(doc, b, m.log, m.opts.Metrics)
		}
	}

	var transport Transport
	if m.opts.Transport != nil {
		transport = m.opts.Transport(identity)
	}
	engineOpts := m.opts.Engine
	engineOpts.Legacy = append([]LegacySource(nil), m.opts.Legacy...)
	if src, ok := transport.(LegacySource); ok {
		engineOpts.Legacy = append(engineOpts.Legacy, src)
	}
	s.Engine = NewEngine(doc, transport, engineOpts)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		_ = s.Engine.Run(runCtx)
	}()
	if transport != nil {
		s.Engine.Authenticated()
	}

	m.current = s
	m.log.Info("identity attached", "identity", identity, "online", transport != nil)
	return s, nil
}

// mergeAnonymous copies the anonymous store into doc once per identity.
// The copy goes in with OriginImport so it is persisted, broadcast and
// pushed like any local change.
func (m *Manager) mergeAnonymous(ctx context.Context, identity string, doc *crdt.Doc) error {
	backend := m.opts.Backend
	if _, merged, err := backend.Meta(ctx, identity, MetaMergedAnonymous); err != nil {
		return err
	} else if merged {
		return nil
	}

	updates, err := backend.Load(ctx, persist.AnonymousIdentity)
	if err != nil {
		return err
	}
	if len(updates) > 0 {
		anon := crdt.NewDoc(crdt.Options{Logger: m.log})
		for _, u := range updates {
			if _, err := anon.ApplyUpdate(u, crdt.OriginPersistence); err != nil {
				m.log.Warn("skipping unreadable anonymous update", "error", err)
			}
		}
		n, err := doc.ApplyUpdate(anon.EncodeStateAsUpdate(nil), crdt.OriginImport)
		if err != nil {
			return err
		}
		m.log.Info("merged anonymous store", "identity", identity, "ops", n)
	}

	if len(updates) > 0 {
		due := time.Now().Add(m.opts.AnonymousGrace).UTC().Format(time.RFC3339Nano)
		if err := backend.SetMeta(ctx, persist.AnonymousIdentity, MetaAnonymousDeleteAt, due); err != nil {
			return err
		}
	}
	return backend.SetMeta(ctx, identity, MetaMergedAnonymous, time.Now().UTC().Format(time.RFC3339))
}

// armAnonymousDelete starts the timer for a pending anonymous deletion
// recorded in the backend. A due time already past fires at once. Called
// with m.mu held.
func (m *Manager) armAnonymousDelete(ctx context.Context) {
	if m.timer != nil {
		return
	}
	v, ok, err := m.opts.Backend.Meta(ctx, persist.AnonymousIdentity, MetaAnonymousDeleteAt)
	if err != nil {
		m.log.Warn("failed to read anonymous deletion time", "error", err)
		return
	}
	if !ok || v == "" {
		return
	}
	due, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		m.log.Warn("bad anonymous deletion time, deleting now", "value", v, "error", err)
		due = time.Now()
	}
	wait := max(time.Until(due), 0)
	m.log.Debug("anonymous deletion armed", "in", wait)
	m.timer = time.AfterFunc(wait, m.deleteAnonymous)
}

func (m *Manager) deleteAnonymous() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	backend := m.opts.Backend
	if m.current != nil && m.current.Identity == persist.AnonymousIdentity {
		// Signed out again before the grace period ended.
		if err := backend.SetMeta(ctx, persist.AnonymousIdentity, MetaAnonymousDeleteAt, ""); err != nil {
			m.log.Warn("failed to clear anonymous deletion time", "error", err)
		}
		return
	}
	if err := backend.Delete(ctx, persist.AnonymousIdentity); err != nil {
		m.log.Warn("failed to delete anonymous store", "error", err)
		return
	}
	m.log.Info("anonymous store deleted")
}

// Detach stops the current session.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked()
}

func (m *Manager) detachLocked() {
	s := m.current
	if s == nil {
		return
	}
	m.current = nil

	s.cancel()
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	if err := s.Engine.Flush(ctx); err != nil {
		m.log.Warn("final push failed", "identity", s.Identity, "error", err)
	}
	s.Engine.Close()

	if s.stopBridge != nil {
		s.stopBridge()
	}
	if s.broadcast != nil {
		_ = s.broadcast.Close()
	}
	if err := s.binding.Close(); err != nil {
		m.log.Warn("failed to close store", "identity", s.Identity, "error", err)
	}
	m.log.Info("identity detached", "identity", s.Identity)
}

// Close detaches and stops the anonymous deletion timer. A pending
// deletion stays recorded and is re-armed by the next sign-in. The backend
// is left open.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachLocked()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
