// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"log/slog"
	"sync"

	"github.com/jeranaias/threadline/internal/crdt"
	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/telemetry"
)

// =============================================================================
// BROADCASTER
// =============================================================================

// Broadcaster fans updates out to other contexts on the same device. A
// context never receives its own publications.
type Broadcaster interface {
	Publish(update []byte) error
	Subscribe(fn func(update []byte)) (cancel func())
	Close() error
}

// Bridge connects doc to a broadcaster: local and import changes are
// published, and received updates are applied with OriginBroadcast. Updates
// that arrived by broadcast are never published again, which keeps
// contexts from echoing each other forever.
func Bridge(doc *crdt.Doc, b Broadcaster, log *slog.Logger, metrics *telemetry.Metrics) (stop func()) {
	log = logging.OrDiscard(log)

	unobserve := doc.Observe(func(ev crdt.Event) {
		if ev.Origin != crdt.OriginLocal && ev.Origin != crdt.OriginImport {
			return
		}
		if len(ev.Update) <= crdt.EmptyUpdateThreshold {
			return
		}
		if err := b.Publish(ev.Update); err != nil {
			log.Warn("broadcast publish failed", "error", err)
			return
		}
		metrics.Broadcast("sent")
	})

	unsubscribe := b.Subscribe(func(update []byte) {
		metrics.Broadcast("received")
		n, err := doc.ApplyUpdate(update, crdt.OriginBroadcast)
		if err != nil {
			metrics.StoreDropped()
			return
		}
		metrics.StoreApplied(string(crdt.OriginBroadcast), n)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unobserve()
			unsubscribe()
		})
	}
}

// =============================================================================
// IN-PROCESS HUB
// =============================================================================

// Hub is an in-process broadcast channel. Each context takes its own Port.
type Hub struct {
	mu     sync.RWMutex
	ports  map[*Port]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{ports: make(map[*Port]struct{})}
}

// Port returns a new endpoint on the hub.
func (h *Hub) Port() *Port {
	p := &Port{hub: h}
	h.mu.Lock()
	h.ports[p] = struct{}{}
	h.mu.Unlock()
	return p
}

// Port is one context's endpoint on a Hub. It implements Broadcaster.
type Port struct {
	hub *Hub

	mu     sync.Mutex
	subs   map[int]func([]byte)
	nextID int
}

// Publish delivers update synchronously to every other port's subscribers.
func (p *Port) Publish(update []byte) error {
	p.hub.mu.RLock()
	targets := make([]*Port, 0, len(p.hub.ports))
	for other := range p.hub.ports {
		if other != p {
			targets = append(targets, other)
		}
	}
	p.hub.mu.RUnlock()

	for _, t := range targets {
		t.deliver(update)
	}
	return nil
}

func (p *Port) deliver(update []byte) {
	p.mu.Lock()
	fns := make([]func([]byte), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(append([]byte(nil), update...))
	}
}

// Subscribe registers fn for updates published by other ports.
func (p *Port) Subscribe(fn func([]byte)) func() {
	p.mu.Lock()
	if p.subs == nil {
		p.subs = make(map[int]func([]byte))
	}
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Close detaches the port from its hub.
func (p *Port) Close() error {
	p.hub.mu.Lock()
	delete(p.hub.ports, p)
	p.hub.mu.Unlock()
	return nil
}
