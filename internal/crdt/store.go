// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/jeranaias/threadline/internal/logging"
)

// EmptyUpdateThreshold is the size in bytes at or below which an encoded
// update carries nothing worth sending.
const EmptyUpdateThreshold = 2

// =============================================================================
// DOC TYPE
// =============================================================================

// Options configures a Doc.
type Options struct {
	// ClientID identifies this replica's writes. Zero picks a random id.
	ClientID uint64

	// Logger receives warnings about dropped updates.
	Logger *slog.Logger
}

// Event describes one committed batch of changes.
type Event struct {
	Origin Origin

	// Chats lists the conversation ids the batch touched, sorted.
	Chats []string

	// Update is the encoded delta of the batch.
	Update []byte
}

type register struct {
	lamport uint64
	client  uint64
	value   []byte
	removed bool
}

type chatState struct {
	deleted bool
	maps    [numMaps]map[string]*register
}

func (c *chatState) mapFor(k MapKind) map[string]*register {
	m := c.maps[k-1]
	if m == nil {
		m = make(map[string]*register)
		c.maps[k-1] = m
	}
	return m
}

type observer struct {
	id int
	fn func(Event)
}

// Doc is a replicated store of conversations. It is safe for concurrent use.
//
// Observers run after the write lock is released, in commit order. An
// observer may write to the Doc; its event is delivered after the current
// one finishes.
type Doc struct {
	mu      sync.RWMutex
	client  uint64
	seq     uint64
	lamport uint64
	chats   map[string]*chatState
	ops     map[uint64]map[uint64]*Op
	contig  StateVector
	log     *slog.Logger

	obsMu     sync.Mutex
	observers []observer
	nextObs   int
	queue     []Event
	draining  bool
}

// NewDoc creates an empty Doc.
func NewDoc(opts Options) *Doc {
	client := opts.ClientID
	for client == 0 {
		client = rand.Uint64()
	}
	return &Doc{
		client: client,
		chats:  make(map[string]*chatState),
		ops:    make(map[uint64]map[uint64]*Op),
		contig: make(StateVector),
		log:    logging.OrDiscard(opts.Logger),
	}
}

// ClientID returns the id stamped on this replica's writes.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// Chat returns a handle to a conversation. Writes through the handle run as
// single-write transactions with OriginLocal.
func (d *Doc) Chat(id string) *Chat {
	return &Chat{doc: d, id: id}
}

// ChatIDs returns the ids of all conversations that hold data and are not
// deleted, sorted.
func (d *Doc) ChatIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.chats))
	for id, c := range d.chats {
		if !c.deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsDeleted reports whether a conversation has been deleted.
func (d *Doc) IsDeleted(chatID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chats[chatID]
	return ok && c.deleted
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Transact runs fn and applies its writes atomically. If fn returns an error
// or wrote to a deleted conversation, nothing is applied and the error is
// returned. Observers see one event per transaction that changed something.
//
// fn must only use the Txn; calling methods on the Doc from inside fn
// deadlocks.
func (d *Doc) Transact(origin Origin, fn func(*Txn) error) error {
	d.mu.Lock()
	tx := newTxn(d)
	err := fn(tx)
	if err == nil {
		err = tx.err
	}
	if err != nil || len(tx.ops) == 0 {
		d.mu.Unlock()
		return err
	}

	for i := range tx.ops {
		d.seq++
		d.lamport++
		tx.ops[i].Client = d.client
		tx.ops[i].Seq = d.seq
		tx.ops[i].Lamport = d.lamport
		d.applyLocked(tx.ops[i])
	}
	d.enqueueLocked(Event{
		Origin: origin,
		Chats:  tx.touchedChats(),
		Update: EncodeOps(tx.ops),
	})
	d.mu.Unlock()

	d.drain()
	return nil
}

// =============================================================================
// SYNC PRIMITIVES
// =============================================================================

// StateVector returns the per-client count of contiguous operations held.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := make(StateVector, len(d.contig))
	for c, s := range d.contig {
		sv[c] = s
	}
	return sv
}

// EncodeStateAsUpdate returns every operation the holder of sv lacks. A nil
// state vector yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Op
	for client, byseq := range d.ops {
		have := sv[client]
		for seq, op := range byseq {
			if seq > have {
				out = append(out, *op)
			}
		}
	}
	sortOps(out)
	return EncodeOps(out)
}

// ApplyUpdate merges a remote update and returns the number of operations
// that were new. A malformed update changes nothing and returns an error
// wrapping ErrMalformedUpdate.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) (int, error) {
	ops, err := DecodeUpdate(update)
	if err != nil {
		d.log.Warn("dropping malformed update", "origin", origin, "bytes", len(update), "error", err)
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	var applied []Op
	touched := make(map[string]struct{})
	for _, op := range ops {
		if d.hasLocked(op.id()) {
			continue
		}
		if op.Lamport > d.lamport {
			d.lamport = op.Lamport
		}
		d.applyLocked(op)
		applied = append(applied, op)
		if op.Chat != "" {
			touched[op.Chat] = struct{}{}
		}
	}
	if len(applied) > 0 {
		d.enqueueLocked(Event{
			Origin: origin,
			Chats:  sortedKeys(touched),
			Update: EncodeOps(applied),
		})
	}
	d.mu.Unlock()

	d.drain()
	return len(applied), nil
}

// Compact replaces operations whose effect has been overwritten with no-op
// placeholders and returns how many were replaced. Placeholders keep each
// client's sequence contiguous so state vectors stay valid.
func (d *Doc) Compact() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, byseq := range d.ops {
		for seq, op := range byseq {
			if d.supersededLocked(op) {
				byseq[seq] = &Op{Client: op.Client, Seq: op.Seq, Lamport: op.Lamport, Kind: OpNoop}
				n++
			}
		}
	}
	return n
}

// OpCount returns the number of operations held, placeholders included.
func (d *Doc) OpCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, byseq := range d.ops {
		n += len(byseq)
	}
	return n
}

// =============================================================================
// OBSERVERS
// =============================================================================

// Observe registers fn to receive an Event for every committed batch and
// returns a function that removes it.
func (d *Doc) Observe(fn func(Event)) (unobserve func()) {
	d.obsMu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, observer{id: id, fn: fn})
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			defer d.obsMu.Unlock()
			for i, o := range d.observers {
				if o.id == id {
					d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
					break
				}
			}
		})
	}
}

// enqueueLocked must be called with d.mu held so the queue order matches
// commit order.
func (d *Doc) enqueueLocked(ev Event) {
	d.obsMu.Lock()
	d.queue = append(d.queue, ev)
	d.obsMu.Unlock()
}

func (d *Doc) drain() {
	d.obsMu.Lock()
	if d.draining {
		d.obsMu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		fns := make([]func(Event), len(d.observers))
		for i, o := range d.observers {
			fns[i] = o.fn
		}
		d.obsMu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}

		d.obsMu.Lock()
	}
	d.draining = false
	d.obsMu.Unlock()
}

// =============================================================================
// INTERNAL STATE
// =============================================================================

func (d *Doc) hasLocked(id opID) bool {
	_, ok := d.ops[id.client][id.seq]
	return ok
}

// applyLocked records op and folds it into the map state.
func (d *Doc) applyLocked(op Op) {
	byseq := d.ops[op.Client]
	if byseq == nil {
		byseq = make(map[uint64]*Op)
		d.ops[op.Client] = byseq
	}
	stored := op
	byseq[op.Seq] = &stored
	for byseq[d.contig[op.Client]+1] != nil {
		d.contig[op.Client]++
	}

	switch op.Kind {
	case OpNoop:
		return
	case OpDeleteChat:
		c := d.chatLocked(op.Chat)
		c.deleted = true
		c.maps = [numMaps]map[string]*register{}
		return
	}

	c := d.chatLocked(op.Chat)
	if c.deleted {
		return
	}
	m := c.mapFor(op.Map)
	cur := m[op.Key]
	if cur != nil && !newer(op.Lamport, op.Client, cur.lamport, cur.client) {
		return
	}
	m[op.Key] = &register{
		lamport: op.Lamport,
		client:  op.Client,
		value:   op.Value,
		removed: op.Kind == OpRemove,
	}
}

func (d *Doc) chatLocked(id string) *chatState {
	c := d.chats[id]
	if c == nil {
		c = &chatState{}
		d.chats[id] = c
	}
	return c
}

func (d *Doc) supersededLocked(op *Op) bool {
	switch op.Kind {
	case OpSet, OpRemove:
	default:
		return false
	}
	c := d.chats[op.Chat]
	if c == nil || c.deleted {
		return true
	}
	cur := c.maps[op.Map-1][op.Key]
	return cur == nil || cur.lamport != op.Lamport || cur.client != op.Client
}

// getLocked returns the live value of a register.
func (d *Doc) getLocked(chat string, k MapKind, key string) ([]byte, bool) {
	c := d.chats[chat]
	if c == nil || c.deleted {
		return nil, false
	}
	r := c.maps[k-1][key]
	if r == nil || r.removed {
		return nil, false
	}
	return r.value, true
}

func (d *Doc) keysLocked(chat string, k MapKind) []string {
	c := d.chats[chat]
	if c == nil || c.deleted {
		return nil
	}
	var keys []string
	for key, r := range c.maps[k-1] {
		if !r.removed {
			keys = append(keys, key)
		}
	}
	return keys
}

func (d *Doc) deletedLocked(chat string) bool {
	c := d.chats[chat]
	return c != nil && c.deleted
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String summarizes the doc for debugging.
func (d *Doc) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("Doc{client=%d chats=%d clients=%d}", d.client, len(d.chats), len(d.ops))
}
