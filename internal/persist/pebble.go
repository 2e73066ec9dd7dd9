// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Pebble is a Backend on a Pebble key-value store.
//
// Key layout, with the identity hex encoded so identities can never share a
// prefix:
//
//	u:<identity>:<seq %020d>  update
//	m:<identity>:<key>        metadata
type Pebble struct {
	mu   sync.Mutex
	db   *pebble.DB
	next map[string]uint64
}

// OpenPebble opens or creates a Pebble store in dir.
func OpenPebble(dir string) (*Pebble, error) {
	return OpenPebbleWithOptions(dir, &pebble.Options{})
}

// OpenPebbleWithOptions opens a Pebble store with explicit options.
func OpenPebbleWithOptions(dir string, opts *pebble.Options) (*Pebble, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &Pebble{db: db, next: make(map[string]uint64)}, nil
}

func updatePrefix(identity string) []byte {
	return []byte("u:" + hex.EncodeToString([]byte(identity)) + ":")
}

func metaPrefix(identity string) []byte {
	return []byte("m:" + hex.EncodeToString([]byte(identity)) + ":")
}

// prefixEnd returns the first key after every key with the prefix. The
// prefixes used here always end in ':' so incrementing the last byte is safe.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func (p *Pebble) Load(ctx context.Context, identity string) ([][]byte, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}

	prefix := updatePrefix(identity)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	return out, iter.Error()
}

// nextSeqLocked returns the next sequence number for identity.
func (p *Pebble) nextSeqLocked(identity string) (uint64, error) {
	if n, ok := p.next[identity]; ok {
		p.next[identity] = n + 1
		return n, nil
	}

	prefix := updatePrefix(identity)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n uint64 = 1
	if iter.Last() {
		last, err := strconv.ParseUint(string(iter.Key()[len(prefix):]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt update key %q: %w", iter.Key(), err)
		}
		n = last + 1
	}
	p.next[identity] = n + 1
	return n, nil
}

func updateKey(identity string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", updatePrefix(identity), seq))
}

func (p *Pebble) Append(ctx context.Context, identity string, update []byte) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrClosed
	}

	seq, err := p.nextSeqLocked(identity)
	if err != nil {
		return err
	}
	if err := p.db.Set(updateKey(identity, seq), update, pebble.Sync); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

func (p *Pebble) Replace(ctx context.Context, identity string, snapshot []byte) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrClosed
	}

	prefix := updatePrefix(identity)
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Set(updateKey(identity, 1), snapshot, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	p.next[identity] = 2
	return nil
}

func (p *Pebble) Delete(ctx context.Context, identity string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrClosed
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, prefix := range [][]byte{updatePrefix(identity), metaPrefix(identity)} {
		if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	delete(p.next, identity)
	return nil
}

func (p *Pebble) Meta(ctx context.Context, identity, key string) (string, bool, error) {
	if err := checkIdentity(identity); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return "", false, ErrClosed
	}

	v, closer, err := p.db.Get(append(metaPrefix(identity), key...))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(v), true, nil
}

func (p *Pebble) SetMeta(ctx context.Context, identity, key, value string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Set(append(metaPrefix(identity), key...), []byte(value), pebble.Sync)
}

func (p *Pebble) Identities(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	seen := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 3 || key[1] != ':' {
			continue
		}
		rest := key[2:]
		end := 0
		for end < len(rest) && rest[end] != ':' {
			end++
		}
		raw, err := hex.DecodeString(string(rest[:end]))
		if err != nil {
			continue
		}
		seen[string(raw)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, iter.Error()
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
