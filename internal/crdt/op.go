// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crdt

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// =============================================================================
// ORIGINS
// =============================================================================

// Origin tags where a batch of changes came from. Observers use it to decide
// whether to persist, broadcast or push a change.
type Origin string

const (
	OriginLocal       Origin = "local"
	OriginRemote      Origin = "remote"
	OriginBroadcast   Origin = "broadcast"
	OriginPersistence Origin = "persistence"
	OriginImport      Origin = "import"
)

// =============================================================================
// OPERATIONS
// =============================================================================

// MapKind identifies one of a conversation's maps.
type MapKind uint8

const (
	MapMeta MapKind = iota + 1
	MapEnvelopes
	MapContent
	MapDone
	MapPluginOptions

	numMaps = int(MapPluginOptions)
)

func (k MapKind) valid() bool {
	return k >= MapMeta && k <= MapPluginOptions
}

// String returns the map name.
func (k MapKind) String() string {
	switch k {
	case MapMeta:
		return "meta"
	case MapEnvelopes:
		return "envelopes"
	case MapContent:
		return "content"
	case MapDone:
		return "done"
	case MapPluginOptions:
		return "pluginOptions"
	default:
		return "unknown"
	}
}

// OpKind is the kind of change an operation makes.
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpRemove
	OpDeleteChat
	// OpNoop keeps a compacted operation's place in its client's sequence.
	OpNoop
)

// Op is a single replicated change.
type Op struct {
	Client  uint64
	Seq     uint64
	Lamport uint64
	Chat    string
	Map     MapKind
	Key     string
	Value   []byte
	Kind    OpKind
}

type opID struct {
	client uint64
	seq    uint64
}

func (o *Op) id() opID {
	return opID{client: o.Client, seq: o.Seq}
}

// newer reports whether (lamport, client) orders after the register stamp.
func newer(lamport, client, curLamport, curClient uint64) bool {
	if lamport != curLamport {
		return lamport > curLamport
	}
	return client > curClient
}

func (o *Op) validate() error {
	if o.Client == 0 || o.Seq == 0 {
		return malformed("operation without client or seq")
	}
	switch o.Kind {
	case OpSet, OpRemove:
		if o.Chat == "" || !o.Map.valid() {
			return malformed("operation %d/%d has no target", o.Client, o.Seq)
		}
	case OpDeleteChat:
		if o.Chat == "" {
			return malformed("delete operation %d/%d has no conversation", o.Client, o.Seq)
		}
	case OpNoop:
	default:
		return malformed("operation %d/%d has unknown kind %d", o.Client, o.Seq, o.Kind)
	}
	return nil
}

// =============================================================================
// WIRE ENCODING
// =============================================================================

// Field numbers of the Op message.
const (
	fieldOpClient  protowire.Number = 1
	fieldOpSeq     protowire.Number = 2
	fieldOpLamport protowire.Number = 3
	fieldOpChat    protowire.Number = 4
	fieldOpMap     protowire.Number = 5
	fieldOpKey     protowire.Number = 6
	fieldOpValue   protowire.Number = 7
	fieldOpKind    protowire.Number = 8

	// An update is a repeated Op in field 1.
	fieldUpdateOp protowire.Number = 1

	// A state vector is a repeated entry {client, seq} in field 1.
	fieldSVEntry  protowire.Number = 1
	fieldSVClient protowire.Number = 1
	fieldSVSeq    protowire.Number = 2
)

func appendOp(b []byte, o *Op) []byte {
	b = protowire.AppendTag(b, fieldOpClient, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Client)
	b = protowire.AppendTag(b, fieldOpSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Seq)
	b = protowire.AppendTag(b, fieldOpLamport, protowire.VarintType)
	b = protowire.AppendVarint(b, o.Lamport)
	b = protowire.AppendTag(b, fieldOpKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Kind))
	if o.Kind == OpNoop {
		return b
	}
	b = protowire.AppendTag(b, fieldOpChat, protowire.BytesType)
	b = protowire.AppendString(b, o.Chat)
	if o.Kind == OpDeleteChat {
		return b
	}
	b = protowire.AppendTag(b, fieldOpMap, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Map))
	b = protowire.AppendTag(b, fieldOpKey, protowire.BytesType)
	b = protowire.AppendString(b, o.Key)
	if o.Kind == OpSet {
		b = protowire.AppendTag(b, fieldOpValue, protowire.BytesType)
		b = protowire.AppendBytes(b, o.Value)
	}
	return b
}

func consumeOp(b []byte) (Op, error) {
	var o Op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Op{}, malformed("op tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldOpClient || num == fieldOpSeq ||
			num == fieldOpLamport || num == fieldOpMap || num == fieldOpKind):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Op{}, malformed("op field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOpClient:
				o.Client = v
			case fieldOpSeq:
				o.Seq = v
			case fieldOpLamport:
				o.Lamport = v
			case fieldOpMap:
				o.Map = MapKind(v)
			case fieldOpKind:
				o.Kind = OpKind(v)
			}
		case typ == protowire.BytesType && (num == fieldOpChat || num == fieldOpKey || num == fieldOpValue):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Op{}, malformed("op field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOpChat:
				o.Chat = string(v)
			case fieldOpKey:
				o.Key = string(v)
			case fieldOpValue:
				o.Value = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Op{}, malformed("op field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if err := o.validate(); err != nil {
		return Op{}, err
	}
	return o, nil
}

// EncodeOps encodes operations as an update.
func EncodeOps(ops []Op) []byte {
	var b []byte
	for i := range ops {
		msg := appendOp(nil, &ops[i])
		b = protowire.AppendTag(b, fieldUpdateOp, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	return b
}

// DecodeUpdate decodes an update into its operations. Either every
// operation decodes or an error wrapping ErrMalformedUpdate is returned.
func DecodeUpdate(update []byte) ([]Op, error) {
	var ops []Op
	b := update
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("update tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldUpdateOp || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("update field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed("update op: %v", protowire.ParseError(n))
		}
		b = b[n:]
		op, err := consumeOp(msg)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// MergeUpdates combines several updates into one, dropping duplicate
// operations. The result applies to the same state as applying each input.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[opID]struct{})
	var merged []Op
	for _, u := range updates {
		ops, err := DecodeUpdate(u)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if _, dup := seen[op.id()]; dup {
				continue
			}
			seen[op.id()] = struct{}{}
			merged = append(merged, op)
		}
	}
	sortOps(merged)
	return EncodeOps(merged), nil
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Client != ops[j].Client {
			return ops[i].Client < ops[j].Client
		}
		return ops[i].Seq < ops[j].Seq
	})
}

// =============================================================================
// STATE VECTORS
// =============================================================================

// StateVector maps a client id to the number of contiguous operations held
// from that client.
type StateVector map[uint64]uint64

// Encode returns the wire form of the state vector.
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var b []byte
	for _, c := range clients {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldSVClient, protowire.VarintType)
		entry = protowire.AppendVarint(entry, c)
		entry = protowire.AppendTag(entry, fieldSVSeq, protowire.VarintType)
		entry = protowire.AppendVarint(entry, sv[c])
		b = protowire.AppendTag(b, fieldSVEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeStateVector parses the wire form of a state vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("state vector tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldSVEntry || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("state vector field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed("state vector entry: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var client, seq uint64
		for len(entry) > 0 {
			num, typ, n := protowire.ConsumeTag(entry)
			if n < 0 {
				return nil, malformed("state vector entry tag: %v", protowire.ParseError(n))
			}
			entry = entry[n:]
			if typ != protowire.VarintType {
				n := protowire.ConsumeFieldValue(num, typ, entry)
				if n < 0 {
					return nil, malformed("state vector entry field: %v", protowire.ParseError(n))
				}
				entry = entry[n:]
				continue
			}
			v, n := protowire.ConsumeVarint(entry)
			if n < 0 {
				return nil, malformed("state vector value: %v", protowire.ParseError(n))
			}
			entry = entry[n:]
			switch num {
			case fieldSVClient:
				client = v
			case fieldSVSeq:
				seq = v
			}
		}
		if client == 0 {
			return nil, malformed("state vector entry without client")
		}
		sv[client] = seq
	}
	return sv, nil
}

// Covers reports whether sv holds every operation other holds.
func (sv StateVector) Covers(other StateVector) bool {
	for c, seq := range other {
		if sv[c] < seq {
			return false
		}
	}
	return true
}
