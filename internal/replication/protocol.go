// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jeranaias/threadline/internal/crdt"
)

// =============================================================================
// MESSAGES
// =============================================================================

// MessageType distinguishes the sync protocol messages.
type MessageType uint8

const (
	// TypeStep1 carries the sender's state vector.
	TypeStep1 MessageType = 1
	// TypeStep2 carries the operations the receiver of a step1 lacks.
	TypeStep2 MessageType = 2
	// TypeUpdate carries an incremental delta.
	TypeUpdate MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeStep1:
		return "step1"
	case TypeStep2:
		return "step2"
	case TypeUpdate:
		return "update"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// kindSync is the only message kind; other kinds are reserved.
const kindSync = 0

const (
	fieldKind    protowire.Number = 1
	fieldType    protowire.Number = 2
	fieldPayload protowire.Number = 3

	fieldBatchItem protowire.Number = 1
)

// Message is one sync protocol message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Step1 builds a step1 message from a state vector.
func Step1(sv crdt.StateVector) Message {
	return Message{Type: TypeStep1, Payload: sv.Encode()}
}

// Step2 builds a step2 message carrying an update.
func Step2(update []byte) Message {
	return Message{Type: TypeStep2, Payload: update}
}

// Update builds an update message.
func Update(update []byte) Message {
	return Message{Type: TypeUpdate, Payload: update}
}

// Encode returns the wire form of the message.
func (m Message) Encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, kindSync)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

// DecodeMessage parses one message.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	kind := uint64(kindSync)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: message tag: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case (num == fieldKind || num == fieldType) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: message field: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldKind {
				kind = v
			} else {
				m.Type = MessageType(v)
			}
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: message payload: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
			m.Payload = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: message field: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if kind != kindSync {
		return Message{}, fmt.Errorf("%w: unsupported message kind %d", crdt.ErrMalformedUpdate, kind)
	}
	switch m.Type {
	case TypeStep1, TypeStep2, TypeUpdate:
	default:
		return Message{}, fmt.Errorf("%w: unknown message type %d", crdt.ErrMalformedUpdate, m.Type)
	}
	return m, nil
}

// EncodeBatch packs several encoded buffers into one response body.
func EncodeBatch(items [][]byte) []byte {
	var b []byte
	for _, item := range items {
		b = protowire.AppendTag(b, fieldBatchItem, protowire.BytesType)
		b = protowire.AppendBytes(b, item)
	}
	return b
}

// DecodeBatch unpacks a response body into its buffers.
func DecodeBatch(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: batch tag: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldBatchItem || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: batch field: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: batch item: %v", crdt.ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

// =============================================================================
// RESPONDER
// =============================================================================

// Respond applies an incoming message to doc and returns the replies it
// calls for. A step1 is answered with a step2 carrying what the sender
// lacks, omitted when the sender already holds everything; when withStep1 is set the answer also carries doc's own step1 so
// the sender can reply with what doc lacks. Updates are applied with origin.
func Respond(doc *crdt.Doc, msg Message, origin crdt.Origin, withStep1 bool) (replies []Message, applied int, err error) {
	switch msg.Type {
	case TypeStep1:
		sv, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			return nil, 0, err
		}
		own := doc.StateVector()
		if !sv.Covers(own) {
			replies = append(replies, Step2(doc.EncodeStateAsUpdate(sv)))
		}
		if withStep1 {
			replies = append(replies, Step1(own))
		}
		return replies, 0, nil
	case TypeStep2, TypeUpdate:
		n, err := doc.ApplyUpdate(msg.Payload, origin)
		return nil, n, err
	default:
		return nil, 0, fmt.Errorf("%w: unknown message type %d", crdt.ErrMalformedUpdate, msg.Type)
	}
}
