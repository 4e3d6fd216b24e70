// Package wire frames the messages exchanged over a document connection.
//
// A frame is a protobuf-wire message with two fields:
//
//	1: kind    varint
//	2: payload bytes
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies what a frame's payload carries.
type Kind uint64

const (
	KindUpdate       Kind = 1 // document update
	KindAwareness    Kind = 2 // JSON awareness entries
	KindSyncRequest  Kind = 3 // encoded state vector
	KindSyncResponse Kind = 4 // document update answering a sync request
	KindAuth         Kind = 5 // bearer token, first frame only
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	case KindSyncRequest:
		return "sync-request"
	case KindSyncResponse:
		return "sync-response"
	case KindAuth:
		return "auth"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// ErrMalformedFrame is returned for bytes that are not a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded message.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode returns the wire form of a frame.
func Encode(kind Kind, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+12)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kind))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// Decode parses a frame. Unknown fields are skipped; a missing kind is an error.
func Decode(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("wire: %w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("wire: %w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Kind = Kind(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("wire: %w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("wire: %w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Kind == 0 {
		return Frame{}, fmt.Errorf("wire: %w: missing kind", ErrMalformedFrame)
	}
	return f, nil
}
