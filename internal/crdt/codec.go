package crdt

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedUpdate is returned when an update or state vector cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

type mapOp struct {
	Map     string
	Key     string
	Stamp   Stamp
	Value   []byte
	Deleted bool
}

type insertOp struct {
	Text   string
	ID     Stamp
	Parent Stamp
	Value  rune
}

type deleteOp struct {
	Text   string
	Stamp  Stamp
	Target Stamp
}

type update struct {
	maps    []mapOp
	inserts []insertOp
	deletes []deleteOp
}

func (u *update) empty() bool {
	return len(u.maps) == 0 && len(u.inserts) == 0 && len(u.deletes) == 0
}

// Wire layout (protobuf wire format):
//
//	Update      { 1: repeated MapOp  2: repeated InsertOp  3: repeated DeleteOp }
//	MapOp       { 1: map  2: key  3: client  4: clock  5: value  6: deleted }
//	InsertOp    { 1: text  2: client  3: clock  4: parent client  5: parent clock  6: rune }
//	DeleteOp    { 1: text  2: client  3: clock  4: target client  5: target clock }
//	StateVector { 1: repeated Entry{ 1: client  2: clock } }
const (
	fieldUpdateMap    protowire.Number = 1
	fieldUpdateInsert protowire.Number = 2
	fieldUpdateDelete protowire.Number = 3
)

func encodeUpdate(u *update) []byte {
	if u.empty() {
		return nil
	}
	var b []byte
	for _, op := range u.maps {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, op.Map)
		m = protowire.AppendTag(m, 2, protowire.BytesType)
		m = protowire.AppendString(m, op.Key)
		m = appendStamp(m, 3, op.Stamp)
		if len(op.Value) > 0 {
			m = protowire.AppendTag(m, 5, protowire.BytesType)
			m = protowire.AppendBytes(m, op.Value)
		}
		if op.Deleted {
			m = protowire.AppendTag(m, 6, protowire.VarintType)
			m = protowire.AppendVarint(m, 1)
		}
		b = protowire.AppendTag(b, fieldUpdateMap, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, op := range u.inserts {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, op.Text)
		m = appendStamp(m, 2, op.ID)
		m = appendStamp(m, 4, op.Parent)
		m = protowire.AppendTag(m, 6, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(op.Value))
		b = protowire.AppendTag(b, fieldUpdateInsert, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, op := range u.deletes {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, op.Text)
		m = appendStamp(m, 2, op.Stamp)
		m = appendStamp(m, 4, op.Target)
		b = protowire.AppendTag(b, fieldUpdateDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// appendStamp writes client at field num and clock at num+1.
func appendStamp(b []byte, num protowire.Number, s Stamp) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Client)
	b = protowire.AppendTag(b, num+1, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Clock)
	return b
}

func decodeUpdate(b []byte) (*update, error) {
	u := &update{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldUpdateMap:
			op, err := decodeMapOp(v)
			if err != nil {
				return err
			}
			u.maps = append(u.maps, op)
		case fieldUpdateInsert:
			op, err := decodeInsertOp(v)
			if err != nil {
				return err
			}
			u.inserts = append(u.inserts, op)
		case fieldUpdateDelete:
			op, err := decodeDeleteOp(v)
			if err != nil {
				return err
			}
			u.deletes = append(u.deletes, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func decodeMapOp(b []byte) (mapOp, error) {
	var op mapOp
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			op.Map = string(v)
		case 2:
			op.Key = string(v)
		case 3:
			op.Stamp.Client = n
		case 4:
			op.Stamp.Clock = n
		case 5:
			op.Value = append([]byte(nil), v...)
		case 6:
			op.Deleted = n != 0
		}
		return nil
	})
	if err == nil && op.Stamp.Client == 0 {
		err = fmt.Errorf("%w: map op without client", ErrMalformedUpdate)
	}
	return op, err
}

func decodeInsertOp(b []byte) (insertOp, error) {
	var op insertOp
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			op.Text = string(v)
		case 2:
			op.ID.Client = n
		case 3:
			op.ID.Clock = n
		case 4:
			op.Parent.Client = n
		case 5:
			op.Parent.Clock = n
		case 6:
			op.Value = rune(n)
		}
		return nil
	})
	if err == nil && op.ID.Client == 0 {
		err = fmt.Errorf("%w: insert without client", ErrMalformedUpdate)
	}
	return op, err
}

func decodeDeleteOp(b []byte) (deleteOp, error) {
	var op deleteOp
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			op.Text = string(v)
		case 2:
			op.Stamp.Client = n
		case 3:
			op.Stamp.Clock = n
		case 4:
			op.Target.Client = n
		case 5:
			op.Target.Clock = n
		}
		return nil
	})
	if err == nil && (op.Stamp.Client == 0 || op.Target.Client == 0) {
		err = fmt.Errorf("%w: delete without client", ErrMalformedUpdate)
	}
	return op, err
}

// walkFields calls fn for every varint and length-delimited field in b.
// Other wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// EncodeStateVector serializes sv with entries sorted by client.
func EncodeStateVector(sv StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var b []byte
	for _, c := range clients {
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.VarintType)
		e = protowire.AppendVarint(e, c)
		e = protowire.AppendTag(e, 2, protowire.VarintType)
		e = protowire.AppendVarint(e, sv[c])
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// DecodeStateVector parses a vector produced by EncodeStateVector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		var client, clock uint64
		if err := walkFields(v, func(num protowire.Number, _ protowire.Type, _ []byte, n uint64) error {
			switch num {
			case 1:
				client = n
			case 2:
				clock = n
			}
			return nil
		}); err != nil {
			return err
		}
		sv.observe(Stamp{Client: client, Clock: clock})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sv, nil
}

// MergeUpdates concatenates updates into one. Because every update is a bag of
// independent operations, concatenation preserves meaning.
func MergeUpdates(updates ...[]byte) []byte {
	var n int
	for _, u := range updates {
		n += len(u)
	}
	out := make([]byte, 0, n)
	for _, u := range updates {
		out = append(out, u...)
	}
	return out
}
