package crdt

import (
	"crypto/rand"
	"encoding/binary"
)

// Stamp is a Lamport timestamp qualified by the replica that produced it.
// Stamps are unique per operation and totally ordered across replicas.
type Stamp struct {
	Clock  uint64
	Client uint64
}

// head is the virtual parent of the first item of every text.
var head = Stamp{}

// Less orders by clock, then by client id.
func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Client < o.Client
}

// IsZero reports whether s is the zero stamp.
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Client == 0
}

// StateVector records, per client, the highest clock a replica has observed.
type StateVector map[uint64]uint64

// Covers reports whether the vector has already observed s.
func (sv StateVector) Covers(s Stamp) bool {
	return sv[s.Client] >= s.Clock
}

func (sv StateVector) observe(s Stamp) {
	if sv[s.Client] < s.Clock {
		sv[s.Client] = s.Clock
	}
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// NewClientID returns a random non-zero replica id.
func NewClientID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("crdt: read random client id: " + err.Error())
		}
		// Keep ids within 53 bits so they survive JSON round trips in browsers.
		id := binary.LittleEndian.Uint64(b[:]) & (1<<53 - 1)
		if id != 0 {
			return id
		}
	}
}
