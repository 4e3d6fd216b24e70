// Package awareness carries ephemeral per-client state (presence, cursor,
// rename soft locks). It is relayed between peers but never persisted.
package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Cursor is a selection inside one text document.
type Cursor struct {
	Document string `json:"document"`
	Anchor   int    `json:"anchor"`
	Head     int    `json:"head"`
}

// State is what one client advertises about itself.
type State struct {
	User   string  `json:"user,omitempty"`
	Color  string  `json:"color,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
	// Renaming holds the id of the tree node the client is renaming, if any.
	Renaming string `json:"renaming,omitempty"`
}

// Entry is one client's state at a given clock. A nil State removes the client.
type Entry struct {
	ClientID uint64 `json:"client_id"`
	Clock    uint64 `json:"clock"`
	State    *State `json:"state"`
}

// Encode serializes entries as an awareness frame payload.
func Encode(entries []Entry) ([]byte, error) {
	return json.Marshal(entries)
}

// Decode parses an awareness frame payload.
func Decode(b []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("awareness: decode: %w", err)
	}
	return entries, nil
}

// ClearMessage returns a payload that removes every client in clocks, which
// maps client id to the last clock seen for it.
func ClearMessage(clocks map[uint64]uint64) []byte {
	entries := make([]Entry, 0, len(clocks))
	for id, clock := range clocks {
		entries = append(entries, Entry{ClientID: id, Clock: clock + 1})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	b, _ := Encode(entries)
	return b
}

// maxTombstones bounds how many removed clients are remembered.
const maxTombstones = 1024

// Set holds the latest known entry per live client, the origin that
// announced it, and the clocks of recently removed clients. Not safe for
// concurrent use.
type Set struct {
	entries    map[uint64]Entry
	owners     map[uint64]string
	tombstones map[uint64]uint64
	removed    []uint64 // tombstone ids, oldest first
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{
		entries:    make(map[uint64]Entry),
		owners:     make(map[uint64]string),
		tombstones: make(map[uint64]uint64),
	}
}

// Apply merges entries from an anonymous origin and returns the ids whose
// state changed.
func (s *Set) Apply(entries []Entry) []uint64 {
	accepted := s.ApplyFrom("", entries)
	ids := make([]uint64, 0, len(accepted))
	for _, e := range accepted {
		ids = append(ids, e.ClientID)
	}
	return ids
}

// ApplyFrom merges entries announced by origin and returns the ones that
// changed the set. An entry is accepted when its clock is newer than the
// stored one; a removal is also accepted at an equal clock so a clear always
// wins over a stale state. A live client belongs to the origin that first
// announced it and entries for it from any other origin are ignored.
// Removed clients are dropped, keeping only their last clock.
func (s *Set) ApplyFrom(origin string, entries []Entry) []Entry {
	var accepted []Entry
	for _, e := range entries {
		cur, live := s.entries[e.ClientID]
		if live && s.owners[e.ClientID] != origin {
			continue
		}
		clock, known := cur.Clock, live
		if !live {
			clock, known = s.tombstones[e.ClientID]
		}
		if known && (e.Clock < clock || (e.Clock == clock && e.State != nil)) {
			continue
		}

		if e.State == nil {
			s.bury(e.ClientID, e.Clock)
			if live {
				delete(s.entries, e.ClientID)
				delete(s.owners, e.ClientID)
				accepted = append(accepted, e)
			}
			continue
		}
		delete(s.tombstones, e.ClientID)
		s.entries[e.ClientID] = e
		s.owners[e.ClientID] = origin
		accepted = append(accepted, e)
	}
	return accepted
}

func (s *Set) bury(id, clock uint64) {
	if _, ok := s.tombstones[id]; !ok {
		s.removed = append(s.removed, id)
	}
	s.tombstones[id] = clock
	for len(s.removed) > maxTombstones {
		oldest := s.removed[0]
		s.removed = s.removed[1:]
		if _, live := s.entries[oldest]; !live {
			delete(s.tombstones, oldest)
		}
	}
}

// Len returns how many clients the set remembers, live or removed.
func (s *Set) Len() int {
	return len(s.entries) + len(s.tombstones)
}

// States returns the live state of every client.
func (s *Set) States() map[uint64]State {
	out := make(map[uint64]State, len(s.entries))
	for id, e := range s.entries {
		if e.State != nil {
			out[id] = *e.State
		}
	}
	return out
}

// Entries returns the live entries sorted by client id, for bootstrapping a
// newly attached peer.
func (s *Set) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.State != nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Locks maps each node under rename to the client holding the soft lock.
// When two clients claim the same node the lower client id is reported.
func (s *Set) Locks() map[string]uint64 {
	out := make(map[string]uint64)
	for id, e := range s.entries {
		if e.State == nil || e.State.Renaming == "" {
			continue
		}
		if holder, ok := out[e.State.Renaming]; !ok || id < holder {
			out[e.State.Renaming] = id
		}
	}
	return out
}

// LockedBy reports which client, other than self, holds the rename lock on nodeID.
func (s *Set) LockedBy(nodeID string, self uint64) (uint64, bool) {
	var holder uint64
	found := false
	for id, e := range s.entries {
		if id == self || e.State == nil || e.State.Renaming != nodeID {
			continue
		}
		if !found || id < holder {
			holder, found = id, true
		}
	}
	return holder, found
}
