// Package crdt implements the replicated document that every session and peer
// converges on: named last-writer-wins maps and named RGA texts, exchanged as
// self-contained binary updates.
//
// Merging is commutative, associative and idempotent. Two replicas that have
// applied the same set of updates, in any order and with any duplication,
// produce byte-identical EncodeState output.
//
// A Doc is not safe for concurrent use; callers serialize access.
package crdt

import (
	"sort"
)

type mapEntry struct {
	stamp   Stamp
	value   []byte
	deleted bool
}

// Entry is a live map value together with the stamp of the write that set it.
type Entry struct {
	Value []byte
	Stamp Stamp
}

// Doc is one replica of a replicated document.
type Doc struct {
	client uint64
	clock  uint64
	sv     StateVector
	maps   map[string]map[string]mapEntry
	texts  map[string]*text
}

// New returns an empty document with a random client id.
func New() *Doc {
	return NewWithClient(NewClientID())
}

// NewWithClient returns an empty document that stamps local edits with client.
func NewWithClient(client uint64) *Doc {
	if client == 0 {
		panic("crdt: client id must be non-zero")
	}
	return &Doc{
		client: client,
		sv:     StateVector{},
		maps:   make(map[string]map[string]mapEntry),
		texts:  make(map[string]*text),
	}
}

// ClientID returns the id used for local edits.
func (d *Doc) ClientID() uint64 { return d.client }

// StateVector returns a copy of the observed-clock vector.
func (d *Doc) StateVector() StateVector { return d.sv.Clone() }

func (d *Doc) tick() Stamp {
	d.clock++
	s := Stamp{Clock: d.clock, Client: d.client}
	d.sv.observe(s)
	return s
}

func (d *Doc) witness(s Stamp) {
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
	d.sv.observe(s)
}

// Apply merges a remote update. It returns the operations that changed local
// state, re-encoded as an update; the result is nil when the update was
// entirely known. A malformed update is rejected without partial application.
func (d *Doc) Apply(b []byte) ([]byte, error) {
	u, err := decodeUpdate(b)
	if err != nil {
		return nil, err
	}
	changed := &update{}
	for _, op := range u.maps {
		d.witness(op.Stamp)
		if d.applyMap(op) {
			changed.maps = append(changed.maps, op)
		}
	}
	for _, op := range u.inserts {
		d.witness(op.ID)
		if d.text(op.Text).insert(op.ID, op.Parent, op.Value) {
			changed.inserts = append(changed.inserts, op)
		}
	}
	for _, op := range u.deletes {
		d.witness(op.Stamp)
		if d.text(op.Text).remove(op.Stamp, op.Target) {
			changed.deletes = append(changed.deletes, op)
		}
	}
	return encodeUpdate(changed), nil
}

func (d *Doc) applyMap(op mapOp) bool {
	m, ok := d.maps[op.Map]
	if !ok {
		m = make(map[string]mapEntry)
		d.maps[op.Map] = m
	}
	cur, ok := m[op.Key]
	if ok && !cur.stamp.Less(op.Stamp) {
		return false
	}
	m[op.Key] = mapEntry{stamp: op.Stamp, value: op.Value, deleted: op.Deleted}
	return true
}

func (d *Doc) text(name string) *text {
	t, ok := d.texts[name]
	if !ok {
		t = newText()
		d.texts[name] = t
	}
	return t
}

// Get returns the live value for key in the named map.
func (d *Doc) Get(mapName, key string) ([]byte, bool) {
	e, ok := d.Entry(mapName, key)
	return e.Value, ok
}

// Entry returns the live value and its stamp.
func (d *Doc) Entry(mapName, key string) (Entry, bool) {
	e, ok := d.maps[mapName][key]
	if !ok || e.deleted {
		return Entry{}, false
	}
	return Entry{Value: e.value, Stamp: e.stamp}, true
}

// Keys returns the live keys of the named map in sorted order.
func (d *Doc) Keys(mapName string) []string {
	m := d.maps[mapName]
	keys := make([]string, 0, len(m))
	for k, e := range m {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Text returns the visible content of the named text.
func (d *Doc) Text(name string) string {
	t, ok := d.texts[name]
	if !ok {
		return ""
	}
	return t.String()
}

// TextLen returns the number of visible runes in the named text.
func (d *Doc) TextLen(name string) int {
	t, ok := d.texts[name]
	if !ok {
		return 0
	}
	return len(t.visible())
}

// EncodeState serializes every retained operation, tombstones included,
// in a canonical order.
func (d *Doc) EncodeState() []byte {
	return encodeUpdate(d.collect(nil))
}

// EncodeStateAsUpdate returns the operations not covered by sv. A nil sv
// yields the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	return encodeUpdate(d.collect(sv))
}

func (d *Doc) collect(sv StateVector) *update {
	u := &update{}
	skip := func(s Stamp) bool { return sv != nil && sv.Covers(s) }

	mapNames := make([]string, 0, len(d.maps))
	for name := range d.maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)
	for _, name := range mapNames {
		m := d.maps[name]
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := m[k]
			if skip(e.stamp) {
				continue
			}
			u.maps = append(u.maps, mapOp{Map: name, Key: k, Stamp: e.stamp, Value: e.value, Deleted: e.deleted})
		}
	}

	textNames := make([]string, 0, len(d.texts))
	for name := range d.texts {
		textNames = append(textNames, name)
	}
	sort.Strings(textNames)
	for _, name := range textNames {
		t := d.texts[name]
		for _, it := range t.sortedItems() {
			if skip(it.id) {
				continue
			}
			u.inserts = append(u.inserts, insertOp{Text: name, ID: it.id, Parent: it.parent, Value: it.value})
		}
		for _, del := range t.sortedDeletes() {
			if skip(del.stamp) {
				continue
			}
			u.deletes = append(u.deletes, deleteOp{Text: name, Stamp: del.stamp, Target: del.target})
		}
	}
	return u
}
