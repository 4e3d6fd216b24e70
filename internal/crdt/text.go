package crdt

import (
	"sort"
	"strings"
)

type item struct {
	id     Stamp
	parent Stamp
	value  rune
}

type tombstone struct {
	target Stamp
	stamp  Stamp
}

// text is an RGA sequence. Items are addressed by the item they were inserted
// after; siblings are ordered newest first so a later insert after the same
// parent lands closer to it. Deletes are kept separately because they may
// arrive before the item they target.
type text struct {
	items    map[Stamp]item
	deletes  map[Stamp]Stamp // target -> smallest delete stamp seen
	children map[Stamp][]Stamp
	order    []Stamp // cached visible order; nil when stale
}

func newText() *text {
	return &text{
		items:    make(map[Stamp]item),
		deletes:  make(map[Stamp]Stamp),
		children: make(map[Stamp][]Stamp),
	}
}

func (t *text) insert(id, parent Stamp, value rune) bool {
	if _, ok := t.items[id]; ok {
		return false
	}
	t.items[id] = item{id: id, parent: parent, value: value}

	sibs := t.children[parent]
	i := sort.Search(len(sibs), func(i int) bool { return sibs[i].Less(id) })
	sibs = append(sibs, Stamp{})
	copy(sibs[i+1:], sibs[i:])
	sibs[i] = id
	t.children[parent] = sibs

	t.order = nil
	return true
}

func (t *text) remove(stamp, target Stamp) bool {
	cur, ok := t.deletes[target]
	if ok && !stamp.Less(cur) {
		return false
	}
	t.deletes[target] = stamp
	t.order = nil
	return true
}

// visible returns item ids in document order, skipping tombstones and items
// whose ancestors have not arrived yet.
func (t *text) visible() []Stamp {
	if t.order != nil {
		return t.order
	}
	order := make([]Stamp, 0, len(t.items))
	stack := make([]Stamp, 0, 16)
	pushChildren := func(parent Stamp) {
		sibs := t.children[parent]
		for i := len(sibs) - 1; i >= 0; i-- {
			stack = append(stack, sibs[i])
		}
	}
	pushChildren(head)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, deleted := t.deletes[id]; !deleted {
			order = append(order, id)
		}
		pushChildren(id)
	}
	t.order = order
	return order
}

func (t *text) String() string {
	var sb strings.Builder
	for _, id := range t.visible() {
		sb.WriteRune(t.items[id].value)
	}
	return sb.String()
}

func (t *text) sortedItems() []item {
	out := make([]item, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.Less(out[j].id) })
	return out
}

func (t *text) sortedDeletes() []tombstone {
	out := make([]tombstone, 0, len(t.deletes))
	for target, stamp := range t.deletes {
		out = append(out, tombstone{target: target, stamp: stamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].target.Less(out[j].target) })
	return out
}
