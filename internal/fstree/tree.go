// Package fstree overlays a file/folder hierarchy on a replicated document map.
//
// Every node is stored as separate per-field keys in the "fs" map:
//
//	<id>.type     "file" | "folder"   (tombstoned on delete)
//	<id>.name     display name
//	<id>.parent   parent folder id, "" for root level
//	<id>.content  content document ref (files only)
//
// Children lists are not stored. A folder's children are the nodes whose
// effective parent is that folder, ordered by the stamp of the write that put
// them there, so an id appears in exactly one children list and a move is an
// append to the new parent. Each mutation is one document transaction and
// therefore one atomic update for every peer.
package fstree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/crdt"
)

// MapName is the document map that holds the tree.
const MapName = "fs"

const (
	fieldType    = ".type"
	fieldName    = ".name"
	fieldParent  = ".parent"
	fieldContent = ".content"
)

// OrphanPolicy decides how a node is shown when its parent no longer exists,
// which happens when a create or move races a recursive delete.
type OrphanPolicy int

const (
	// OrphansToRoot surfaces orphaned subtrees at the root level.
	OrphansToRoot OrphanPolicy = iota
	// OrphansHidden treats orphaned subtrees as deleted in every read.
	OrphansHidden
)

// Option configures a Tree.
type Option func(*Tree)

// WithOrphanPolicy overrides the default OrphansToRoot.
func WithOrphanPolicy(p OrphanPolicy) Option {
	return func(t *Tree) { t.orphans = p }
}

// Tree reads and edits the hierarchy stored in doc. It holds no state of its
// own; callers serialize access to doc.
type Tree struct {
	doc     *crdt.Doc
	orphans OrphanPolicy
}

// New binds a tree to doc.
func New(doc *crdt.Doc, opts ...Option) *Tree {
	t := &Tree{doc: doc}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type record struct {
	id          string
	kind        Kind
	name        string
	content     string
	parent      string
	parentStamp crdt.Stamp
}

// view is a normalized snapshot of the tree: effective parents resolved,
// orphans handled by policy, cycles broken.
type view struct {
	nodes    map[string]*record
	children map[string][]string // "" is the root
}

func (t *Tree) load() *view {
	v := &view{nodes: make(map[string]*record), children: make(map[string][]string)}
	for _, key := range t.doc.Keys(MapName) {
		id, ok := strings.CutSuffix(key, fieldType)
		if !ok || id == "" {
			// "" is the root sentinel and never names a node.
			continue
		}
		kind, _ := t.doc.Get(MapName, key)
		r := &record{id: id, kind: Kind(kind)}
		if name, ok := t.doc.Get(MapName, id+fieldName); ok {
			r.name = string(name)
		}
		if content, ok := t.doc.Get(MapName, id+fieldContent); ok {
			r.content = string(content)
		}
		if e, ok := t.doc.Entry(MapName, id+fieldParent); ok {
			r.parent = string(e.Value)
			r.parentStamp = e.Stamp
		}
		v.nodes[id] = r
	}

	var orphaned []string
	for id, r := range v.nodes {
		if r.parent == "" {
			continue
		}
		p, ok := v.nodes[r.parent]
		if !ok || p.kind != KindFolder {
			orphaned = append(orphaned, id)
		}
	}
	for _, id := range orphaned {
		v.nodes[id].parent = ""
	}
	v.breakCycles()

	if t.orphans == OrphansHidden && len(orphaned) > 0 {
		hidden := make(map[string]bool)
		for _, id := range orphaned {
			hidden[id] = true
		}
		// Drop every node whose ancestry reaches an orphan.
		for id := range v.nodes {
			for cur := id; cur != ""; cur = v.nodes[cur].parent {
				if hidden[cur] {
					hidden[id] = true
					break
				}
			}
		}
		for id := range hidden {
			delete(v.nodes, id)
		}
	}

	for id, r := range v.nodes {
		v.children[r.parent] = append(v.children[r.parent], id)
	}
	for parent, ids := range v.children {
		sort.Slice(ids, func(i, j int) bool {
			return v.nodes[ids[i]].parentStamp.Less(v.nodes[ids[j]].parentStamp)
		})
		v.children[parent] = ids
	}
	return v
}

// breakCycles detaches one member of every parent cycle, created by
// concurrent moves, to the root. The member whose parent was written last is
// chosen so every replica breaks the cycle the same way.
func (v *view) breakCycles() {
	done := make(map[string]bool, len(v.nodes))
	ids := make([]string, 0, len(v.nodes))
	for id := range v.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, start := range ids {
		pos := make(map[string]int)
		var path []string
		cur := start
		for cur != "" && !done[cur] {
			if i, seen := pos[cur]; seen {
				cycle := path[i:]
				latest := cycle[0]
				for _, id := range cycle[1:] {
					if v.nodes[latest].parentStamp.Less(v.nodes[id].parentStamp) {
						latest = id
					}
				}
				v.nodes[latest].parent = ""
				break
			}
			pos[cur] = len(path)
			path = append(path, cur)
			cur = v.nodes[cur].parent
		}
		for _, id := range path {
			done[id] = true
		}
	}
}

func (v *view) node(id string) Node {
	r, ok := v.nodes[id]
	if !ok {
		return nil
	}
	if r.kind == KindFolder {
		return &Folder{ID: r.id, Name: r.name, ParentID: r.parent, Children: append([]string{}, v.children[id]...)}
	}
	return &File{ID: r.id, Name: r.name, ParentID: r.parent, ContentRef: r.content}
}

// isAncestor reports whether anc is id itself or one of its ancestors.
func (v *view) isAncestor(anc, id string) bool {
	for cur := id; cur != ""; {
		if cur == anc {
			return true
		}
		r, ok := v.nodes[cur]
		if !ok {
			return false
		}
		cur = r.parent
	}
	return false
}

func (v *view) closure(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		out = append(out, v.children[out[i]]...)
	}
	return out
}

// NewID returns a fresh, lexically sortable node id.
func NewID() string {
	return ulid.Make().String()
}

// Create inserts a node under parentID ("" for the root level). Files get a
// fresh content ref. It fails with apperr.ErrInvalidParent unless parentID is
// empty or names an existing folder.
func (t *Tree) Create(parentID, name string, kind Kind) (Node, []byte, error) {
	if kind != KindFile && kind != KindFolder {
		return nil, nil, fmt.Errorf("fstree: unknown kind %q", kind)
	}
	v := t.load()
	if parentID != "" {
		p, ok := v.nodes[parentID]
		if !ok || p.kind != KindFolder {
			return nil, nil, fmt.Errorf("fstree: create under %s: %w", parentID, apperr.ErrInvalidParent)
		}
	}

	id := NewID()
	var contentRef string
	if kind == KindFile {
		contentRef = NewID()
	}
	update := t.doc.Transact(func(tx *crdt.Txn) {
		tx.Set(MapName, id+fieldType, []byte(kind))
		tx.Set(MapName, id+fieldName, []byte(name))
		tx.Set(MapName, id+fieldParent, []byte(parentID))
		if kind == KindFile {
			tx.Set(MapName, id+fieldContent, []byte(contentRef))
		}
	})
	if kind == KindFolder {
		return &Folder{ID: id, Name: name, ParentID: parentID, Children: []string{}}, update, nil
	}
	return &File{ID: id, Name: name, ParentID: parentID, ContentRef: contentRef}, update, nil
}

// Rename sets the node's name. Sibling name collisions are allowed; concurrent
// renames resolve to the write the document orders last.
func (t *Tree) Rename(id, name string) ([]byte, error) {
	v := t.load()
	if _, ok := v.nodes[id]; !ok {
		return nil, fmt.Errorf("fstree: rename %s: %w", id, apperr.ErrNodeNotFound)
	}
	return t.doc.Transact(func(tx *crdt.Txn) {
		tx.Set(MapName, id+fieldName, []byte(name))
	}), nil
}

// Move reparents id under newParentID ("" for the root level), appending it
// to the new parent's children. Moving a node into itself or one of its
// descendants fails with apperr.ErrCyclicMove.
func (t *Tree) Move(id, newParentID string) ([]byte, error) {
	v := t.load()
	if _, ok := v.nodes[id]; !ok {
		return nil, fmt.Errorf("fstree: move %s: %w", id, apperr.ErrNodeNotFound)
	}
	if id == newParentID {
		return nil, fmt.Errorf("fstree: move %s into itself: %w", id, apperr.ErrCyclicMove)
	}
	if newParentID != "" {
		p, ok := v.nodes[newParentID]
		if !ok || p.kind != KindFolder {
			return nil, fmt.Errorf("fstree: move %s under %s: %w", id, newParentID, apperr.ErrInvalidParent)
		}
		if v.isAncestor(id, newParentID) {
			return nil, fmt.Errorf("fstree: move %s under %s: %w", id, newParentID, apperr.ErrCyclicMove)
		}
	}
	return t.doc.Transact(func(tx *crdt.Txn) {
		tx.Set(MapName, id+fieldParent, []byte(newParentID))
	}), nil
}

// DeleteRecursive removes id and all of its descendants in one update.
// It returns the content refs of the removed files so their documents can be
// cleared.
func (t *Tree) DeleteRecursive(id string) ([]byte, []string, error) {
	v := t.load()
	if _, ok := v.nodes[id]; !ok {
		return nil, nil, fmt.Errorf("fstree: delete %s: %w", id, apperr.ErrNodeNotFound)
	}
	members := v.closure(id)
	var refs []string
	update := t.doc.Transact(func(tx *crdt.Txn) {
		for _, m := range members {
			if c := v.nodes[m].content; c != "" {
				refs = append(refs, c)
			}
			tx.Delete(MapName, m+fieldType)
			tx.Delete(MapName, m+fieldName)
			tx.Delete(MapName, m+fieldParent)
			tx.Delete(MapName, m+fieldContent)
		}
	})
	return update, refs, nil
}

// Node returns the node with id, or nil.
func (t *Tree) Node(id string) Node {
	return t.load().node(id)
}

// Children returns the ordered children of parentID ("" for the root level).
func (t *Tree) Children(parentID string) []Node {
	v := t.load()
	ids := v.children[parentID]
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.node(id))
	}
	return out
}

// Roots returns the root-level nodes.
func (t *Tree) Roots() []Node {
	return t.Children("")
}

// Walk visits every node depth-first in children order. Returning false from
// fn skips the node's subtree.
func (t *Tree) Walk(fn func(n Node, depth int) bool) {
	v := t.load()
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, id := range v.children[parent] {
			if fn(v.node(id), depth) {
				walk(id, depth+1)
			}
		}
	}
	walk("", 0)
}

// Nodes returns every visible node, ordered by id.
func (t *Tree) Nodes() []Node {
	v := t.load()
	ids := make([]string, 0, len(v.nodes))
	for id := range v.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.node(id))
	}
	return out
}

// Path returns the slash-joined names from the root down to id.
func (t *Tree) Path(id string) (string, bool) {
	v := t.load()
	if _, ok := v.nodes[id]; !ok {
		return "", false
	}
	var parts []string
	for cur := id; cur != ""; cur = v.nodes[cur].parent {
		parts = append(parts, v.nodes[cur].name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), true
}

// Resolve finds a node by slash-separated names. With duplicate sibling names
// the first in children order wins.
func (t *Tree) Resolve(path string) Node {
	v := t.load()
	parent := ""
	var found string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		found = ""
		for _, id := range v.children[parent] {
			if v.nodes[id].name == part {
				found = id
				break
			}
		}
		if found == "" {
			return nil
		}
		parent = found
	}
	return v.node(found)
}

// Nested renders the whole tree from the root level down.
func (t *Tree) Nested() []*Entry {
	v := t.load()
	var build func(parent string) []*Entry
	build = func(parent string) []*Entry {
		ids := v.children[parent]
		out := make([]*Entry, 0, len(ids))
		for _, id := range ids {
			r := v.nodes[id]
			e := &Entry{ID: id, Name: r.name, Kind: r.kind, ContentRef: r.content}
			if r.kind == KindFolder {
				e.Children = build(id)
			}
			out = append(out, e)
		}
		return out
	}
	return build("")
}

// ContentRefs returns the content ref of every visible file.
func (t *Tree) ContentRefs() []string {
	v := t.load()
	var refs []string
	for _, r := range v.nodes {
		if r.content != "" {
			refs = append(refs, r.content)
		}
	}
	sort.Strings(refs)
	return refs
}

// Validate checks the structural invariants of the normalized tree: every
// non-root node is listed exactly once in its parent's children, nothing is
// its own ancestor, and files have no children.
func (t *Tree) Validate() error {
	v := t.load()
	seen := make(map[string]int)
	for parent, ids := range v.children {
		if parent != "" {
			p, ok := v.nodes[parent]
			if !ok {
				return fmt.Errorf("fstree: children listed under missing node %s", parent)
			}
			if p.kind == KindFile {
				return fmt.Errorf("fstree: file %s has children", parent)
			}
		}
		for _, id := range ids {
			seen[id]++
			if v.nodes[id].parent != parent {
				return fmt.Errorf("fstree: %s listed under %s but parent is %s", id, parent, v.nodes[id].parent)
			}
		}
	}
	for id := range v.nodes {
		if id == "" {
			return fmt.Errorf("fstree: node with empty id")
		}
		if seen[id] != 1 {
			return fmt.Errorf("fstree: %s listed %d times", id, seen[id])
		}
		steps := 0
		for cur := v.nodes[id].parent; cur != ""; cur = v.nodes[cur].parent {
			if cur == id || steps > len(v.nodes) {
				return fmt.Errorf("fstree: %s is its own ancestor", id)
			}
			steps++
		}
	}
	return nil
}
