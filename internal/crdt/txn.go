package crdt

// Txn collects local edits into a single update. Edits are visible to reads on
// the document as soon as they are made.
type Txn struct {
	doc *Doc
	u   update
}

// Transact runs fn and returns the resulting update, or nil if fn made no edits.
func (d *Doc) Transact(fn func(tx *Txn)) []byte {
	tx := &Txn{doc: d}
	fn(tx)
	return encodeUpdate(&tx.u)
}

// Doc returns the document under edit, for reads inside a transaction.
func (tx *Txn) Doc() *Doc { return tx.doc }

// Set writes value under key in the named map.
func (tx *Txn) Set(mapName, key string, value []byte) {
	op := mapOp{Map: mapName, Key: key, Stamp: tx.doc.tick(), Value: append([]byte(nil), value...)}
	tx.doc.applyMap(op)
	tx.u.maps = append(tx.u.maps, op)
}

// Delete tombstones key in the named map. Deleting a missing key is a no-op.
func (tx *Txn) Delete(mapName, key string) {
	if _, ok := tx.doc.Entry(mapName, key); !ok {
		return
	}
	op := mapOp{Map: mapName, Key: key, Stamp: tx.doc.tick(), Deleted: true}
	tx.doc.applyMap(op)
	tx.u.maps = append(tx.u.maps, op)
}

// Insert places s before the rune currently at index. An index past the end
// appends.
func (tx *Txn) Insert(textName string, index int, s string) {
	t := tx.doc.text(textName)
	vis := t.visible()
	if index > len(vis) {
		index = len(vis)
	}
	parent := head
	if index > 0 {
		parent = vis[index-1]
	}
	for _, r := range s {
		id := tx.doc.tick()
		t.insert(id, parent, r)
		tx.u.inserts = append(tx.u.inserts, insertOp{Text: textName, ID: id, Parent: parent, Value: r})
		parent = id
	}
}

// Remove deletes up to length runes starting at index.
func (tx *Txn) Remove(textName string, index, length int) {
	t := tx.doc.text(textName)
	vis := t.visible()
	if index < 0 || index >= len(vis) || length <= 0 {
		return
	}
	end := index + length
	if end > len(vis) {
		end = len(vis)
	}
	targets := append([]Stamp(nil), vis[index:end]...)
	for _, target := range targets {
		stamp := tx.doc.tick()
		t.remove(stamp, target)
		tx.u.deletes = append(tx.u.deletes, deleteOp{Text: textName, Stamp: stamp, Target: target})
	}
}
