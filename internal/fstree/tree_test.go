package fstree

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/crdt"
)

func replica(t *testing.T, client uint64, opts ...Option) (*crdt.Doc, *Tree) {
	t.Helper()
	doc := crdt.NewWithClient(client)
	return doc, New(doc, opts...)
}

func sync2(t *testing.T, a, b *crdt.Doc) {
	t.Helper()
	if _, err := b.Apply(a.EncodeState()); err != nil {
		t.Fatalf("apply a->b: %v", err)
	}
	if _, err := a.Apply(b.EncodeState()); err != nil {
		t.Fatalf("apply b->a: %v", err)
	}
}

func mustCreate(t *testing.T, tr *Tree, parent, name string, kind Kind) Node {
	t.Helper()
	n, update, err := tr.Create(parent, name, kind)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if len(update) == 0 {
		t.Fatalf("create %s produced no update", name)
	}
	return n
}

func names(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.NodeName())
	}
	return out
}

func TestCreateAndChildren(t *testing.T) {
	_, tr := replica(t, 1)
	src := mustCreate(t, tr, "", "src", KindFolder)
	main := mustCreate(t, tr, src.NodeID(), "main.go", KindFile)
	mustCreate(t, tr, src.NodeID(), "util.go", KindFile)

	f, ok := main.(*File)
	if !ok {
		t.Fatalf("expected *File, got %T", main)
	}
	if f.ContentRef == "" || f.ContentRef == f.ID {
		t.Errorf("content ref = %q", f.ContentRef)
	}

	got := names(tr.Children(src.NodeID()))
	if len(got) != 2 || got[0] != "main.go" || got[1] != "util.go" {
		t.Errorf("children = %v", got)
	}
	folder := tr.Node(src.NodeID()).(*Folder)
	if len(folder.Children) != 2 {
		t.Errorf("folder children = %v", folder.Children)
	}
	if p, _ := tr.Path(main.NodeID()); p != "src/main.go" {
		t.Errorf("path = %q", p)
	}
	if n := tr.Resolve("/src/util.go"); n == nil || n.NodeName() != "util.go" {
		t.Errorf("resolve = %v", n)
	}
	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}

	var visited []string
	tr.Walk(func(n Node, depth int) bool {
		visited = append(visited, n.NodeName())
		return true
	})
	if len(visited) != 3 || visited[0] != "src" {
		t.Errorf("walk = %v", visited)
	}
	if len(tr.Roots()) != 1 {
		t.Errorf("roots = %v", names(tr.Roots()))
	}
}

func TestCreateInvalidParent(t *testing.T) {
	_, tr := replica(t, 1)
	file := mustCreate(t, tr, "", "a.txt", KindFile)

	if _, _, err := tr.Create("missing", "x", KindFile); !errors.Is(err, apperr.ErrInvalidParent) {
		t.Errorf("missing parent: err = %v", err)
	}
	if _, _, err := tr.Create(file.NodeID(), "x", KindFile); !errors.Is(err, apperr.ErrInvalidParent) {
		t.Errorf("file parent: err = %v", err)
	}
}

func TestRename(t *testing.T) {
	_, tr := replica(t, 1)
	n := mustCreate(t, tr, "", "old", KindFile)
	if _, err := tr.Rename(n.NodeID(), "new"); err != nil {
		t.Fatal(err)
	}
	if got := tr.Node(n.NodeID()).NodeName(); got != "new" {
		t.Errorf("name = %q", got)
	}
	if _, err := tr.Rename("nope", "x"); !errors.Is(err, apperr.ErrNodeNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMoveAppendsAndRejectsCycles(t *testing.T) {
	_, tr := replica(t, 1)
	a := mustCreate(t, tr, "", "a", KindFolder)
	b := mustCreate(t, tr, a.NodeID(), "b", KindFolder)
	c := mustCreate(t, tr, "", "c", KindFolder)
	mustCreate(t, tr, c.NodeID(), "first", KindFile)

	if _, err := tr.Move(a.NodeID(), b.NodeID()); !errors.Is(err, apperr.ErrCyclicMove) {
		t.Errorf("move into descendant: err = %v", err)
	}
	if _, err := tr.Move(a.NodeID(), a.NodeID()); !errors.Is(err, apperr.ErrCyclicMove) {
		t.Errorf("move into self: err = %v", err)
	}

	if _, err := tr.Move(b.NodeID(), c.NodeID()); err != nil {
		t.Fatal(err)
	}
	got := names(tr.Children(c.NodeID()))
	if len(got) != 2 || got[1] != "b" {
		t.Errorf("children of c = %v", got)
	}
	if len(tr.Children(a.NodeID())) != 0 {
		t.Errorf("b still listed under a")
	}
	if _, err := tr.Move(b.NodeID(), ""); err != nil {
		t.Fatal(err)
	}
	if tr.Node(b.NodeID()).Parent() != "" {
		t.Errorf("b not at root")
	}
	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestMoveFileIntoItself(t *testing.T) {
	_, tr := replica(t, 1)
	f := mustCreate(t, tr, "", "f.txt", KindFile)
	if _, err := tr.Move(f.NodeID(), f.NodeID()); !errors.Is(err, apperr.ErrCyclicMove) {
		t.Errorf("err = %v, want ErrCyclicMove", err)
	}
}

func TestRemoteEmptyIDIsIgnored(t *testing.T) {
	doc, tr := replica(t, 1)
	keep := mustCreate(t, tr, "", "keep", KindFolder)

	remote := crdt.NewWithClient(2)
	update := remote.Transact(func(tx *crdt.Txn) {
		tx.Set(MapName, ".type", []byte(KindFolder))
		tx.Set(MapName, ".name", []byte("evil"))
		tx.Set(MapName, ".parent", []byte(""))
	})
	if _, err := doc.Apply(update); err != nil {
		t.Fatal(err)
	}

	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}
	nested := tr.Nested()
	if len(nested) != 1 || nested[0].ID != keep.NodeID() {
		t.Fatalf("nested = %+v", nested)
	}
	visited := 0
	tr.Walk(func(Node, int) bool {
		visited++
		return visited < 10
	})
	if visited != 1 {
		t.Errorf("walk visited %d nodes", visited)
	}
	if tr.Node("") != nil {
		t.Error("empty id resolved to a node")
	}
}

func TestRemoteSelfParentIsRerooted(t *testing.T) {
	doc, tr := replica(t, 1)

	remote := crdt.NewWithClient(2)
	update := remote.Transact(func(tx *crdt.Txn) {
		tx.Set(MapName, "loop.type", []byte(KindFolder))
		tx.Set(MapName, "loop.name", []byte("loop"))
		tx.Set(MapName, "loop.parent", []byte("loop"))
	})
	if _, err := doc.Apply(update); err != nil {
		t.Fatal(err)
	}

	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := names(tr.Children("")); len(got) != 1 || got[0] != "loop" {
		t.Errorf("root children = %v", got)
	}
	if n := len(tr.Nested()); n != 1 {
		t.Errorf("nested has %d entries", n)
	}
}

func TestDeleteRecursive(t *testing.T) {
	_, tr := replica(t, 1)
	root := mustCreate(t, tr, "", "root", KindFolder)
	sub := mustCreate(t, tr, root.NodeID(), "sub", KindFolder)
	f1 := mustCreate(t, tr, sub.NodeID(), "f1", KindFile).(*File)
	f2 := mustCreate(t, tr, root.NodeID(), "f2", KindFile).(*File)
	keep := mustCreate(t, tr, "", "keep", KindFile)

	update, refs, err := tr.DeleteRecursive(root.NodeID())
	if err != nil {
		t.Fatal(err)
	}
	if len(update) == 0 {
		t.Fatal("empty delete update")
	}
	if len(refs) != 2 {
		t.Errorf("refs = %v", refs)
	}
	for _, id := range []string{root.NodeID(), sub.NodeID(), f1.ID, f2.ID} {
		if tr.Node(id) != nil {
			t.Errorf("%s survived delete", id)
		}
	}
	if tr.Node(keep.NodeID()) == nil {
		t.Error("unrelated node deleted")
	}
	if _, _, err := tr.DeleteRecursive(root.NodeID()); !errors.Is(err, apperr.ErrNodeNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestDeleteIsOneUpdate(t *testing.T) {
	a, ta := replica(t, 1)
	b, tb := replica(t, 2)
	dir := mustCreate(t, ta, "", "dir", KindFolder)
	for i := 0; i < 5; i++ {
		mustCreate(t, ta, dir.NodeID(), "f", KindFile)
	}
	sync2(t, a, b)

	update, _, err := ta.DeleteRecursive(dir.NodeID())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Apply(update); err != nil {
		t.Fatal(err)
	}
	if len(tb.Nodes()) != 0 {
		t.Errorf("remote replica still has %d nodes", len(tb.Nodes()))
	}
}

func TestConcurrentRenamesConverge(t *testing.T) {
	a, ta := replica(t, 1)
	b, tb := replica(t, 2)
	n := mustCreate(t, ta, "", "orig", KindFile)
	sync2(t, a, b)

	if _, err := ta.Rename(n.NodeID(), "alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.Rename(n.NodeID(), "beta"); err != nil {
		t.Fatal(err)
	}
	sync2(t, a, b)

	na, nb := ta.Node(n.NodeID()).NodeName(), tb.Node(n.NodeID()).NodeName()
	if na != nb {
		t.Fatalf("diverged: %q vs %q", na, nb)
	}
	if na != "alpha" && na != "beta" {
		t.Errorf("name = %q", na)
	}
}

func TestConcurrentDeleteAndDelete(t *testing.T) {
	a, ta := replica(t, 1)
	b, tb := replica(t, 2)
	dir := mustCreate(t, ta, "", "dir", KindFolder)
	mustCreate(t, ta, dir.NodeID(), "child", KindFile)
	sync2(t, a, b)

	if _, _, err := ta.DeleteRecursive(dir.NodeID()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tb.DeleteRecursive(dir.NodeID()); err != nil {
		t.Fatal(err)
	}
	sync2(t, a, b)
	if len(ta.Nodes()) != 0 || len(tb.Nodes()) != 0 {
		t.Errorf("nodes left: %d %d", len(ta.Nodes()), len(tb.Nodes()))
	}
}

func TestRenameLosesToDelete(t *testing.T) {
	a, ta := replica(t, 1)
	b, tb := replica(t, 2)
	n := mustCreate(t, ta, "", "x", KindFile)
	sync2(t, a, b)

	if _, _, err := ta.DeleteRecursive(n.NodeID()); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.Rename(n.NodeID(), "y"); err != nil {
		t.Fatal(err)
	}
	sync2(t, a, b)
	if ta.Node(n.NodeID()) != nil || tb.Node(n.NodeID()) != nil {
		t.Error("renamed node resurrected after delete")
	}
}

func TestCreateUnderConcurrentlyDeletedParent(t *testing.T) {
	for _, tc := range []struct {
		name    string
		policy  OrphanPolicy
		visible bool
	}{
		{"to root", OrphansToRoot, true},
		{"hidden", OrphansHidden, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a, ta := replica(t, 1, WithOrphanPolicy(tc.policy))
			b, tb := replica(t, 2, WithOrphanPolicy(tc.policy))
			dir := mustCreate(t, ta, "", "dir", KindFolder)
			sync2(t, a, b)

			if _, _, err := ta.DeleteRecursive(dir.NodeID()); err != nil {
				t.Fatal(err)
			}
			child := mustCreate(t, tb, dir.NodeID(), "late.txt", KindFile)
			sync2(t, a, b)

			for _, tr := range []*Tree{ta, tb} {
				n := tr.Node(child.NodeID())
				if (n != nil) != tc.visible {
					t.Fatalf("visible = %v, want %v", n != nil, tc.visible)
				}
				if n != nil && n.Parent() != "" {
					t.Errorf("orphan parent = %q", n.Parent())
				}
				if err := tr.Validate(); err != nil {
					t.Fatal(err)
				}
			}
		})
	}
}

func TestConcurrentMovesFormingCycle(t *testing.T) {
	a, ta := replica(t, 1)
	b, tb := replica(t, 2)
	x := mustCreate(t, ta, "", "x", KindFolder)
	y := mustCreate(t, ta, "", "y", KindFolder)
	sync2(t, a, b)

	if _, err := ta.Move(x.NodeID(), y.NodeID()); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.Move(y.NodeID(), x.NodeID()); err != nil {
		t.Fatal(err)
	}
	sync2(t, a, b)

	for _, tr := range []*Tree{ta, tb} {
		if err := tr.Validate(); err != nil {
			t.Fatal(err)
		}
		if len(tr.Children("")) != 1 {
			t.Errorf("roots = %v", names(tr.Children("")))
		}
	}
	if ta.Node(x.NodeID()).Parent() != tb.Node(x.NodeID()).Parent() {
		t.Error("replicas broke the cycle differently")
	}
}

func TestRandomOpsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	docs := make([]*crdt.Doc, 3)
	trees := make([]*Tree, 3)
	for i := range docs {
		docs[i], trees[i] = replica(t, uint64(i+1))
	}

	for round := 0; round < 40; round++ {
		for i, tr := range trees {
			nodes := tr.Nodes()
			pick := func() string {
				if len(nodes) == 0 || rng.Intn(4) == 0 {
					return ""
				}
				return nodes[rng.Intn(len(nodes))].NodeID()
			}
			switch op := rng.Intn(5); {
			case op <= 1 || len(nodes) == 0:
				kind := KindFolder
				if rng.Intn(2) == 0 {
					kind = KindFile
				}
				_, _, _ = tr.Create(pick(), "n", kind)
			case op == 2:
				_, _ = tr.Move(nodes[rng.Intn(len(nodes))].NodeID(), pick())
			case op == 3:
				_, _ = tr.Rename(nodes[rng.Intn(len(nodes))].NodeID(), "r")
			default:
				if rng.Intn(3) == 0 {
					_, _, _ = tr.DeleteRecursive(nodes[rng.Intn(len(nodes))].NodeID())
				}
			}
			if err := tr.Validate(); err != nil {
				t.Fatalf("round %d replica %d: %v", round, i, err)
			}
		}
		if round%5 == 4 {
			for i := range docs {
				for j := range docs {
					if i != j {
						if _, err := docs[j].Apply(docs[i].EncodeState()); err != nil {
							t.Fatal(err)
						}
					}
				}
			}
			for i, tr := range trees {
				if err := tr.Validate(); err != nil {
					t.Fatalf("after sync replica %d: %v", i, err)
				}
				if len(tr.Nodes()) != len(trees[0].Nodes()) {
					t.Fatalf("replica %d has %d nodes, replica 0 has %d", i, len(tr.Nodes()), len(trees[0].Nodes()))
				}
			}
		}
	}
}
