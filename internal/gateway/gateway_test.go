package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/starford/weave/internal/auth"
	"github.com/starford/weave/internal/awareness"
	"github.com/starford/weave/internal/crdt"
	"github.com/starford/weave/internal/fstree"
	"github.com/starford/weave/internal/peer"
	"github.com/starford/weave/internal/session"
	"github.com/starford/weave/internal/testutil"
	"github.com/starford/weave/internal/wire"
)

type env struct {
	srv   *httptest.Server
	reg   *session.Registry
	store *testutil.FlakyStore
	h     *Handler
}

func newEnv(t *testing.T, mode, token string, opts ...session.Option) *env {
	t.Helper()
	store := testutil.NewFlakyStore()
	reg := session.NewRegistry(store, testutil.Logger(), opts...)
	authn, err := auth.New(mode, token)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(reg, authn, Config{HandshakeTimeout: 200 * time.Millisecond, WriteTimeout: 500 * time.Millisecond}, testutil.Logger())
	r := chi.NewRouter()
	r.Get("/ws/*", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return &env{srv: srv, reg: reg, store: store, h: h}
}

func (e *env) url(name string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + name
}

func (e *env) dial(t *testing.T, name string, opts ...peer.Option) *peer.Client {
	t.Helper()
	c, err := peer.Dial(context.Background(), e.url(name), "", opts...)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func TestEditsReachOtherPeers(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	a := e.dial(t, "room")
	b := e.dial(t, "room")

	if err := a.Transact(func(tx *crdt.Txn) { tx.Insert("t", 0, "hello") }); err != nil {
		t.Fatal(err)
	}
	if err := b.WaitFor(waitCtx(t), func(doc *crdt.Doc) bool { return doc.Text("t") == "hello" }); err != nil {
		t.Fatalf("b never saw the edit: %v", err)
	}
	if got := e.reg.Resident(); len(got) != 1 || got[0].Refs != 2 {
		t.Errorf("resident = %+v", got)
	}
}

func TestReconnectBootstrapAfterEdits(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	a := e.dial(t, "room/file")
	for i := 0; i < 50; i++ {
		if err := a.Transact(func(tx *crdt.Txn) { tx.Insert("t", i, "x") }); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Sync(waitCtx(t)); err != nil {
		t.Fatal(err)
	}

	late := e.dial(t, "room/file")
	var text string
	late.Read(func(doc *crdt.Doc) { text = doc.Text("t") })
	if len(text) != 50 {
		t.Errorf("late joiner has %d runes, want 50", len(text))
	}
}

func TestOfflineEditsPushedOnReconnect(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	observer := e.dial(t, "room")

	first, err := peer.Dial(context.Background(), e.url("room"), "")
	if err != nil {
		t.Fatal(err)
	}
	doc := first.Doc()
	_ = first.Close()

	// Offline edits on the detached replica.
	for i := 0; i < 50; i++ {
		doc.Transact(func(tx *crdt.Txn) { tx.Set("m", fmt.Sprintf("k%d", i), []byte("v")) })
	}

	e.dial(t, "room", peer.WithDoc(doc))
	if err := observer.WaitFor(waitCtx(t), func(d *crdt.Doc) bool { return len(d.Keys("m")) == 50 }); err != nil {
		t.Fatalf("offline edits never arrived: %v", err)
	}
}

func TestConcurrentRenamesThroughServer(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	a := e.dial(t, "room")
	b := e.dial(t, "room")

	var id string
	if err := a.Mutate(func(doc *crdt.Doc) ([]byte, error) {
		n, update, err := fstree.New(doc).Create("", "orig", fstree.KindFile)
		if n != nil {
			id = n.NodeID()
		}
		return update, err
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.WaitFor(waitCtx(t), func(doc *crdt.Doc) bool { return fstree.New(doc).Node(id) != nil }); err != nil {
		t.Fatal(err)
	}

	rename := func(c *peer.Client, name string) {
		if err := c.Mutate(func(doc *crdt.Doc) ([]byte, error) { return fstree.New(doc).Rename(id, name) }); err != nil {
			t.Error(err)
		}
	}
	rename(a, "from-a")
	rename(b, "from-b")

	same := func() bool {
		var na, nb string
		a.Read(func(doc *crdt.Doc) { na = fstree.New(doc).Node(id).NodeName() })
		b.Read(func(doc *crdt.Doc) { nb = fstree.New(doc).Node(id).NodeName() })
		return na == nb && na != "orig"
	}
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, same, "renames did not converge")
}

func TestAwarenessClearedOnDisconnect(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	watcher := e.dial(t, "room")
	editor, err := peer.Dial(context.Background(), e.url("room"), "")
	if err != nil {
		t.Fatal(err)
	}

	if err := editor.SetAwareness(&awareness.State{User: "ana", Renaming: "node-1"}); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		_, ok := watcher.Awareness()[editor.ClientID()]
		return ok
	}, "watcher never saw the editor")

	// A late joiner is bootstrapped with current states.
	late := e.dial(t, "room")
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		return late.Awareness()[editor.ClientID()].Renaming == "node-1"
	}, "late joiner missing awareness")

	_ = editor.Close()
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		_, ok := watcher.Awareness()[editor.ClientID()]
		return !ok
	}, "awareness not cleared after disconnect")

	sess, ok := e.reg.Lookup("room")
	if !ok {
		t.Fatal("session gone")
	}
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		return len(sess.Locks()) == 0
	}, "rename lock survived disconnect")
}

func TestAwarenessOfAnotherConnectionIsNotCleared(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	watcher := e.dial(t, "room")
	editor := e.dial(t, "room")
	if err := editor.SetAwareness(&awareness.State{User: "ana"}); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		return watcher.Awareness()[editor.ClientID()].User == "ana"
	}, "watcher never saw the editor")

	// Another connection claims the editor's client id, then leaves.
	ws, _, err := websocket.DefaultDialer.Dial(e.url("room"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	claim, _ := awareness.Encode([]awareness.Entry{{ClientID: editor.ClientID(), Clock: 100, State: &awareness.State{User: "mallory"}}})
	if err := ws.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.KindAwareness, claim)); err != nil {
		t.Fatal(err)
	}
	_ = ws.Close()
	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		info := e.reg.Resident()
		return len(info) == 1 && info[0].Refs == 2
	}, "claiming connection still attached")

	sess, _ := e.reg.Lookup("room")
	states, _ := awareness.Decode(sess.Awareness())
	if len(states) != 1 || states[0].ClientID != editor.ClientID() || states[0].State.User != "ana" {
		t.Fatalf("states = %+v", states)
	}
	if got := watcher.Awareness()[editor.ClientID()].User; got != "ana" {
		t.Errorf("watcher sees %q", got)
	}
}

func TestDisconnectReleasesSession(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "", session.WithIdleEviction(20*time.Millisecond))
	c := e.dial(t, "room")
	if err := c.Transact(func(tx *crdt.Txn) { tx.Set("m", "k", []byte("v")) }); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	testutil.Eventually(t, 3*time.Second, 10*time.Millisecond, func() bool {
		return len(e.reg.Resident()) == 0
	}, "session not evicted after last disconnect")

	rec, err := e.store.Load(context.Background(), "room")
	if err != nil || len(rec.Updates) == 0 {
		t.Fatalf("nothing persisted: %v", err)
	}
}

func TestHandshakeRejections(t *testing.T) {
	e := newEnv(t, auth.ModeToken, "secret")
	ctx := context.Background()

	if _, err := peer.Dial(ctx, e.url("room"), "wrong"); closeCode(err) != CloseUnauthorized {
		t.Errorf("bad token: err = %v", err)
	}
	if _, err := peer.Dial(ctx, e.url("a/../b"), "secret"); closeCode(err) != CloseBadName {
		t.Errorf("bad name: err = %v", err)
	}

	// No credentials at all: the handshake times out.
	if _, err := peer.Dial(ctx, e.url("room"), ""); closeCode(err) != CloseUnauthorized {
		t.Errorf("missing token: err = %v", err)
	}

	c, err := peer.Dial(ctx, e.url("room"), "secret", peer.WithAuthFrame())
	if err != nil {
		t.Fatalf("auth frame rejected: %v", err)
	}
	_ = c.Close()

	c, err = peer.Dial(ctx, e.url("room")+"?token=secret", "")
	if err != nil {
		t.Fatalf("query token rejected: %v", err)
	}
	_ = c.Close()
}

func TestLoadFailureClosesWith4503(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	e.store.FailLoad(true)
	_, err := peer.Dial(context.Background(), e.url("room"), "")
	if closeCode(err) != CloseUnavailable {
		t.Fatalf("err = %v", err)
	}
	if len(e.reg.Resident()) != 0 {
		t.Error("failed load registered a session")
	}
}

func TestSlowLoadFailsHandshakeInTime(t *testing.T) {
	e := newEnv(t, auth.ModeToken, "secret")
	e.store.SlowLoad(2 * time.Second)

	start := time.Now()
	_, err := peer.Dial(context.Background(), e.url("room"), "secret")
	if closeCode(err) != CloseUnavailable {
		t.Fatalf("err = %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("handshake took %v", waited)
	}
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "", session.WithQueueSize(2))
	fast := e.dial(t, "room")

	// A raw client that never reads.
	ws, _, err := websocket.DefaultDialer.Dial(e.url("room"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	big := []byte(strings.Repeat("x", 64<<10))
	for i := 0; i < 400; i++ {
		if err := fast.Transact(func(tx *crdt.Txn) { tx.Set("m", "blob", big) }); err != nil {
			t.Fatal(err)
		}
	}
	testutil.Eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		info := e.reg.Resident()
		return len(info) == 1 && info[0].Refs == 1
	}, "slow peer still attached")
}

func TestMalformedUpdateClosesConnection(t *testing.T) {
	e := newEnv(t, auth.ModeDisabled, "")
	ws, _, err := websocket.DefaultDialer.Dial(e.url("room"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.KindUpdate, []byte{0xff})); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if closeCode(err) != websocket.CloseInvalidFramePayloadData {
				t.Errorf("err = %v", err)
			}
			return
		}
	}
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"room":          true,
		"room/01HZX":    true,
		"":              false,
		"room/":         false,
		"/room":         false,
		"room/../other": false,
		"./room":        false,
	} {
		if got := validName(name); got != want {
			t.Errorf("validName(%q) = %v", name, got)
		}
	}
}
