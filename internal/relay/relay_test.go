package relay

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/weave/internal/awareness"
	"github.com/starford/weave/internal/crdt"
	"github.com/starford/weave/internal/session"
	"github.com/starford/weave/internal/testutil"
	"github.com/starford/weave/internal/wire"
)

// memBus delivers every publish to every matching subscriber.
type memBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Message
	published int
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]chan Message)}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	for pattern, chans := range b.subs {
		if !strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*")) {
			continue
		}
		for _, ch := range chans {
			ch <- Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, pattern string) (<-chan Message, func() error, error) {
	ch := make(chan Message, 1024)
	b.mu.Lock()
	b.subs[pattern] = append(b.subs[pattern], ch)
	b.mu.Unlock()
	return ch, func() error { return nil }, nil
}

func (b *memBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

type instance struct {
	reg   *session.Registry
	relay *Relay
}

func startInstance(t *testing.T, ctx context.Context, bus Bus) *instance {
	t.Helper()
	rl := New(bus, "test", testutil.Logger())
	reg := session.NewRegistry(testutil.NewFlakyStore(), testutil.Logger(), session.WithObserver(rl))
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	started := make(chan struct{})
	go func() {
		close(started)
		_ = rl.Run(ctx, reg)
	}()
	<-started
	return &instance{reg: reg, relay: rl}
}

func TestRelayAppliesForeignChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newMemBus()
	a := startInstance(t, ctx, bus)
	b := startInstance(t, ctx, bus)
	time.Sleep(20 * time.Millisecond)

	sa, _ := a.reg.Acquire(ctx, "room")
	defer sa.Release()
	sb, _ := b.reg.Acquire(ctx, "room")
	defer sb.Release()
	local := sb.Subscribe("conn-on-b")

	client := crdt.NewWithClient(42)
	update := client.Transact(func(tx *crdt.Txn) { tx.Set("m", "k", []byte("v")) })
	if _, err := sa.ApplyRemote("conn-on-a", update); err != nil {
		t.Fatal(err)
	}

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		var v []byte
		sb.Read(func(doc *crdt.Doc) { v, _ = doc.Get("m", "k") })
		return string(v) == "v"
	}, "instance b never applied the change")

	select {
	case msg := <-local:
		if f, _ := wire.Decode(msg); f.Kind != wire.KindUpdate {
			t.Errorf("local connection got %v", f.Kind)
		}
	case <-time.After(time.Second):
		t.Error("relayed change not broadcast to local connections")
	}

	// b must not publish the relayed change back.
	time.Sleep(50 * time.Millisecond)
	if got := bus.count(); got != 1 {
		t.Errorf("bus saw %d publishes, want 1", got)
	}
}

func TestRelayAwareness(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newMemBus()
	a := startInstance(t, ctx, bus)
	b := startInstance(t, ctx, bus)
	time.Sleep(20 * time.Millisecond)

	sa, _ := a.reg.Acquire(ctx, "room")
	defer sa.Release()
	sb, _ := b.reg.Acquire(ctx, "room")
	defer sb.Release()

	payload, _ := awareness.Encode([]awareness.Entry{{ClientID: 5, Clock: 1, State: &awareness.State{Renaming: "n1"}}})
	if _, err := sa.ApplyAwareness("conn", payload); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return sb.Locks()["n1"] == 5
	}, "awareness not relayed")
}

func TestRelaySkipsNonResident(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newMemBus()
	a := startInstance(t, ctx, bus)
	b := startInstance(t, ctx, bus)
	time.Sleep(20 * time.Millisecond)

	sa, _ := a.reg.Acquire(ctx, "room")
	defer sa.Release()
	_, _ = sa.Mutate(func(doc *crdt.Doc) ([]byte, error) {
		return doc.Transact(func(tx *crdt.Txn) { tx.Set("m", "k", []byte("v")) }), nil
	})
	time.Sleep(50 * time.Millisecond)
	if _, ok := b.reg.Lookup("room"); ok {
		t.Error("relay made a document resident")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	r := New(newMemBus(), "", testutil.Logger())
	instance, f, err := decodeEnvelope(r.encode(wire.KindAwareness, []byte("[]")))
	if err != nil {
		t.Fatal(err)
	}
	if instance != r.Instance() || f.Kind != wire.KindAwareness || string(f.Payload) != "[]" {
		t.Errorf("got %q %v %q", instance, f.Kind, f.Payload)
	}
	if _, _, err := decodeEnvelope([]byte{0xff}); err == nil {
		t.Error("garbage accepted")
	}
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("WEAVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WEAVE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialRedis(ctx, addr, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	bus := NewRedisBus(client)
	msgs, closeSub, err := bus.Subscribe(ctx, "weave-test:*")
	if err != nil {
		t.Fatal(err)
	}
	defer closeSub()
	if err := bus.Publish(ctx, "weave-test:doc", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-msgs:
		if m.Channel != "weave-test:doc" || string(m.Payload) != "hello" {
			t.Errorf("got %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("no message from redis")
	}
}
