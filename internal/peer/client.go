// Package peer is a websocket client that keeps a local replica of one
// document in sync with a server.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starford/weave/internal/awareness"
	"github.com/starford/weave/internal/crdt"
	"github.com/starford/weave/internal/wire"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("peer: connection closed")

type options struct {
	doc        *crdt.Doc
	authFrame  bool
	dialer     *websocket.Dialer
	syncWindow time.Duration
}

// Option configures Dial.
type Option func(*options)

// WithDoc reuses an existing replica, e.g. to reconnect after offline edits.
// Local changes the server lacks are pushed once attached.
func WithDoc(doc *crdt.Doc) Option {
	return func(o *options) { o.doc = doc }
}

// WithAuthFrame sends the token as the first frame instead of an
// Authorization header.
func WithAuthFrame() Option {
	return func(o *options) { o.authFrame = true }
}

// WithSyncTimeout bounds how long Dial waits for the initial state.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) { o.syncWindow = d }
}

// Client is one connection plus its replica.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	doc       *crdt.Doc
	aware     *awareness.Set
	clock     uint64
	responses int
	changed   chan struct{}

	done chan struct{}
	err  error
}

// Dial connects to url (ws://host/ws/<name>), waits for the initial state and
// pushes whatever the local replica has that the server does not.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	o := options{dialer: websocket.DefaultDialer, syncWindow: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.doc == nil {
		o.doc = crdt.New()
	}

	header := http.Header{}
	if token != "" && !o.authFrame {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := o.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", url, err)
	}

	c := &Client{
		ws:      ws,
		doc:     o.doc,
		aware:   awareness.NewSet(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if o.authFrame {
		if err := c.send(wire.KindAuth, []byte(token)); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	go c.readLoop()

	waitCtx, cancel := context.WithTimeout(ctx, o.syncWindow)
	defer cancel()
	if err := c.WaitFor(waitCtx, func(*crdt.Doc) bool { return c.responses > 0 }); err != nil {
		_ = c.Close()
		if cerr := c.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("peer: waiting for initial state: %w", err)
	}

	c.mu.Lock()
	local := c.doc.EncodeState()
	c.mu.Unlock()
	if err := c.send(wire.KindUpdate, local); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.notify()
			c.mu.Unlock()
			return
		}
		f, err := wire.Decode(msg)
		if err != nil {
			continue
		}
		c.mu.Lock()
		switch f.Kind {
		case wire.KindUpdate, wire.KindSyncResponse:
			if _, err := c.doc.Apply(f.Payload); err == nil && f.Kind == wire.KindSyncResponse {
				c.responses++
			}
		case wire.KindAwareness:
			if entries, err := awareness.Decode(f.Payload); err == nil {
				c.aware.Apply(entries)
			}
		}
		c.notify()
		c.mu.Unlock()
	}
}

// notify wakes every WaitFor caller. Callers hold c.mu.
func (c *Client) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) send(kind wire.Kind, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, wire.Encode(kind, payload)); err != nil {
		return fmt.Errorf("peer: send %s: %w", kind, err)
	}
	return nil
}

// ClientID is the replica's document client id, also used for awareness.
func (c *Client) ClientID() uint64 {
	return c.doc.ClientID()
}

// Doc returns the replica. Use it only while the client is closed, or
// through Read and Mutate.
func (c *Client) Doc() *crdt.Doc {
	return c.doc
}

// Transact applies local edits and sends the resulting update.
func (c *Client) Transact(fn func(tx *crdt.Txn)) error {
	c.mu.Lock()
	update := c.doc.Transact(fn)
	c.mu.Unlock()
	if update == nil {
		return nil
	}
	return c.send(wire.KindUpdate, update)
}

// Mutate runs fn against the replica and sends the update it returns.
func (c *Client) Mutate(fn func(doc *crdt.Doc) ([]byte, error)) error {
	c.mu.Lock()
	update, err := fn(c.doc)
	c.mu.Unlock()
	if err != nil || len(update) == 0 {
		return err
	}
	return c.send(wire.KindUpdate, update)
}

// Read gives fn read access to the replica.
func (c *Client) Read(fn func(doc *crdt.Doc)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.doc)
}

// Sync asks the server for everything the replica lacks and waits for the
// answer.
func (c *Client) Sync(ctx context.Context) error {
	c.mu.Lock()
	sv := crdt.EncodeStateVector(c.doc.StateVector())
	want := c.responses + 1
	c.mu.Unlock()
	if err := c.send(wire.KindSyncRequest, sv); err != nil {
		return err
	}
	return c.WaitFor(ctx, func(*crdt.Doc) bool { return c.responses >= want })
}

// SetAwareness announces state, or withdraws it when state is nil.
func (c *Client) SetAwareness(state *awareness.State) error {
	c.mu.Lock()
	c.clock++
	entries := []awareness.Entry{{ClientID: c.doc.ClientID(), Clock: c.clock, State: state}}
	c.aware.Apply(entries)
	c.mu.Unlock()
	payload, err := awareness.Encode(entries)
	if err != nil {
		return err
	}
	return c.send(wire.KindAwareness, payload)
}

// Awareness returns the states of every known client.
func (c *Client) Awareness() map[uint64]awareness.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aware.States()
}

// WaitFor blocks until cond holds for the replica, the connection closes or
// ctx is done. cond runs with the replica locked.
func (c *Client) WaitFor(ctx context.Context, cond func(doc *crdt.Doc) bool) error {
	for {
		c.mu.Lock()
		if cond(c.doc) {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-c.done:
			c.mu.Lock()
			ok := cond(c.doc)
			c.mu.Unlock()
			if ok {
				return nil
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if it has ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CloseCode returns the close code the server sent, or 0.
func (c *Client) CloseCode() int {
	var ce *websocket.CloseError
	if errors.As(c.Err(), &ce) {
		return ce.Code
	}
	return 0
}

// Close ends the connection and waits for the read loop to stop.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
