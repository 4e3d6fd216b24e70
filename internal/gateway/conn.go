package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/awareness"
	"github.com/starford/weave/internal/crdt"
	"github.com/starford/weave/internal/session"
	"github.com/starford/weave/internal/wire"
)

type state int32

const (
	stateHandshaking state = iota
	stateAttached
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAttached:
		return "attached"
	default:
		return "closed"
	}
}

var errUnexpectedFrame = fmt.Errorf("expected auth frame: %w", apperr.ErrHandshakeRejected)

// conn is one websocket connection. The read loop runs on the serving
// goroutine; writePump is the only writer after attach.
type conn struct {
	id     string
	ws     *websocket.Conn
	h      *Handler
	logger *slog.Logger

	state   state
	sess    *session.Session
	out     <-chan []byte
	replies chan []byte
	done    chan struct{}

	// awareness clients owned by this connection, id -> last clock
	clocks map[uint64]uint64

	closeOnce sync.Once
}

func (c *conn) serve(ctx context.Context, name, token string) {
	defer c.close()

	if err := c.handshake(ctx, name, token); err != nil {
		return
	}
	defer c.detach()

	go c.writePump()
	c.readLoop()
}

// handshake authenticates and attaches within cfg.HandshakeTimeout. On
// failure the socket is closed with a code describing the reason.
func (c *conn) handshake(ctx context.Context, name, token string) error {
	cfg := c.h.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	if !validName(name) {
		c.reject(CloseBadName, "invalid document name")
		return fmt.Errorf("gateway: document %q: %w", name, apperr.ErrInvalidName)
	}

	if c.h.authn.Enabled() {
		if token == "" {
			var err error
			if token, err = c.readAuthFrame(ctx); err != nil {
				c.logger.Info("handshake rejected", slog.String("document", name), slog.String("error", err.Error()))
				c.reject(CloseUnauthorized, "authentication required")
				return err
			}
		}
		if _, err := c.h.authn.ValidateCredentials(ctx, token, name); err != nil {
			c.logger.Info("handshake rejected", slog.String("document", name), slog.String("error", err.Error()))
			c.reject(CloseUnauthorized, "unauthorized")
			return err
		}
	}

	sess, err := c.h.reg.Acquire(ctx, name)
	if err != nil {
		c.logger.Error("attach failed", slog.String("document", name), slog.String("error", err.Error()))
		c.reject(CloseUnavailable, "document unavailable")
		return err
	}
	c.sess = sess
	c.logger = c.logger.With(slog.String("document", name))

	// Subscribe before taking the snapshot so nothing falls between them.
	c.out = sess.Subscribe(c.id)
	c.replies = make(chan []byte, 16)
	c.done = make(chan struct{})

	if err := c.write(wire.Encode(wire.KindSyncResponse, sess.Snapshot())); err != nil {
		return c.abortAttach(err)
	}
	if states := sess.Awareness(); states != nil {
		if err := c.write(wire.Encode(wire.KindAwareness, states)); err != nil {
			return c.abortAttach(err)
		}
	}
	c.state = stateAttached
	c.logger.Debug("attached")
	return nil
}

func (c *conn) abortAttach(err error) error {
	c.sess.Unsubscribe(c.id)
	if rerr := c.sess.Release(); rerr != nil {
		c.logger.Error("release failed", slog.String("error", rerr.Error()))
	}
	return err
}

func (c *conn) readAuthFrame(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	f, err := wire.Decode(msg)
	if err != nil {
		return "", err
	}
	if f.Kind != wire.KindAuth {
		return "", errUnexpectedFrame
	}
	return string(f.Payload), nil
}

func (c *conn) readLoop() {
	cfg := c.h.cfg
	pongWait := 2 * cfg.PingInterval
	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := wire.Decode(msg)
		if err != nil {
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		if err := c.handle(f); err != nil {
			c.logger.Warn("closing connection", slog.String("kind", f.Kind.String()), slog.String("error", err.Error()))
			c.closeWith(websocket.CloseInvalidFramePayloadData, "invalid payload")
			return
		}
	}
}

func (c *conn) handle(f wire.Frame) error {
	switch f.Kind {
	case wire.KindUpdate, wire.KindSyncResponse:
		_, err := c.sess.ApplyRemote(c.id, f.Payload)
		return err
	case wire.KindAwareness:
		entries, err := c.sess.ApplyAwareness(c.id, f.Payload)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.State == nil {
				delete(c.clocks, e.ClientID)
				continue
			}
			c.clocks[e.ClientID] = e.Clock
		}
	case wire.KindSyncRequest:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			return err
		}
		c.reply(wire.Encode(wire.KindSyncResponse, c.sess.Diff(sv)))
	case wire.KindAuth:
		// Late or repeated credentials are ignored once attached.
	default:
		c.logger.Debug("ignoring frame", slog.String("kind", f.Kind.String()))
	}
	return nil
}

func (c *conn) reply(b []byte) {
	select {
	case c.replies <- b:
	case <-c.done:
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				// Dropped for overflowing its queue, or the session was evicted.
				c.closeWith(websocket.CloseTryAgainLater, "disconnected")
				return
			}
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.h.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// detach runs once the read loop ends: it stops the writer, clears the
// awareness states this connection announced and gives back the session.
func (c *conn) detach() {
	prev := c.state
	c.state = stateClosed
	close(c.done)
	c.sess.Unsubscribe(c.id)
	if len(c.clocks) > 0 {
		if _, err := c.sess.ApplyAwareness(c.id, awareness.ClearMessage(c.clocks)); err != nil {
			c.logger.Error("awareness clear failed", slog.String("error", err.Error()))
		}
	}
	if err := c.sess.Release(); err != nil {
		c.logger.Error("release failed", slog.String("error", err.Error()))
	}
	c.logger.Debug("detached", slog.String("from", prev.String()))
}

func (c *conn) reject(code int, reason string) {
	c.state = stateClosed
	c.closeWith(code, reason)
}

func (c *conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(c.h.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}
