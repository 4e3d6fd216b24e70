// Package relay shares document changes between server instances over a
// pub/sub bus so peers attached to different instances converge.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/starford/weave/internal/session"
	"github.com/starford/weave/internal/wire"
)

// Origin marks changes applied on behalf of another instance. They are
// broadcast locally but never published again.
const Origin = "relay"

// Message is one payload received from the bus.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages on channels matching pattern until ctx is
	// done or close is called.
	Subscribe(ctx context.Context, pattern string) (msgs <-chan Message, close func() error, err error)
}

// Resolver finds resident sessions.
type Resolver interface {
	Lookup(name string) (*session.Session, bool)
}

type outgoing struct {
	channel string
	payload []byte
}

// Relay publishes local changes and applies changes from other instances.
// It implements session.Observer.
type Relay struct {
	bus      Bus
	prefix   string
	instance string
	logger   *slog.Logger
	out      chan outgoing
}

// New creates a relay publishing on "<prefix>:<document>".
func New(bus Bus, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = "weave"
	}
	return &Relay{
		bus:      bus,
		prefix:   prefix,
		instance: uuid.NewString(),
		logger:   logger.With(slog.String("component", "relay")),
		out:      make(chan outgoing, 1024),
	}
}

// Instance returns this instance's id.
func (r *Relay) Instance() string { return r.instance }

// Changed queues a local change for publishing. Changes that arrived through
// the relay are skipped. When the queue is full the change is dropped; peers
// on other instances recover it with their next sync request.
func (r *Relay) Changed(name, origin string, kind wire.Kind, payload []byte) {
	if origin == Origin {
		return
	}
	msg := outgoing{channel: r.prefix + ":" + name, payload: r.encode(kind, payload)}
	select {
	case r.out <- msg:
	default:
		r.logger.Warn("relay queue full, dropping change", slog.String("document", name))
	}
}

// Envelope layout: { 1: instance string  2: frame bytes }.
func (r *Relay) encode(kind wire.Kind, payload []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.instance)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, wire.Encode(kind, payload))
	return b
}

var errMalformedEnvelope = errors.New("malformed envelope")

func decodeEnvelope(b []byte) (string, wire.Frame, error) {
	var instance string
	var frame []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", wire.Frame{}, errMalformedEnvelope
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", wire.Frame{}, errMalformedEnvelope
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", wire.Frame{}, errMalformedEnvelope
		}
		switch num {
		case 1:
			instance = string(v)
		case 2:
			frame = v
		}
		b = b[n:]
	}
	f, err := wire.Decode(frame)
	if err != nil {
		return "", wire.Frame{}, err
	}
	return instance, f, nil
}

// Run publishes queued changes and applies foreign ones to resident sessions
// until ctx is done.
func (r *Relay) Run(ctx context.Context, reg Resolver) error {
	msgs, closeSub, err := r.bus.Subscribe(ctx, r.prefix+":*")
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	defer func() { _ = closeSub() }()
	r.logger.Info("relay started", slog.String("instance", r.instance), slog.String("prefix", r.prefix))

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-r.out:
			if err := r.bus.Publish(ctx, o.channel, o.payload); err != nil {
				r.logger.Error("publish failed", slog.String("channel", o.channel), slog.String("error", err.Error()))
			}
		case m, ok := <-msgs:
			if !ok {
				return errors.New("relay: subscription closed")
			}
			r.apply(reg, m)
		}
	}
}

func (r *Relay) apply(reg Resolver, m Message) {
	name, ok := strings.CutPrefix(m.Channel, r.prefix+":")
	if !ok {
		return
	}
	instance, f, err := decodeEnvelope(m.Payload)
	if err != nil {
		r.logger.Warn("dropping malformed message", slog.String("channel", m.Channel), slog.String("error", err.Error()))
		return
	}
	if instance == r.instance {
		return
	}
	// Documents not resident here are read from the store when first opened.
	sess, ok := reg.Lookup(name)
	if !ok {
		return
	}
	switch f.Kind {
	case wire.KindUpdate:
		_, err = sess.ApplyRemote(Origin, f.Payload)
	case wire.KindAwareness:
		_, err = sess.ApplyAwareness(Origin, f.Payload)
	}
	if err != nil {
		r.logger.Warn("applying relayed change failed", slog.String("document", name), slog.String("error", err.Error()))
	}
}
