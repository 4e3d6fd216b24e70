// Package session keeps live replicated documents in memory, routes updates
// between the connections attached to them and persists their history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/awareness"
	"github.com/starford/weave/internal/crdt"
	"github.com/starford/weave/internal/fanout"
	"github.com/starford/weave/internal/storage"
	"github.com/starford/weave/internal/wire"
)

// Observer is told about every change a session accepts, after it has been
// merged and broadcast locally. It is called with the session lock held and
// must not block.
type Observer interface {
	Changed(name, origin string, kind wire.Kind, payload []byte)
}

// Session is one resident document.
//
// mu serializes merges, local mutations and the capture of pending updates.
// Broadcasts are published while mu is held, so every subscriber sees changes
// in the order they were applied.
type Session struct {
	name     string
	store    storage.Store
	logger   *slog.Logger
	observer Observer
	broker   *fanout.Broker
	reg      *Registry

	mu           sync.Mutex
	doc          *crdt.Doc
	aware        *awareness.Set
	pending      [][]byte
	logSize      int
	createdAt    time.Time
	lastActivity time.Time

	flushMu   sync.Mutex
	discarded bool // guarded by mu

	// guarded by reg.mu
	refs  int
	timer *time.Timer
}

// Info is a point-in-time description of a resident session.
type Info struct {
	Name         string    `json:"name"`
	Refs         int       `json:"refs"`
	Clients      int       `json:"clients"`
	Dirty        bool      `json:"dirty"`
	Pending      int       `json:"pending"`
	LogSize      int       `json:"log_size"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func newSession(name string, store storage.Store, queueSize int, logger *slog.Logger, observer Observer) *Session {
	now := time.Now()
	s := &Session{
		name:         name,
		store:        store,
		logger:       logger.With(slog.String("document", name)),
		observer:     observer,
		doc:          crdt.New(),
		aware:        awareness.NewSet(),
		createdAt:    now,
		lastActivity: now,
	}
	s.broker = fanout.NewBroker(queueSize, func(id string) {
		s.logger.Warn("dropping slow connection", slog.String("conn", id))
	})
	return s
}

// load replays the persisted record into the fresh document.
func (s *Session) load(ctx context.Context) error {
	rec, err := s.store.Load(ctx, s.name)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: load %s: %w: %w", s.name, apperr.ErrLoadFailure, err)
	}
	if len(rec.Snapshot) > 0 {
		if _, err := s.doc.Apply(rec.Snapshot); err != nil {
			return fmt.Errorf("session: load %s snapshot: %w: %w", s.name, apperr.ErrLoadFailure, err)
		}
	}
	for i, u := range rec.Updates {
		if _, err := s.doc.Apply(u); err != nil {
			return fmt.Errorf("session: load %s update %d: %w: %w", s.name, i, apperr.ErrLoadFailure, err)
		}
	}
	s.logSize = len(rec.Updates)
	return nil
}

// Name returns the document name.
func (s *Session) Name() string { return s.name }

// ApplyRemote merges an update received from origin and broadcasts the part
// that was new to every other subscriber. It returns that delta, which is
// empty when the update was already known.
func (s *Session) ApplyRemote(origin string, update []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta, err := s.doc.Apply(update)
	if err != nil {
		return nil, fmt.Errorf("session: apply to %s: %w", s.name, err)
	}
	if len(delta) == 0 {
		return nil, nil
	}
	s.record(origin, delta)
	return delta, nil
}

// Mutate runs a server-side change against the document. fn returns the
// update it produced, which is broadcast to every subscriber.
func (s *Session) Mutate(fn func(doc *crdt.Doc) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	update, err := fn(s.doc)
	if err != nil {
		return nil, err
	}
	if len(update) == 0 {
		return nil, nil
	}
	s.record("", update)
	return update, nil
}

func (s *Session) record(origin string, update []byte) {
	s.pending = append(s.pending, update)
	s.lastActivity = time.Now()
	s.broker.Publish(fanout.Frame{Origin: origin, Data: wire.Encode(wire.KindUpdate, update)})
	if s.observer != nil {
		s.observer.Changed(s.name, origin, wire.KindUpdate, update)
	}
}

// Read gives fn read access to the document under the session lock.
func (s *Session) Read(fn func(doc *crdt.Doc)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

// ApplyAwareness merges awareness entries from origin and relays the ones
// that changed the set to the other subscribers. Entries for clients owned
// by another origin are dropped. It returns the accepted entries.
func (s *Session) ApplyAwareness(origin string, payload []byte) ([]awareness.Entry, error) {
	entries, err := awareness.Decode(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	accepted := s.aware.ApplyFrom(origin, entries)
	if len(accepted) == 0 {
		return nil, nil
	}
	relayed, err := awareness.Encode(accepted)
	if err != nil {
		return nil, err
	}
	s.lastActivity = time.Now()
	s.broker.Publish(fanout.Frame{Origin: origin, Data: wire.Encode(wire.KindAwareness, relayed)})
	if s.observer != nil {
		s.observer.Changed(s.name, origin, wire.KindAwareness, relayed)
	}
	return accepted, nil
}

// Awareness returns the encoded states of every live client, or nil when
// there are none.
func (s *Session) Awareness() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.aware.Entries()
	if len(entries) == 0 {
		return nil
	}
	b, _ := awareness.Encode(entries)
	return b
}

// Locks returns the current rename locks, node id to client id.
func (s *Session) Locks() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aware.Locks()
}

// Snapshot encodes the full document state.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EncodeState()
}

// Diff encodes everything the holder of sv has not seen.
func (s *Session) Diff(sv crdt.StateVector) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EncodeStateAsUpdate(sv)
}

// Subscribe attaches a connection to the broadcast stream.
func (s *Session) Subscribe(connID string) <-chan []byte {
	return s.broker.Subscribe(connID)
}

// Unsubscribe detaches a connection.
func (s *Session) Unsubscribe(connID string) {
	s.broker.Unsubscribe(connID)
}

// Release gives back a reference obtained from Registry.Acquire.
func (s *Session) Release() error {
	return s.reg.release(s)
}

// Dirty reports whether some accepted updates are not yet persisted.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Flush appends every pending update to the store as one record. Pending
// updates are captured under the session lock and written outside it; on
// failure they stay pending for the next attempt.
func (s *Session) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	discarded := s.discarded
	s.mu.Unlock()
	if len(batch) == 0 || discarded {
		return nil
	}

	if err := s.store.Append(ctx, s.name, crdt.MergeUpdates(batch...)); err != nil {
		return fmt.Errorf("session: flush %s: %w: %w", s.name, apperr.ErrFlushFailure, err)
	}

	s.mu.Lock()
	s.pending = s.pending[len(batch):]
	s.logSize++
	s.mu.Unlock()
	return nil
}

// Compact replaces the persisted history with a single snapshot.
func (s *Session) Compact(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.doc.EncodeState()
	captured := len(s.pending)
	s.mu.Unlock()

	if err := s.store.Compact(ctx, s.name, snapshot); err != nil {
		return fmt.Errorf("session: compact %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.pending = s.pending[captured:]
	s.logSize = 0
	s.mu.Unlock()
	s.logger.Debug("compacted", slog.Int("snapshot_bytes", len(snapshot)))
	return nil
}

func (s *Session) needsCompaction(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return threshold > 0 && s.logSize >= threshold
}

func (s *Session) info(refs int) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:         s.name,
		Refs:         refs,
		Clients:      s.broker.ClientCount(),
		Dirty:        len(s.pending) > 0,
		Pending:      len(s.pending),
		LogSize:      s.logSize,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) close() {
	s.broker.Close()
}

// discard waits for a flush or compaction in progress, then drops unflushed
// changes and turns later flushes into no-ops.
func (s *Session) discard() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	s.pending = nil
	s.discarded = true
	s.mu.Unlock()
}
