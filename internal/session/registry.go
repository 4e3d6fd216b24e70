package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/sse"
	"github.com/starford/weave/internal/storage"
)

// EventSink receives document lifecycle events.
type EventSink interface {
	PublishDocumentEvent(kind, name string, refs int)
}

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("registry closed")

// Registry maps document names to resident sessions and reference-counts
// them. A session with no references is flushed and evicted after the idle
// timeout.
type Registry struct {
	store  storage.Store
	logger *slog.Logger

	idle             time.Duration
	flushInterval    time.Duration
	compactThreshold int
	queueSize        int
	observer         Observer
	events           EventSink

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	erasing  map[string]chan struct{}
	erasures uint64
	closed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleEviction sets how long an unreferenced session stays resident.
func WithIdleEviction(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

// WithFlushInterval sets the period of the background flush loop.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Registry) { r.flushInterval = d }
}

// WithCompactThreshold compacts a document once this many records were
// appended since its last snapshot. Zero disables compaction.
func WithCompactThreshold(n int) Option {
	return func(r *Registry) { r.compactThreshold = n }
}

// WithQueueSize bounds each connection's outbound queue.
func WithQueueSize(n int) Option {
	return func(r *Registry) { r.queueSize = n }
}

// WithObserver registers an observer for every accepted change.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithEvents publishes lifecycle events to sink.
func WithEvents(sink EventSink) Option {
	return func(r *Registry) { r.events = sink }
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store storage.Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:            store,
		logger:           logger.With(slog.String("component", "registry")),
		idle:             5 * time.Minute,
		flushInterval:    2 * time.Second,
		compactThreshold: 500,
		queueSize:        256,
		sessions:         make(map[string]*Session),
		erasing:          make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the session for name, loading it from the store on first
// use, and takes a reference on it. Concurrent first acquisitions share one
// load, which keeps running when a caller's ctx ends first; that caller gets
// the ctx error and holds no reference. When loading fails nothing is
// registered and the error wraps apperr.ErrLoadFailure.
func (r *Registry) Acquire(ctx context.Context, name string) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if wait, busy := r.erasing[name]; busy {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("session: acquire %s: %w", name, ctx.Err())
			}
		}
		if s, ok := r.sessions[name]; ok {
			s.refs++
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		ch := r.group.DoChan(name, func() (any, error) {
			return r.create(context.WithoutCancel(ctx), name)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("session: acquire %s: %w", name, ctx.Err())
		}
	}
}

func (r *Registry) create(ctx context.Context, name string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if _, busy := r.erasing[name]; busy {
		r.mu.Unlock()
		return nil, nil
	}
	epoch := r.erasures
	r.mu.Unlock()

	s := newSession(name, r.store, r.queueSize, r.logger, r.observer)
	s.reg = r
	if err := s.load(ctx); err != nil {
		s.close()
		r.logger.Error("load failed", slog.String("document", name), slog.String("error", err.Error()))
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.close()
		return nil, ErrClosed
	}
	if r.erasures != epoch {
		// Loaded before an erase finished; Acquire retries with a fresh load.
		s.close()
		return nil, nil
	}
	r.sessions[name] = s
	// Unreferenced until an acquirer claims it; every waiter may have given up.
	s.timer = time.AfterFunc(r.idle, func() { r.evictIdle(s) })
	r.logger.Debug("session created", slog.String("document", name))
	r.publish(sse.KindCreated, name, 0)
	return s, nil
}

// Release gives back one reference on name.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: release %s: %w", name, apperr.ErrOverRelease)
	}
	return r.release(s)
}

func (r *Registry) release(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.refs == 0 {
		return fmt.Errorf("session: release %s: %w", s.name, apperr.ErrOverRelease)
	}
	s.refs--
	if s.refs == 0 && r.sessions[s.name] == s && !r.closed {
		s.timer = time.AfterFunc(r.idle, func() { r.evictIdle(s) })
	}
	return nil
}

// evictIdle flushes s and removes it if it is still unreferenced afterwards.
// The session stays registered during the flush so a concurrent Acquire
// reuses it instead of loading a stale copy.
func (r *Registry) evictIdle(s *Session) {
	r.mu.Lock()
	if r.sessions[s.name] != s || s.refs > 0 {
		r.mu.Unlock()
		return
	}
	s.timer = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.Flush(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.name] != s || s.refs > 0 {
		return
	}
	if err != nil || s.Dirty() {
		if err != nil {
			r.logger.Error("flush before eviction failed", slog.String("document", s.name), slog.String("error", err.Error()))
		}
		if !r.closed {
			s.timer = time.AfterFunc(r.idle, func() { r.evictIdle(s) })
		}
		return
	}
	delete(r.sessions, s.name)
	s.close()
	r.logger.Debug("session evicted", slog.String("document", s.name))
	r.publish(sse.KindEvicted, s.name, 0)
}

// Evict removes name immediately regardless of references, flushing it
// first. Attached connections are disconnected.
func (r *Registry) Evict(ctx context.Context, name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.Flush(ctx)
	s.close()
	r.publish(sse.KindEvicted, name, 0)
	return err
}

// Erase drops name without flushing it, then runs erase. Attached
// connections are disconnected, and Acquire for name waits until erase has
// returned so nobody reloads the history being erased.
func (r *Registry) Erase(ctx context.Context, name string, erase func(ctx context.Context) error) error {
	r.mu.Lock()
	for {
		wait, busy := r.erasing[name]
		if !busy {
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("session: erase %s: %w", name, ctx.Err())
		}
		r.mu.Lock()
	}
	done := make(chan struct{})
	r.erasing[name] = done
	r.erasures++
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.erasing, name)
		r.mu.Unlock()
		close(done)
	}()

	if ok {
		s.discard()
		s.close()
		r.logger.Debug("session discarded", slog.String("document", name))
		r.publish(sse.KindEvicted, name, 0)
	}
	return erase(ctx)
}

// Lookup returns the resident session for name without taking a reference.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Resident describes every resident session, ordered by name.
func (r *Registry) Resident() []Info {
	r.mu.Lock()
	type ref struct {
		s    *Session
		refs int
	}
	list := make([]ref, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, ref{s, s.refs})
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, e := range list {
		out = append(out, e.s.info(e.refs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) snapshotSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// FlushAll flushes every dirty session and compacts the ones whose log grew
// past the threshold. Failures are logged and retried on the next call.
func (r *Registry) FlushAll(ctx context.Context) {
	for _, s := range r.snapshotSessions() {
		if s.Dirty() {
			if err := s.Flush(ctx); err != nil {
				r.logger.Error("flush failed", slog.String("document", s.name), slog.String("error", err.Error()))
				continue
			}
			r.publish(sse.KindFlushed, s.name, 0)
		}
		if s.needsCompaction(r.compactThreshold) {
			if err := s.Compact(ctx); err != nil {
				r.logger.Error("compaction failed", slog.String("document", s.name), slog.String("error", err.Error()))
			}
		}
	}
}

// Run flushes periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.FlushAll(ctx)
		}
	}
}

// Close flushes every resident session synchronously and drops them all.
// Acquire fails afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		sessions = append(sessions, s)
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		s.close()
	}
	r.logger.Info("registry closed", slog.Int("sessions", len(sessions)))
	return errors.Join(errs...)
}

func (r *Registry) publish(kind, name string, refs int) {
	if r.events != nil {
		r.events.PublishDocumentEvent(kind, name, refs)
	}
}
