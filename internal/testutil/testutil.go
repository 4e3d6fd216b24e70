// Package testutil provides shared test helpers for stores, loggers and
// asynchronous assertions.
package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/weave/internal/storage"
)

// ErrInjected is returned by a FlakyStore operation that was told to fail.
var ErrInjected = errors.New("injected failure")

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// TestFS creates a file-system store in a temporary directory.
func TestFS(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// FlakyStore wraps a Store, counts loads and fails operations on demand.
type FlakyStore struct {
	storage.Store

	Loads atomic.Int64

	mu         sync.Mutex
	failLoad   bool
	failAppend bool
	loadDelay  time.Duration
}

// NewFlakyStore wraps an in-memory store.
func NewFlakyStore() *FlakyStore {
	return &FlakyStore{Store: storage.NewMemory()}
}

// FailLoad toggles load failures.
func (f *FlakyStore) FailLoad(v bool) {
	f.mu.Lock()
	f.failLoad = v
	f.mu.Unlock()
}

// FailAppend toggles append failures.
func (f *FlakyStore) FailAppend(v bool) {
	f.mu.Lock()
	f.failAppend = v
	f.mu.Unlock()
}

// SlowLoad delays every load by d.
func (f *FlakyStore) SlowLoad(d time.Duration) {
	f.mu.Lock()
	f.loadDelay = d
	f.mu.Unlock()
}

func (f *FlakyStore) Load(ctx context.Context, name string) (*storage.Record, error) {
	f.Loads.Add(1)
	f.mu.Lock()
	fail, delay := f.failLoad, f.loadDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, ErrInjected
	}
	return f.Store.Load(ctx, name)
}

func (f *FlakyStore) Append(ctx context.Context, name string, update []byte) error {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Store.Append(ctx, name, update)
}
