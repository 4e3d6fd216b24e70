package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/starford/weave/internal/apperr"
)

// Memory is a process-local Store. It is used in tests and in ephemeral mode.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*Record)}
}

func (m *Memory) Load(_ context.Context, name string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.docs[name]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	out := &Record{
		Snapshot:  append([]byte(nil), rec.Snapshot...),
		Updates:   make([][]byte, len(rec.Updates)),
		UpdatedAt: rec.UpdatedAt,
	}
	for i, u := range rec.Updates {
		out.Updates[i] = append([]byte(nil), u...)
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, name string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(name)
	rec.Updates = append(rec.Updates, append([]byte(nil), update...))
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Compact(_ context.Context, name string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(name)
	rec.Snapshot = append([]byte(nil), snapshot...)
	rec.Updates = nil
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Clear(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, name)
	return nil
}

func (m *Memory) Names(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.docs {
		if hasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) record(name string) *Record {
	rec, ok := m.docs[name]
	if !ok {
		rec = &Record{}
		m.docs[name] = rec
	}
	return rec
}
