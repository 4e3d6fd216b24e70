// Package storage persists the update history of replicated documents.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/checksum"
)

// Record is everything persisted for one document: an optional compacted
// snapshot followed by the updates appended since.
type Record struct {
	Snapshot  []byte
	Updates   [][]byte
	UpdatedAt time.Time
}

// Store is the persistence adapter for document update logs.
// All operations are scoped to a single document name.
type Store interface {
	// Load returns the persisted record, or apperr.ErrNotFound when none exists.
	Load(ctx context.Context, name string) (*Record, error)
	// Append durably adds one update to the log before returning.
	Append(ctx context.Context, name string, update []byte) error
	// Compact replaces the snapshot and the whole log with snapshot.
	Compact(ctx context.Context, name string, snapshot []byte) error
	// Clear removes every trace of the document.
	Clear(ctx context.Context, name string) error
	// Names lists stored document names starting with prefix.
	Names(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFS       = "fs"
	DriverMemory   = "memory"
)

// Open constructs the store for driver. dsn is a file path for sqlite,
// a connection string for postgres and a directory for fs.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverFS:
		return NewFS(dsn)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}

// verifySnapshot checks a stored snapshot against its recorded digest.
func verifySnapshot(name string, snapshot []byte, sum string) error {
	if !checksum.Verify(snapshot, sum) {
		return fmt.Errorf("storage: %s: snapshot checksum mismatch: %w", name, apperr.ErrCorrupt)
	}
	return nil
}

func hasPrefix(name, prefix string) bool {
	return prefix == "" || strings.HasPrefix(name, prefix)
}
