package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/checksum"
)

const (
	snapshotFile = "snapshot.bin"
	logFile      = "log.bin"
)

// FS implements Store on the local file system. Each document gets its own
// directory holding a checksummed snapshot and an append-only update log of
// length-prefixed records.
type FS struct {
	root string // absolute path to the data directory

	mu sync.Mutex
}

// NewFS creates a new FS store rooted at the given directory, creating it if needed.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// docDir maps a document name to its directory. Names are path-escaped so a
// name can never address anything outside root.
func (f *FS) docDir(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("storage: empty document name")
	}
	escaped := url.PathEscape(name)
	if escaped == "." || escaped == ".." {
		return "", fmt.Errorf("storage: invalid document name %q", name)
	}
	return filepath.Join(f.root, escaped), nil
}

func (f *FS) Load(_ context.Context, name string) (*Record, error) {
	dir, err := f.docDir(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", name, err)
	}

	rec := &Record{UpdatedAt: info.ModTime()}

	raw, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("storage: read snapshot %s: %w", name, err)
	default:
		sum, data, ok := bytes.Cut(raw, []byte("\n"))
		if !ok {
			return nil, fmt.Errorf("storage: %s: snapshot header missing: %w", name, apperr.ErrCorrupt)
		}
		if err := verifySnapshot(name, data, string(sum)); err != nil {
			return nil, err
		}
		rec.Snapshot = data
	}

	log, err := os.ReadFile(filepath.Join(dir, logFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("storage: read log %s: %w", name, err)
	default:
		rec.Updates = parseLog(log)
	}
	return rec, nil
}

// parseLog decodes length-prefixed records. A torn record at the tail, left
// by a crash mid-append, is ignored; everything before it is intact.
func parseLog(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			break
		}
		out = append(out, v)
		b = b[n:]
	}
	return out
}

func (f *FS) Append(_ context.Context, name string, update []byte) error {
	dir, err := f.docDir(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}
	fh, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open log: %w", err)
	}
	defer fh.Close()

	if _, err := fh.Write(protowire.AppendBytes(nil, update)); err != nil {
		return fmt.Errorf("storage: append %s: %w", name, err)
	}
	if err := fh.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	return nil
}

// Compact writes the snapshot atomically (tmp file, fsync, rename) and then
// drops the log. A crash between the two steps leaves a log whose updates are
// already contained in the snapshot, which replays harmlessly.
func (f *FS) Compact(_ context.Context, name string, snapshot []byte) error {
	dir, err := f.docDir(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	content := make([]byte, 0, len(snapshot)+65)
	content = append(content, checksum.Sum(snapshot)...)
	content = append(content, '\n')
	content = append(content, snapshot...)
	if err := writeAtomic(dir, filepath.Join(dir, snapshotFile), content); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, logFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: truncate log: %w", err)
	}
	return nil
}

func writeAtomic(dir, path string, content []byte) error {
	tmp, err := os.CreateTemp(dir, ".weave-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

func (f *FS) Clear(_ context.Context, name string) error {
	dir, err := f.docDir(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: clear %s: %w", name, err)
	}
	return nil
}

func (f *FS) Names(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		if hasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *FS) Close() error { return nil }
