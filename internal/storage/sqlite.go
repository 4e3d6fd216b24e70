package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/checksum"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	snapshot   BLOB,
	checksum   TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS updates (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_updates_name ON updates(name, seq);
`

// SQLite implements Store on a SQLite database in WAL mode.
type SQLite struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database and applies the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if _, err := conn.Exec(sqliteSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

func (s *SQLite) Load(ctx context.Context, name string) (*Record, error) {
	var (
		snapshot []byte
		sum      string
		updated  time.Time
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT snapshot, checksum, updated_at FROM documents WHERE name = ?`, name,
	).Scan(&snapshot, &sum, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", name, err)
	}
	if err := verifySnapshot(name, snapshot, sum); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT data FROM updates WHERE name = ? ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("storage: load updates %s: %w", name, err)
	}
	defer rows.Close()

	rec := &Record{Snapshot: snapshot, UpdatedAt: updated}
	for rows.Next() {
		var u []byte
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("storage: scan update: %w", err)
		}
		rec.Updates = append(rec.Updates, u)
	}
	return rec, rows.Err()
}

func (s *SQLite) Append(ctx context.Context, name string, update []byte) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (name, updated_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET updated_at = excluded.updated_at
	`, name, time.Now().UTC()); err != nil {
		return fmt.Errorf("storage: touch document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO updates (name, data) VALUES (?, ?)`, name, update); err != nil {
		return fmt.Errorf("storage: append %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLite) Compact(ctx context.Context, name string, snapshot []byte) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (name, snapshot, checksum, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			snapshot   = excluded.snapshot,
			checksum   = excluded.checksum,
			updated_at = excluded.updated_at
	`, name, snapshot, checksum.Sum(snapshot), time.Now().UTC()); err != nil {
		return fmt.Errorf("storage: compact %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE name = ?`, name); err != nil {
		return fmt.Errorf("storage: truncate log %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLite) Clear(ctx context.Context, name string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE name = ?`, name); err != nil {
		return fmt.Errorf("storage: clear updates %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name); err != nil {
		return fmt.Errorf("storage: clear document %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLite) Names(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name FROM documents WHERE instr(name, ?) = 1 ORDER BY name`, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: names: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
