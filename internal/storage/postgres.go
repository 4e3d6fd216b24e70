package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/checksum"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS weave_documents (
	name       TEXT PRIMARY KEY,
	snapshot   BYTEA,
	checksum   TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS weave_updates (
	seq        BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	data       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_weave_updates_name ON weave_updates(name, seq);
`

// Postgres implements Store on a PostgreSQL connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, name string) (*Record, error) {
	var (
		snapshot []byte
		sum      string
		updated  time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot, checksum, updated_at FROM weave_documents WHERE name = $1`, name,
	).Scan(&snapshot, &sum, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", name, err)
	}
	if err := verifySnapshot(name, snapshot, sum); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT data FROM weave_updates WHERE name = $1 ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("storage: load updates %s: %w", name, err)
	}
	updates, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("storage: scan updates %s: %w", name, err)
	}
	return &Record{Snapshot: snapshot, Updates: updates, UpdatedAt: updated}, nil
}

func (p *Postgres) Append(ctx context.Context, name string, update []byte) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO weave_documents (name, updated_at) VALUES ($1, now())
			ON CONFLICT (name) DO UPDATE SET updated_at = excluded.updated_at
		`, name); err != nil {
			return fmt.Errorf("storage: touch document: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO weave_updates (name, data) VALUES ($1, $2)`, name, update); err != nil {
			return fmt.Errorf("storage: append %s: %w", name, err)
		}
		return nil
	})
}

func (p *Postgres) Compact(ctx context.Context, name string, snapshot []byte) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO weave_documents (name, snapshot, checksum, updated_at) VALUES ($1, $2, $3, now())
			ON CONFLICT (name) DO UPDATE SET
				snapshot   = excluded.snapshot,
				checksum   = excluded.checksum,
				updated_at = excluded.updated_at
		`, name, snapshot, checksum.Sum(snapshot)); err != nil {
			return fmt.Errorf("storage: compact %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM weave_updates WHERE name = $1`, name); err != nil {
			return fmt.Errorf("storage: truncate log %s: %w", name, err)
		}
		return nil
	})
}

func (p *Postgres) Clear(ctx context.Context, name string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM weave_updates WHERE name = $1`, name); err != nil {
			return fmt.Errorf("storage: clear updates %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM weave_documents WHERE name = $1`, name); err != nil {
			return fmt.Errorf("storage: clear document %s: %w", name, err)
		}
		return nil
	})
}

func (p *Postgres) Names(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name FROM weave_documents WHERE starts_with(name, $1) ORDER BY name`, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: names: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: names: %w", err)
	}
	return names, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
