package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresMaxConns = 4

	schemaSQL = `
CREATE TABLE IF NOT EXISTS monconnect_kv (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS monconnect_kv_expires_idx ON monconnect_kv (expires_at)
    WHERE expires_at IS NOT NULL;
`

	selectSQL = `
SELECT value, created_at, expires_at
FROM monconnect_kv
WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
`

	upsertSQL = `
INSERT INTO monconnect_kv (key, value, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`

	sweepSQL = `DELETE FROM monconnect_kv WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// PostgresStore keeps entries in the monconnect_kv table. Expired rows are
// invisible to Get and removed by Sweep.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects, creates the table if needed and sweeps rows
// that expired while the process was down.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > postgresMaxConns {
		cfg.MaxConns = postgresMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &PostgresStore{pool: pool, now: time.Now}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := p.Sweep(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		entry   Entry
		expires *time.Time
	)
	err := p.pool.QueryRow(ctx, selectSQL, key, p.now()).Scan(&entry.Value, &entry.CreatedAt, &expires)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if expires != nil {
		entry.ExpiresAt = *expires
	}
	return &entry, nil
}

func (p *PostgresStore) Put(ctx context.Context, key string, entry Entry) error {
	var expires *time.Time
	if !entry.ExpiresAt.IsZero() {
		expires = &entry.ExpiresAt
	}
	if _, err := p.pool.Exec(ctx, upsertSQL, key, entry.Value, entry.CreatedAt, expires); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM monconnect_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Sweep removes expired rows and reports how many went.
func (p *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, sweepSQL, p.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
