package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSnapshots = `
CREATE TABLE IF NOT EXISTS notebook_snapshots (
	notebook_id TEXT PRIMARY KEY,
	data        BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres stores snapshots in the notebook_snapshots table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and creates the table if needed.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createSnapshots); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create notebook_snapshots: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, notebookID string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM notebook_snapshots WHERE notebook_id = $1`, notebookID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", notebookID, err)
	}
	return data, nil
}

func (p *Postgres) Save(ctx context.Context, notebookID string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO notebook_snapshots (notebook_id, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (notebook_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		notebookID, data)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", notebookID, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
