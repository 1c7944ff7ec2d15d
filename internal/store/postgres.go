package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"descfetch/internal/device"
	"descfetch/internal/platform/pg"
)

// PostgresStore keeps records in PostgreSQL; descriptions are JSONB.
type PostgresStore struct {
	tx *pg.TxRunner
}

// NewPostgresStore wraps a pool connected to a migrated database.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{tx: pg.NewTxRunner(pool)}
}

const pgColumns = `id, url, state, attempts, error, description, started_at, finished_at`

func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	var desc []byte
	if r.Description != nil {
		var err error
		if desc, err = json.Marshal(r.Description); err != nil {
			return fmt.Errorf("store: encode description: %w", err)
		}
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.tx.GetQuerier(ctx).Exec(ctx, `
INSERT INTO campaigns (id, url, state, attempts, error, description, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    attempts = EXCLUDED.attempts,
    error = EXCLUDED.error,
    description = EXCLUDED.description,
    finished_at = EXCLUDED.finished_at`,
			r.ID, r.URL, r.State, r.Attempts, r.Error, desc, r.StartedAt, r.FinishedAt)
		if err != nil {
			return fmt.Errorf("store: save %s: %w", r.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.tx.GetQuerier(ctx).QueryRow(ctx, `SELECT `+pgColumns+` FROM campaigns WHERE id = $1`, id)
	r, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, notFound("campaign", id)
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.tx.GetQuerier(ctx).Query(ctx,
		`SELECT `+pgColumns+` FROM campaigns ORDER BY started_at DESC, id LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanPG(row)
	})
}

func (s *PostgresStore) LatestByURL(ctx context.Context, url string) (Record, error) {
	row := s.tx.GetQuerier(ctx).QueryRow(ctx,
		`SELECT `+pgColumns+` FROM campaigns WHERE url = $1 ORDER BY started_at DESC LIMIT 1`, url)
	r, err := scanPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, notFound("url", url)
	}
	return r, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := pg.HealthCheckPool(ctx, s.tx.Pool); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.tx.Pool.Close()
	return nil
}

func scanPG(row pgx.Row) (Record, error) {
	var (
		r    Record
		desc []byte
	)
	if err := row.Scan(&r.ID, &r.URL, &r.State, &r.Attempts, &r.Error, &desc, &r.StartedAt, &r.FinishedAt); err != nil {
		return Record{}, err
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt != nil {
		t := r.FinishedAt.UTC()
		r.FinishedAt = &t
	}
	if desc != nil {
		var d device.Description
		if err := json.Unmarshal(desc, &d); err != nil {
			return Record{}, fmt.Errorf("store: decode description of %s: %w", r.ID, err)
		}
		r.Description = &d
	}
	return r, nil
}
