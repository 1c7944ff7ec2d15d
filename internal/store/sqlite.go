package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"descfetch/internal/device"
	"descfetch/internal/platform/sqlite"
)

// SQLiteStore keeps records in a SQLite database. Timestamps are stored as
// unix milliseconds.
type SQLiteStore struct {
	tx *sqlite.TxRunner
}

// NewSQLiteStore wraps an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{tx: sqlite.NewTxRunner(db)}
}

const sqliteColumns = `id, url, state, attempts, error, description, started_at, finished_at`

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	desc, err := marshalDescription(r.Description)
	if err != nil {
		return err
	}
	var finished sql.NullInt64
	if r.FinishedAt != nil {
		finished = sql.NullInt64{Int64: r.FinishedAt.UnixMilli(), Valid: true}
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.tx.GetQuerier(ctx).ExecContext(ctx, `
INSERT INTO campaigns (`+sqliteColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    attempts = excluded.attempts,
    error = excluded.error,
    description = excluded.description,
    finished_at = excluded.finished_at`,
			r.ID, r.URL, r.State, r.Attempts, r.Error, desc, r.StartedAt.UnixMilli(), finished)
		if err != nil {
			return fmt.Errorf("store: save %s: %w", r.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.tx.GetQuerier(ctx).QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM campaigns WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound("campaign", id)
	}
	return r, err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.tx.GetQuerier(ctx).QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM campaigns ORDER BY started_at DESC, id LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestByURL(ctx context.Context, url string) (Record, error) {
	row := s.tx.GetQuerier(ctx).QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM campaigns WHERE url = ? ORDER BY started_at DESC LIMIT 1`, url)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound("url", url)
	}
	return r, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.tx.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.tx.DB.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc scanner) (Record, error) {
	var (
		r        Record
		desc     sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.URL, &r.State, &r.Attempts, &r.Error, &desc, &started, &finished); err != nil {
		return Record{}, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		r.FinishedAt = &t
	}
	if desc.Valid {
		var d device.Description
		if err := json.Unmarshal([]byte(desc.String), &d); err != nil {
			return Record{}, fmt.Errorf("store: decode description of %s: %w", r.ID, err)
		}
		r.Description = &d
	}
	return r, nil
}

func marshalDescription(d *device.Description) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("store: encode description: %w", err)
	}
	return string(b), nil
}
