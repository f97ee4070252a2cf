package usage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool used by PGStore
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS tts_usage (
	key             TEXT PRIMARY KEY,
	source_text     TEXT NOT NULL DEFAULT '',
	hit_count       INTEGER NOT NULL,
	last_used_at    TIMESTAMPTZ NOT NULL,
	avg_response_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tts_usage_last_used_at_idx ON tts_usage (last_used_at);
`

// PGStore persists metrics in Postgres so several API instances share them
type PGStore struct {
	db DBTX
}

func NewPGStore(db DBTX) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the table if needed
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *PGStore) Get(ctx context.Context, key string) (Metric, bool, error) {
	var m Metric
	err := s.db.QueryRow(ctx,
		`SELECT key, source_text, hit_count, last_used_at, avg_response_ms, created_at
		   FROM tts_usage WHERE key = $1`, key,
	).Scan(&m.Key, &m.SourceText, &m.HitCount, &m.LastUsedAt, &m.AverageResponseTime, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Metric{}, false, nil
	}
	if err != nil {
		return Metric{}, false, err
	}
	return m, true, nil
}

func (s *PGStore) Put(ctx context.Context, m Metric) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tts_usage (key, source_text, hit_count, last_used_at, avg_response_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET
		   source_text = EXCLUDED.source_text,
		   hit_count = EXCLUDED.hit_count,
		   last_used_at = EXCLUDED.last_used_at,
		   avg_response_ms = EXCLUDED.avg_response_ms`,
		m.Key, m.SourceText, m.HitCount, m.LastUsedAt, m.AverageResponseTime, m.CreatedAt)
	return err
}

// Increment updates the row in one statement so concurrent writers from
// any number of instances never lose a hit. The average weight is capped
// at 10 samples, matching applyHit.
func (s *PGStore) Increment(ctx context.Context, h Hit) (Metric, error) {
	var m Metric
	err := s.db.QueryRow(ctx,
		`INSERT INTO tts_usage (key, source_text, hit_count, last_used_at, avg_response_ms, created_at)
		 VALUES ($1, $2, 1, $3, $4, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   source_text = COALESCE(NULLIF(tts_usage.source_text, ''), EXCLUDED.source_text),
		   hit_count = tts_usage.hit_count + 1,
		   last_used_at = EXCLUDED.last_used_at,
		   avg_response_ms = (tts_usage.avg_response_ms * (LEAST(tts_usage.hit_count + 1, 10) - 1) + EXCLUDED.avg_response_ms)
		                     / LEAST(tts_usage.hit_count + 1, 10)
		 RETURNING key, source_text, hit_count, last_used_at, avg_response_ms, created_at`,
		h.Key, h.Text, h.At, h.ResponseMs,
	).Scan(&m.Key, &m.SourceText, &m.HitCount, &m.LastUsedAt, &m.AverageResponseTime, &m.CreatedAt)
	if err != nil {
		return Metric{}, err
	}
	return m, nil
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM tts_usage WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) All(ctx context.Context) ([]Metric, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, source_text, hit_count, last_used_at, avg_response_ms, created_at FROM tts_usage`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Metric, error) {
		var m Metric
		err := row.Scan(&m.Key, &m.SourceText, &m.HitCount, &m.LastUsedAt, &m.AverageResponseTime, &m.CreatedAt)
		return m, err
	})
}
