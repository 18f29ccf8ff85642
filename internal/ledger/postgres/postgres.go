package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/enhance-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig tunes the connection pool. Zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_usage (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL UNIQUE,
	owner_id TEXT NOT NULL,
	action TEXT NOT NULL,
	backend TEXT NOT NULL,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_session_usage_owner_created ON session_usage(owner_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record inserts a usage entry. Recording the same session twice keeps the first entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_usage(session_id, owner_id, action, backend, input_tokens, output_tokens, cost, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO NOTHING`,
		entry.SessionID,
		entry.OwnerID,
		entry.Action,
		entry.Backend,
		entry.InputTokens,
		entry.OutputTokens,
		entry.Cost,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given owner.
func (s *Store) Summary(ctx context.Context, ownerID string) (ledger.Summary, error) {
	if ownerID == "" {
		return ledger.Summary{}, errors.New("owner id required")
	}
	summary := ledger.EmptySummary()
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cost), 0)
FROM session_usage
WHERE owner_id = $1`, ownerID)
	if err := row.Scan(&summary.Sessions, &summary.InputTokens, &summary.OutputTokens, &summary.Cost); err != nil {
		return ledger.Summary{}, err
	}
	summary.TotalTokens = summary.InputTokens + summary.OutputTokens

	var err error
	if summary.ByAction, err = s.buckets(ctx, "action", ownerID); err != nil {
		return ledger.Summary{}, err
	}
	if summary.ByBackend, err = s.buckets(ctx, "backend", ownerID); err != nil {
		return ledger.Summary{}, err
	}
	return summary, nil
}

func (s *Store) buckets(ctx context.Context, column, ownerID string) (map[string]ledger.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+column+`, COUNT(*), COALESCE(SUM(input_tokens + output_tokens), 0), COALESCE(SUM(cost), 0)
FROM session_usage
WHERE owner_id = $1
GROUP BY `+column, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]ledger.Bucket{}
	for rows.Next() {
		var key string
		var b ledger.Bucket
		if err := rows.Scan(&key, &b.Sessions, &b.Tokens, &b.Cost); err != nil {
			return nil, err
		}
		out[key] = b
	}
	return out, rows.Err()
}

// ListRecent returns the latest entries for an owner.
func (s *Store) ListRecent(ctx context.Context, ownerID string, limit int) ([]ledger.Entry, error) {
	if ownerID == "" {
		return nil, errors.New("owner id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id::text, owner_id, action, backend, input_tokens, output_tokens, cost, created_at
FROM session_usage
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.OwnerID, &e.Action, &e.Backend, &e.InputTokens, &e.OutputTokens, &e.Cost, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
