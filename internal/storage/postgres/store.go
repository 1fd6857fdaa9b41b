// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrydata/quarry/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for pipeline rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store persists records, hashes and review statuses in Postgres.
type Store struct {
	pool  pgxPool
	table string
	idGen pipeline.IDGenerator
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config, idGen pipeline.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table, idGen: idGen}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool pgxPool, table string, idGen pipeline.IDGenerator) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "entries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, idGen: idGen}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the entry and hash tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	entries := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	record JSONB NOT NULL,
	metrics JSONB NOT NULL,
	review_status TEXT NOT NULL,
	reviewer TEXT,
	stored_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	hashes := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_hashes (
	source_key TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, entries); err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, hashes); err != nil {
		return fmt.Errorf("create hashes table: %w", err)
	}
	return nil
}

// GetLastHash returns the committed hash for the source, empty when absent.
func (s *Store) GetLastHash(ctx context.Context, sourceKey string) (string, error) {
	query := fmt.Sprintf(`SELECT hash FROM %s_hashes WHERE source_key = $1`, s.table)
	var hash string
	err := s.pool.QueryRow(ctx, query, sourceKey).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select last hash: %w", err)
	}
	return hash, nil
}

// SetLastHash upserts the source's committed hash.
func (s *Store) SetLastHash(ctx context.Context, sourceKey string, hash string) error {
	query := fmt.Sprintf(`
INSERT INTO %s_hashes (source_key, hash, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (source_key) DO UPDATE SET hash = EXCLUDED.hash, updated_at = now()`, s.table)
	if _, err := s.pool.Exec(ctx, query, sourceKey, hash); err != nil {
		return fmt.Errorf("upsert hash: %w", err)
	}
	return nil
}

// Put inserts the record atomically and returns its unique entry ID.
func (s *Store) Put(ctx context.Context, record pipeline.StructuredRecord, metrics pipeline.QualityMetrics, reviewStatus pipeline.ReviewStatus) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("new entry id: %w", err)
	}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, record, metrics, review_status)
VALUES ($1, $2, $3, $4)`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, recordJSON, metricsJSON, string(reviewStatus)); err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}
	return id, nil
}

// GetByID fetches a stored record.
func (s *Store) GetByID(ctx context.Context, entryID string) (pipeline.StructuredRecord, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = $1`, s.table)
	var recordJSON []byte
	err := s.pool.QueryRow(ctx, query, entryID).Scan(&recordJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.StructuredRecord{}, fmt.Errorf("entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.StructuredRecord{}, fmt.Errorf("select entry: %w", err)
	}
	var record pipeline.StructuredRecord
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return pipeline.StructuredRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, nil
}

// UpdateReviewStatus resolves a pending entry. Repeating the same resolution
// is a no-op; resolving an entry that already left pending with a different
// status is an invalid transition.
func (s *Store) UpdateReviewStatus(ctx context.Context, entryID string, status pipeline.ReviewStatus, reviewer string) error {
	query := fmt.Sprintf(`
UPDATE %s SET review_status = $2, reviewer = $3
WHERE id = $1 AND review_status = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, entryID, string(status), reviewer, string(pipeline.ReviewPending))
	if err != nil {
		return fmt.Errorf("update review status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT review_status FROM %s WHERE id = $1`, s.table), entryID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("entry %s: %w", entryID, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select review status: %w", err)
	}
	if current == string(status) {
		return nil
	}
	return fmt.Errorf("entry %s is %s: %w", entryID, current, pipeline.ErrInvalidTransition)
}

// ListPending returns review items for entries still pending, optionally
// restricted to those stored before olderThan.
func (s *Store) ListPending(ctx context.Context, olderThan *time.Time) ([]pipeline.ReviewItem, error) {
	query := fmt.Sprintf(`
SELECT id, metrics, stored_at FROM %s
WHERE review_status = $1`, s.table)
	args := []any{string(pipeline.ReviewPending)}
	if olderThan != nil {
		query += ` AND stored_at < $2`
		args = append(args, *olderThan)
	}
	query += ` ORDER BY stored_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var items []pipeline.ReviewItem
	for rows.Next() {
		var (
			id          string
			metricsJSON []byte
			storedAt    time.Time
		)
		if err := rows.Scan(&id, &metricsJSON, &storedAt); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		var metrics pipeline.QualityMetrics
		if err := json.Unmarshal(metricsJSON, &metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
		items = append(items, pipeline.ReviewItem{
			ID:        id,
			EntryID:   id,
			Metrics:   metrics,
			CreatedAt: storedAt,
			Status:    pipeline.ReviewPending,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return items, nil
}
