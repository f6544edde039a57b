package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlpit/crawlpit/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool backing a PostgresStore.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxIface is the subset of *pgxpool.Pool a PostgresStore depends on, so
// tests can substitute pgxmock.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore persists URL records in a single table, one row per
// (task_id, url) with an upsert on conflict.
type PostgresStore struct {
	pool  pgxIface
	table string
}

// NewPostgresStore connects a pool and returns a PostgresStore.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "url_records"
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
	return &PostgresStore{pool: pool, table: table}, nil
}

// NewPostgresStoreWithPool builds a PostgresStore over an existing pool,
// primarily for tests driven by pgxmock.
func NewPostgresStoreWithPool(pool pgxIface, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "url_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertPending inserts a pending row, doing nothing if one already exists
// for (task_id, url).
func (s *PostgresStore) UpsertPending(ctx context.Context, taskID, url string, depth int) error {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, url, depth, status, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_id, url) DO NOTHING`, s.table)
	_, err := s.pool.Exec(ctx, query, taskID, url, depth, crawler.RecordPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert pending: %w", err)
	}
	return nil
}

// Finalize upserts a terminal record, overwriting any pending placeholder.
func (s *PostgresStore) Finalize(ctx context.Context, record crawler.URLRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	task_id, url, depth, status, status_code, response_time_seconds,
	file_size_bytes, content_type, content_hash, title, author,
	description, keywords, publish_time, error_message, created_at, completed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
ON CONFLICT (task_id, url) DO UPDATE SET
	status = EXCLUDED.status,
	status_code = EXCLUDED.status_code,
	response_time_seconds = EXCLUDED.response_time_seconds,
	file_size_bytes = EXCLUDED.file_size_bytes,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	title = EXCLUDED.title,
	author = EXCLUDED.author,
	description = EXCLUDED.description,
	keywords = EXCLUDED.keywords,
	publish_time = EXCLUDED.publish_time,
	error_message = EXCLUDED.error_message,
	completed_at = EXCLUDED.completed_at`, s.table)

	args := []any{
		record.TaskID, record.URL, record.Depth, record.Status, record.StatusCode,
		record.ResponseTimeSeconds, record.FileSizeBytes, record.ContentType, record.ContentHash,
		record.Title, record.Author, record.Description, record.Keywords, record.PublishTime,
		record.ErrorMessage, record.CreatedAt, record.CompletedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	return nil
}

// MarkRobotsBlocked upserts a robots_blocked terminal record.
func (s *PostgresStore) MarkRobotsBlocked(ctx context.Context, taskID, url string, depth int) error {
	now := time.Now().UTC()
	return s.Finalize(ctx, crawler.URLRecord{
		TaskID: taskID, URL: url, Depth: depth,
		Status: crawler.RecordRobotsBlocked, CreatedAt: now, CompletedAt: &now,
	})
}

// DeleteTask removes every row for taskID.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListURLs returns rows for taskID matching filter, ordered by url.
func (s *PostgresStore) ListURLs(ctx context.Context, taskID string, filter crawler.ListFilter) ([]crawler.URLRecord, error) {
	query := fmt.Sprintf(`
SELECT task_id, url, depth, status, status_code, response_time_seconds,
       file_size_bytes, content_type, content_hash, title, author,
       description, keywords, publish_time, error_message, created_at, completed_at
FROM %s
WHERE task_id = $1
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR url LIKE $3 || '%%')
  AND ($4 = '' OR url LIKE '%%' || $4)
  AND ($5 = '' OR content_type = $5)
ORDER BY url
OFFSET $6`, s.table)

	args := []any{taskID, string(filter.Status), filter.Prefix, filter.Extension, filter.ContentType, filter.Offset}
	if filter.Limit > 0 {
		query += " LIMIT $7"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	defer rows.Close()

	var out []crawler.URLRecord
	for rows.Next() {
		var r crawler.URLRecord
		var keywords string
		if err := rows.Scan(
			&r.TaskID, &r.URL, &r.Depth, &r.Status, &r.StatusCode, &r.ResponseTimeSeconds,
			&r.FileSizeBytes, &r.ContentType, &r.ContentHash, &r.Title, &r.Author,
			&r.Description, &keywords, &r.PublishTime, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan url record: %w", err)
		}
		r.Keywords = keywords
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate url records: %w", err)
	}
	return out, nil
}

// AggregateStats computes per-status counts and totals with a single query.
func (s *PostgresStore) AggregateStats(ctx context.Context, taskID string) (crawler.TaskCounters, error) {
	query := fmt.Sprintf(`
SELECT
	count(*),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed'),
	count(*) FILTER (WHERE status = 'robots_blocked'),
	coalesce(sum(file_size_bytes) FILTER (WHERE status = 'completed'), 0),
	coalesce(sum(response_time_seconds) FILTER (WHERE status = 'completed'), 0)
FROM %s WHERE task_id = $1`, s.table)

	row := s.pool.QueryRow(ctx, query, taskID)
	var counters crawler.TaskCounters
	if err := row.Scan(
		&counters.TotalDiscovered, &counters.Completed, &counters.Failed,
		&counters.RobotsBlocked, &counters.Bytes, &counters.ResponseTimeSum,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.TaskCounters{}, nil
		}
		return crawler.TaskCounters{}, fmt.Errorf("aggregate stats: %w", err)
	}
	return counters, nil
}

// SeenURLs returns every non-pending URL for taskID.
func (s *PostgresStore) SeenURLs(ctx context.Context, taskID string) ([]string, error) {
	query := fmt.Sprintf(`SELECT url FROM %s WHERE task_id = $1 AND status != 'pending' ORDER BY url`, s.table)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("seen urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan seen url: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

var _ crawler.Store = (*PostgresStore)(nil)
