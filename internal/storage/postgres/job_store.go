// Package postgres provides a Postgres-backed job store.
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
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_jobs"

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore keeps one row per job. Per-seed images live in a JSONB object
// keyed by seed URL.
type JobStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewJobStore connects to Postgres using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{
		pool:  p,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate creates the job table if it does not exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	seeds        JSONB NOT NULL,
	workers      INTEGER NOT NULL,
	pending      INTEGER NOT NULL,
	completed    INTEGER NOT NULL DEFAULT 0,
	images       JSONB NOT NULL DEFAULT '{}'::jsonb,
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	seeds, err := json.Marshal(job.Seeds)
	if err != nil {
		return fmt.Errorf("marshal seeds: %w", err)
	}
	images, err := json.Marshal(nonNilImages(job.Images))
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, seeds, workers, pending, completed, images, submitted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		seeds,
		job.Workers,
		job.Pending,
		job.Completed,
		images,
		job.Submitted,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

// GetJob loads a job row.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`
SELECT id, status, seeds, workers, pending, completed, images, submitted_at, finished_at
FROM %s
WHERE id = $1`, s.table)
	var (
		job      crawler.Job
		status   string
		seeds    []byte
		images   []byte
		finished pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&status,
		&seeds,
		&job.Workers,
		&job.Pending,
		&job.Completed,
		&images,
		&job.Submitted,
		&finished,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	if finished.Valid {
		t := finished.Time
		job.Finished = &t
	}
	if err := json.Unmarshal(seeds, &job.Seeds); err != nil {
		return crawler.Job{}, fmt.Errorf("decode seeds: %w", err)
	}
	if err := json.Unmarshal(images, &job.Images); err != nil {
		return crawler.Job{}, fmt.Errorf("decode images: %w", err)
	}
	job.Images = nonNilImages(job.Images)
	return job, nil
}

// ApplyProgress merges a finalized seed and moves the counters in one
// UPDATE. A seed already present in images is left untouched.
func (s *JobStore) ApplyProgress(ctx context.Context, jobID, seedURL string, images []string) error {
	payload, err := json.Marshal(crawler.UniqueSorted(images))
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	images      = images || jsonb_build_object($2::text, $3::jsonb),
	completed   = completed + 1,
	pending     = GREATEST(pending - 1, 0),
	status      = CASE WHEN pending <= 1 THEN $4 ELSE status END,
	finished_at = CASE WHEN pending <= 1 THEN $5 ELSE finished_at END
WHERE id = $1 AND NOT (images ? $2)`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		jobID,
		seedURL,
		payload,
		string(crawler.JobStatusSucceeded),
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("apply progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	existsQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, existsQuery, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return fmt.Errorf("apply progress %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return nil
}

// ListJobs returns job ids, oldest first.
func (s *JobStore) ListJobs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY submitted_at, id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return ids, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func nonNilImages(images map[string][]string) map[string][]string {
	if images == nil {
		return map[string][]string{}
	}
	return images
}
