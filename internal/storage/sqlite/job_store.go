// Package sqlite provides a single-file SQLite job store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	threads      INTEGER NOT NULL,
	in_progress  INTEGER NOT NULL,
	completed    INTEGER NOT NULL DEFAULT 0,
	input_urls   TEXT NOT NULL,
	image_urls   TEXT NOT NULL DEFAULT '{}',
	submitted_at TEXT NOT NULL,
	finished_at  TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs(submitted_at);
`

// JobStore keeps jobs in one table; seeds and per-seed images are JSON text
// columns.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database file at path.
func Open(path string) (*JobStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, which ApplyProgress relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &JobStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	seeds, err := json.Marshal(job.Seeds)
	if err != nil {
		return fmt.Errorf("marshal seeds: %w", err)
	}
	images := job.Images
	if images == nil {
		images = map[string][]string{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO jobs (id, status, threads, in_progress, completed, input_urls, image_urls, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Status),
		job.Workers,
		job.Pending,
		job.Completed,
		string(seeds),
		string(imagesJSON),
		job.Submitted.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// GetJob loads a job row.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, status, threads, in_progress, completed, input_urls, image_urls, submitted_at, finished_at
FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ApplyProgress merges the seed's images and moves the counters inside one
// transaction.
func (s *JobStore) ApplyProgress(ctx context.Context, jobID, seedURL string, images []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		pending int
		raw     string
	)
	err = tx.QueryRowContext(ctx, `SELECT in_progress, image_urls FROM jobs WHERE id = ?`, jobID).Scan(&pending, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("apply progress %s: %w", jobID, crawler.ErrJobNotFound)
		}
		return fmt.Errorf("load job: %w", err)
	}
	merged := map[string][]string{}
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return fmt.Errorf("decode images: %w", err)
	}
	if _, done := merged[seedURL]; done {
		return nil
	}
	merged[seedURL] = crawler.UniqueSorted(images)
	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}

	var finished any
	status := string(crawler.JobStatusRunning)
	if pending <= 1 {
		status = string(crawler.JobStatusSucceeded)
		finished = s.now().Format(timeLayout)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET
	in_progress = MAX(in_progress - 1, 0),
	completed   = completed + 1,
	image_urls  = ?,
	status      = ?,
	finished_at = COALESCE(?, finished_at)
WHERE id = ?`, string(payload), status, finished, jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListJobs returns job ids, oldest first.
func (s *JobStore) ListJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func scanJob(row rowScanner) (crawler.Job, error) {
	var (
		job       crawler.Job
		status    string
		seeds     string
		images    string
		submitted string
		finished  sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.Workers,
		&job.Pending,
		&job.Completed,
		&seeds,
		&images,
		&submitted,
		&finished,
	); err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal([]byte(seeds), &job.Seeds); err != nil {
		return crawler.Job{}, fmt.Errorf("decode seeds: %w", err)
	}
	job.Images = map[string][]string{}
	if err := json.Unmarshal([]byte(images), &job.Images); err != nil {
		return crawler.Job{}, fmt.Errorf("decode images: %w", err)
	}
	ts, err := time.Parse(timeLayout, submitted)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("decode submitted_at: %w", err)
	}
	job.Submitted = ts
	if finished.Valid && finished.String != "" {
		ts, err := time.Parse(timeLayout, finished.String)
		if err != nil {
			return crawler.Job{}, fmt.Errorf("decode finished_at: %w", err)
		}
		job.Finished = &ts
	}
	return job, nil
}
