// Package redis provides a Redis-backed job store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

const defaultPrefix = "imagecrawler:"

// applyProgress records a seed's images once and moves one unit from pending
// to completed. Returns -1 for an unknown job, 0 if the seed was already
// applied and 1 otherwise.
var applyProgress = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], 'completed', 1)
local pending = redis.call('HINCRBY', KEYS[1], 'pending', -1)
if pending <= 0 then
	redis.call('HSET', KEYS[1], 'pending', 0, 'status', ARGV[3], 'finished_at', ARGV[4])
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires job records; zero keeps them forever.
	TTL time.Duration
}

// JobStore keeps each job in a hash, its per-seed images in a second hash
// and an index of job ids in a sorted set scored by submission time.
type JobStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewJobStore initializes a Redis-backed JobStore.
func NewJobStore(cfg Config) (*JobStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("storage.redis.addr is required")
	}
	return NewJobStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Prefix, cfg.TTL), nil
}

// NewJobStoreWithClient wraps an existing client.
func NewJobStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *JobStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &JobStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *JobStore) Close() error {
	return s.client.Close()
}

func (s *JobStore) jobKey(id string) string    { return s.prefix + "job:" + id }
func (s *JobStore) imagesKey(id string) string { return s.prefix + "job:" + id + ":images" }
func (s *JobStore) indexKey() string           { return s.prefix + "jobs" }

// CreateJob writes the job hash and indexes it.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	seeds, err := json.Marshal(job.Seeds)
	if err != nil {
		return fmt.Errorf("marshal seeds: %w", err)
	}
	key := s.jobKey(job.ID)
	created, err := s.client.HSetNX(ctx, key, "id", job.ID).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(job.Status),
			"seeds", seeds,
			"workers", job.Workers,
			"pending", job.Pending,
			"completed", job.Completed,
			"submitted_at", job.Submitted.UTC().Format(time.RFC3339Nano),
			"finished_at", "",
		)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(job.Submitted.UnixNano()),
			Member: job.ID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

// GetJob reads the job and image hashes.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 || fields["status"] == "" {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	job, err := decodeJob(fields)
	if err != nil {
		return crawler.Job{}, err
	}
	images, err := s.client.HGetAll(ctx, s.imagesKey(jobID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return crawler.Job{}, fmt.Errorf("get images: %w", err)
	}
	job.Images = make(map[string][]string, len(images))
	for seed, raw := range images {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return crawler.Job{}, fmt.Errorf("decode images for %s: %w", seed, err)
		}
		job.Images[seed] = list
	}
	return job, nil
}

// ApplyProgress runs a Lua script so the merge and counter update are atomic.
func (s *JobStore) ApplyProgress(ctx context.Context, jobID, seedURL string, images []string) error {
	payload, err := json.Marshal(crawler.UniqueSorted(images))
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	res, err := applyProgress.Run(ctx, s.client,
		[]string{s.jobKey(jobID), s.imagesKey(jobID)},
		seedURL,
		payload,
		string(crawler.JobStatusSucceeded),
		s.now().Format(time.RFC3339Nano),
		int64(s.ttl/time.Second),
	).Int64()
	if err != nil {
		return fmt.Errorf("apply progress: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("apply progress %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return nil
}

// ListJobs returns job ids, oldest first. Ids whose records expired are
// pruned from the index.
func (s *JobStore) ListJobs(ctx context.Context) ([]string, error) {
	if s.ttl > 0 {
		cutoff := s.now().Add(-s.ttl).UnixNano()
		err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(cutoff, 10)).Err()
		if err != nil {
			return nil, fmt.Errorf("prune job index: %w", err)
		}
	}
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}

func decodeJob(fields map[string]string) (crawler.Job, error) {
	job := crawler.Job{
		ID:     fields["id"],
		Status: crawler.JobStatus(fields["status"]),
	}
	if err := json.Unmarshal([]byte(fields["seeds"]), &job.Seeds); err != nil {
		return crawler.Job{}, fmt.Errorf("decode seeds: %w", err)
	}
	var err error
	if job.Workers, err = strconv.Atoi(fields["workers"]); err != nil {
		return crawler.Job{}, fmt.Errorf("decode workers: %w", err)
	}
	if job.Pending, err = strconv.Atoi(fields["pending"]); err != nil {
		return crawler.Job{}, fmt.Errorf("decode pending: %w", err)
	}
	if job.Completed, err = strconv.Atoi(fields["completed"]); err != nil {
		return crawler.Job{}, fmt.Errorf("decode completed: %w", err)
	}
	if job.Submitted, err = time.Parse(time.RFC3339Nano, fields["submitted_at"]); err != nil {
		return crawler.Job{}, fmt.Errorf("decode submitted_at: %w", err)
	}
	if raw := fields["finished_at"]; raw != "" {
		finished, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return crawler.Job{}, fmt.Errorf("decode finished_at: %w", err)
		}
		job.Finished = &finished
	}
	return job, nil
}
