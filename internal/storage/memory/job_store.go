// Package memory provides an in-process job store for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

// JobStore keeps jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	order []string
	now   func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, crawler.ErrJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	s.order = append(s.order, job.ID)
	return nil
}

// GetJob returns a copy of the job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

// ApplyProgress records a finalized seed. Applying the same seed twice is a
// no-op so counters move exactly once per seed.
func (s *JobStore) ApplyProgress(_ context.Context, jobID, seedURL string, images []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("apply progress %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if _, done := job.Images[seedURL]; done {
		return nil
	}
	if job.Images == nil {
		job.Images = make(map[string][]string)
	}
	job.Images[seedURL] = crawler.UniqueSorted(images)
	job.Completed++
	if job.Pending > 0 {
		job.Pending--
	}
	if job.Pending == 0 && job.Finished == nil {
		finished := s.now()
		job.Status = crawler.JobStatusSucceeded
		job.Finished = &finished
	}
	s.jobs[jobID] = job
	return nil
}

// ListJobs returns job ids in submission order.
func (s *JobStore) ListJobs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order), nil
}

// Close is a no-op.
func (s *JobStore) Close() error {
	return nil
}

func cloneJob(job crawler.Job) crawler.Job {
	out := job
	out.Seeds = slices.Clone(job.Seeds)
	out.Images = make(map[string][]string, len(job.Images))
	for seed, imgs := range job.Images {
		out.Images[seed] = slices.Clone(imgs)
	}
	if job.Finished != nil {
		finished := *job.Finished
		out.Finished = &finished
	}
	return out
}
