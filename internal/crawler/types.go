package crawler

import (
	"sort"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
)

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID        string              `json:"id"`
	Status    JobStatus           `json:"status"`
	Seeds     []string            `json:"urls"`
	Workers   int                 `json:"threads"`
	Pending   int                 `json:"pending"`
	Completed int                 `json:"completed"`
	Images    map[string][]string `json:"image_urls"`
	Submitted time.Time           `json:"submitted_at"`
	Finished  *time.Time          `json:"finished_at,omitempty"`
}

// NewJob builds a running job with one pending unit per seed.
func NewJob(id string, seeds []string, workers int, submitted time.Time) Job {
	return Job{
		ID:        id,
		Status:    JobStatusRunning,
		Seeds:     append([]string(nil), seeds...),
		Workers:   workers,
		Pending:   len(seeds),
		Images:    make(map[string][]string, len(seeds)),
		Submitted: submitted,
	}
}

// Progress is the counter view returned by the status endpoint.
type Progress struct {
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// Progress returns the job counters.
func (j Job) Progress() Progress {
	return Progress{Completed: j.Completed, Pending: j.Pending}
}

// Task is one unit of fetch work for a job's workers.
// Root tasks fetch the seed itself with FollowLinks set; child tasks fetch a
// page linked from the seed and never follow links further.
type Task struct {
	JobID       string
	MainURL     string
	CurrentURL  string
	FollowLinks bool
}

// IsRoot reports whether the task fetches its seed URL.
func (t Task) IsRoot() bool {
	return t.FollowLinks
}

// Page is the raw content returned by a Fetcher.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// FetchResult holds the absolute image and link URLs found on one page.
type FetchResult struct {
	Images []string
	Links  []string
}

// SeedResult is the payload published once a seed is finalized.
type SeedResult struct {
	JobID       string    `json:"job_id"`
	SeedURL     string    `json:"seed_url"`
	Images      []string  `json:"image_urls"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// UniqueSorted returns the distinct values of urls in lexical order. The
// result is never nil.
func UniqueSorted(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// MessageKey partitions published results by job.
func (r SeedResult) MessageKey() string {
	return r.JobID
}
