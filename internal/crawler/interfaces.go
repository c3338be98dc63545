package crawler

import (
	"context"
	"time"
)

// JobStore persists job records and per-seed progress.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// ApplyProgress merges a finalized seed's images into the job and moves one
	// unit from pending to completed in a single atomic update.
	ApplyProgress(ctx context.Context, jobID string, seedURL string, images []string) error
	ListJobs(ctx context.Context) ([]string, error)
	Close() error
}

// Publisher pushes completion events to Kafka, Pub/Sub or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves raw page content for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor turns fetched markup into absolute image and link URLs.
type Extractor interface {
	Extract(baseURL string, body []byte) FetchResult
}

// PageFetcher is the memoized fetch-and-extract step used by workers. It never
// fails: unreachable pages yield an empty FetchResult.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, followLinks bool) FetchResult
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
