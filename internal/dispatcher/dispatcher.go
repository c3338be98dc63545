// Package dispatcher turns submitted seed URLs into running crawl jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/fetcher/cache"
	"github.com/JakeFAU/image-crawler/internal/metrics"
	"github.com/JakeFAU/image-crawler/internal/queue/memory"
	"github.com/JakeFAU/image-crawler/internal/tracker"
	"github.com/JakeFAU/image-crawler/internal/worker"
)

const finalizeTimeout = 10 * time.Second

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Config bounds job submission.
type Config struct {
	MaxWorkers int
	CacheSize  int
	// Topic receives one crawler.SeedResult per finalized seed; empty disables publishing.
	Topic string
}

// Dispatcher owns every running job. Each job gets its own queue, tracker,
// fetch cache and worker pool; nothing mutable is shared between jobs.
type Dispatcher struct {
	store     crawler.JobStore
	publisher crawler.Publisher
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	idGen     crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	runs   map[string]*jobRun
	wg     sync.WaitGroup
}

type jobRun struct {
	id      string
	queue   *memory.Queue
	tracker *tracker.Tracker
	cancel  context.CancelFunc
	workers sync.WaitGroup
	started time.Time
	done    chan struct{}
}

// New creates a Dispatcher. publisher may be nil.
func New(
	store crawler.JobStore,
	publisher crawler.Publisher,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		fetcher:   fetcher,
		extractor: extractor,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*jobRun),
	}
}

// Submit validates the request, records the job and starts crawling in the
// background. It returns as soon as the root tasks are queued.
func (d *Dispatcher) Submit(ctx context.Context, seeds []string, workers int) (crawler.Job, error) {
	seeds, err := d.validate(seeds, workers)
	if err != nil {
		return crawler.Job{}, err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return crawler.Job{}, ErrClosed
	}

	id, err := d.idGen.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	logger := d.logger.With(zap.String("job_id", id))
	fetchCache, err := cache.New(d.fetcher, d.extractor, d.cfg.CacheSize, logger.Named("cache"))
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create fetch cache: %w", err)
	}

	run := &jobRun{
		id:      id,
		queue:   memory.NewQueue(),
		started: d.clock.Now(),
		done:    make(chan struct{}),
	}
	run.tracker = tracker.New(seeds, d.finalizer(id, logger))
	for _, seed := range seeds {
		root := crawler.Task{JobID: id, MainURL: seed, CurrentURL: seed, FollowLinks: true}
		if err := run.queue.Enqueue(ctx, root); err != nil {
			return crawler.Job{}, fmt.Errorf("enqueue root task: %w", err)
		}
	}

	job := crawler.NewJob(id, seeds, workers, d.clock.Now().UTC())
	if err := d.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return crawler.Job{}, ErrClosed
	}
	runCtx, cancel := context.WithCancel(d.ctx)
	run.cancel = cancel
	d.runs[id] = run
	d.wg.Add(1)
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		run.workers.Add(1)
		w := worker.New(i, run.queue, fetchCache, run.tracker, logger.Named("worker"))
		go func() {
			defer run.workers.Done()
			w.Run(runCtx)
		}()
	}
	go d.awaitCompletion(runCtx, run, logger)

	metrics.ObserveJob("submitted")
	logger.Info("job submitted", zap.Strings("seeds", seeds), zap.Int("workers", workers))
	return job, nil
}

// Wait blocks until the job's background execution ends. A job that is not
// running returns nil if the store knows it and crawler.ErrJobNotFound if not.
func (d *Dispatcher) Wait(ctx context.Context, jobID string) error {
	d.mu.Lock()
	run, ok := d.runs[jobID]
	d.mu.Unlock()
	if !ok {
		if _, err := d.store.GetJob(ctx, jobID); err != nil {
			return fmt.Errorf("wait for job: %w", err)
		}
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
	}
}

// Running returns the number of jobs still executing.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

// Close stops accepting jobs, cancels running ones and waits for their
// workers to exit or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher close: %w", ctx.Err())
	}
}

// awaitCompletion waits for the queue to drain, then stops the pool.
func (d *Dispatcher) awaitCompletion(ctx context.Context, run *jobRun, logger *zap.Logger) {
	defer d.wg.Done()
	defer close(run.done)

	err := run.queue.Join(ctx)
	run.cancel()
	run.queue.Close()
	run.workers.Wait()

	d.mu.Lock()
	delete(d.runs, run.id)
	d.mu.Unlock()

	elapsed := d.clock.Now().Sub(run.started)
	if err != nil {
		metrics.ObserveJob("interrupted")
		logger.Warn("job interrupted", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	metrics.ObserveJob("succeeded")
	metrics.ObserveJobDuration(elapsed)
	logger.Info("job finished", zap.Duration("elapsed", elapsed))
}

// finalizer reports one seed's images to the store and publisher. Failures
// are logged; the crawl itself never fails.
func (d *Dispatcher) finalizer(jobID string, logger *zap.Logger) tracker.FinalizeFunc {
	return func(seed string, images []string) {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		metrics.ObserveSeedFinalized(len(images))
		if err := d.store.ApplyProgress(ctx, jobID, seed, images); err != nil {
			logger.Error("apply progress failed", zap.String("seed", seed), zap.Error(err))
		}
		logger.Info("seed finalized", zap.String("seed", seed), zap.Int("images", len(images)))

		if d.publisher == nil || d.cfg.Topic == "" {
			return
		}
		msg := crawler.SeedResult{
			JobID:       jobID,
			SeedURL:     seed,
			Images:      images,
			FinalizedAt: d.clock.Now().UTC(),
		}
		if _, err := d.publisher.Publish(ctx, d.cfg.Topic, msg); err != nil {
			logger.Error("publish seed result failed", zap.String("seed", seed), zap.Error(err))
		}
	}
}

func (d *Dispatcher) validate(seeds []string, workers int) ([]string, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: threads must be at least 1", crawler.ErrInvalidJob)
	}
	if d.cfg.MaxWorkers > 0 && workers > d.cfg.MaxWorkers {
		return nil, fmt.Errorf("%w: threads must be at most %d", crawler.ErrInvalidJob, d.cfg.MaxWorkers)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", crawler.ErrInvalidJob)
	}
	out := make([]string, 0, len(seeds))
	seen := make(map[string]struct{}, len(seeds))
	for _, raw := range seeds {
		seed := strings.TrimSpace(raw)
		if !isHTTPURL(seed) {
			return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", crawler.ErrInvalidJob, raw)
		}
		if _, dup := seen[seed]; dup {
			continue
		}
		seen[seed] = struct{}{}
		out = append(out, seed)
	}
	return out, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
