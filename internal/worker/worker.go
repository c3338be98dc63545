// Package worker implements the per-job task execution loop.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/metrics"
)

// Queue is the slice of the task queue a worker needs.
type Queue interface {
	Enqueue(ctx context.Context, task crawler.Task) error
	Dequeue(ctx context.Context) (crawler.Task, error)
	MarkDone() error
}

// Tracker receives each task's contribution to its seed.
type Tracker interface {
	RootDone(seed string, images []string, children int) error
	ChildDone(seed string, images []string) error
}

// Worker consumes tasks for one job until its context is canceled.
type Worker struct {
	id      int
	queue   Queue
	fetcher crawler.PageFetcher
	tracker Tracker
	logger  *zap.Logger
}

// New constructs a Worker.
func New(id int, queue Queue, fetcher crawler.PageFetcher, tracker Tracker, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		id:      id,
		queue:   queue,
		fetcher: fetcher,
		tracker: tracker,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming tasks until Dequeue fails. Cancellation is only
// observed between tasks, so an in-flight fetch always completes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("worker stopping", zap.Error(err))
			}
			return
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task crawler.Task) {
	defer func() {
		if err := w.queue.MarkDone(); err != nil {
			w.logger.Error("mark done failed", zap.String("job_id", task.JobID), zap.Error(err))
		}
	}()
	if task.IsRoot() {
		w.processRoot(ctx, task)
		return
	}
	w.processChild(ctx, task)
}

// processRoot fetches the seed page, registers its child count with the
// tracker and then enqueues one child task per discovered link.
func (w *Worker) processRoot(ctx context.Context, task crawler.Task) {
	var (
		links    []string
		reported bool
		spawned  int
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		w.logger.Error("root task panicked",
			zap.String("job_id", task.JobID),
			zap.String("url", task.CurrentURL),
			zap.String("panic", fmt.Sprint(r)),
		)
		if !reported {
			w.report(task, w.tracker.RootDone(task.MainURL, nil, 0))
			return
		}
		for i := spawned; i < len(links); i++ {
			w.report(task, w.tracker.ChildDone(task.MainURL, nil))
		}
	}()

	res := w.fetcher.Fetch(ctx, task.CurrentURL, true)
	links = res.Links
	// Children may finish before this loop ends, so the count goes first.
	if err := w.tracker.RootDone(task.MainURL, res.Images, len(links)); err != nil {
		reported = true
		w.report(task, err)
		return
	}
	reported = true

	for _, link := range links {
		child := crawler.Task{
			JobID:      task.JobID,
			MainURL:    task.MainURL,
			CurrentURL: link,
		}
		if err := w.queue.Enqueue(ctx, child); err != nil {
			w.logger.Warn("enqueue child failed",
				zap.String("job_id", task.JobID),
				zap.String("url", link),
				zap.Error(err),
			)
			w.report(task, w.tracker.ChildDone(task.MainURL, nil))
		}
		spawned++
	}
	w.logger.Debug("root processed",
		zap.String("job_id", task.JobID),
		zap.String("url", task.CurrentURL),
		zap.Int("images", len(res.Images)),
		zap.Int("links", len(links)),
	)
}

func (w *Worker) processChild(ctx context.Context, task crawler.Task) {
	var images []string
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("child task panicked",
				zap.String("job_id", task.JobID),
				zap.String("url", task.CurrentURL),
				zap.String("panic", fmt.Sprint(r)),
			)
			images = nil
		}
		w.report(task, w.tracker.ChildDone(task.MainURL, images))
	}()
	images = w.fetcher.Fetch(ctx, task.CurrentURL, false).Images
}

func (w *Worker) report(task crawler.Task, err error) {
	if err == nil {
		return
	}
	w.logger.Error("tracker rejected report",
		zap.String("job_id", task.JobID),
		zap.String("seed", task.MainURL),
		zap.String("url", task.CurrentURL),
		zap.Error(err),
	)
}
