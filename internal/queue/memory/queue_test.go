package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan crawler.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		task, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- task
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to block
	task := crawler.Task{JobID: "job-1", MainURL: "https://example.com", CurrentURL: "https://example.com"}
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.JobID != "job-1" {
			t.Fatalf("expected job-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueIsFIFOAndUnbounded(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Enqueue(ctx, crawler.Task{CurrentURL: string(rune('a' + i%26))}))
	}
	require.Equal(t, 1000, q.Len())
	for i := 0; i < 1000; i++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, string(rune('a'+i%26)), task.CurrentURL)
	}
	require.Zero(t, q.Len())
	require.Equal(t, 1000, q.Outstanding())
}

func TestQueueJoinWaitsForMarkDone(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Join(ctx), "empty queue joins immediately")

	require.NoError(t, q.Enqueue(ctx, crawler.Task{CurrentURL: "a"}))
	require.NoError(t, q.Enqueue(ctx, crawler.Task{CurrentURL: "b"}))

	joined := make(chan struct{})
	go func() {
		_ = q.Join(ctx)
		close(joined)
	}()

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkDone())

	select {
	case <-joined:
		t.Fatal("join returned while a task was still outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.MarkDone())
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not return after all tasks were marked done")
	}
}

func TestQueueMarkDoneTooManyTimes(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.ErrorIs(t, q.MarkDone(), ErrTooManyDone)
}

func TestQueueJoinRearmsAfterIdle(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.Task{}))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkDone())
	require.NoError(t, q.Join(ctx))

	require.NoError(t, q.Enqueue(ctx, crawler.Task{}))
	joinCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Join(joinCtx), context.DeadlineExceeded)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}
	if err := q.Enqueue(ctx, crawler.Task{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.NoError(t, q.Enqueue(context.Background(), crawler.Task{CurrentURL: "left-over"}))
	q.Close()

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err, "queued tasks drain after close")
	require.Equal(t, "left-over", task.CurrentURL)

	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.Task{}), ErrQueueClosed)
	// Closing twice should be safe.
	q.Close()
}

func TestQueueCloseWakesBlockedDequeuers(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrQueueClosed)
	}
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const producers, perProducer, consumers = 4, 250, 8
	var consumed sync.WaitGroup
	var mu sync.Mutex
	seen := 0
	for i := 0; i < consumers; i++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				if _, err := q.Dequeue(ctx); err != nil {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
				_ = q.MarkDone()
			}
		}()
	}

	var produced sync.WaitGroup
	for i := 0; i < producers; i++ {
		produced.Add(1)
		go func() {
			defer produced.Done()
			for j := 0; j < perProducer; j++ {
				_ = q.Enqueue(ctx, crawler.Task{})
			}
		}()
	}
	produced.Wait()

	joinCtx, joinCancel := context.WithTimeout(ctx, 5*time.Second)
	defer joinCancel()
	require.NoError(t, q.Join(joinCtx))
	cancel()
	consumed.Wait()
	require.Equal(t, producers*perProducer, seen)
}
