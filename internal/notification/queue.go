package notification

import (
	"context"
	"log/slog"
	"sync"
)

// TaskQueue decouples channel sends from the caller's business transaction:
// dispatch hands each delivery to the queue instead of blocking on the
// provider call.
type TaskQueue interface {
	Submit(task func(ctx context.Context))
}

// WorkerQueue is the production queue: a buffered channel drained by a fixed
// pool of worker goroutines. Once submitted, a task runs to completion;
// there is no cancellation of in-flight sends.
type WorkerQueue struct {
	tasks chan func(ctx context.Context)
	wg    sync.WaitGroup
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewWorkerQueue(buffer int, log *slog.Logger) *WorkerQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &WorkerQueue{
		tasks: make(chan func(ctx context.Context), buffer),
		log:   log,
	}
}

// Run starts the worker pool and blocks until ctx is done and every
// already-submitted task has drained.
func (q *WorkerQueue) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	stop := make(chan struct{})
	var pool sync.WaitGroup
	for i := 0; i < workers; i++ {
		pool.Add(1)
		go func() {
			defer pool.Done()
			q.worker(stop)
		}()
	}

	<-ctx.Done()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait() // drain submitted tasks before stopping the pool
	close(stop)
	pool.Wait()
}

func (q *WorkerQueue) worker(stop <-chan struct{}) {
	for {
		select {
		case task := <-q.tasks:
			q.runTask(task)
		case <-stop:
			return
		}
	}
}

func (q *WorkerQueue) runTask(task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("send task panicked", slog.Any("panic", r))
		}
		q.wg.Done()
	}()
	// Sends run on a background context: pool shutdown must not abort an
	// attempt already dequeued. Each task carries its own timeout.
	task(context.Background())
}

// Submit enqueues a task. After shutdown, tasks run inline on the caller's
// goroutine rather than being dropped.
func (q *WorkerQueue) Submit(task func(ctx context.Context)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		task(context.Background())
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()
	q.tasks <- task
}

// Wait blocks until every submitted task has finished. Used in tests and
// during drain.
func (q *WorkerQueue) Wait() {
	q.wg.Wait()
}

// SyncQueue executes tasks inline. Used by tests and by callers that want
// synchronous delivery semantics.
type SyncQueue struct{}

func (SyncQueue) Submit(task func(ctx context.Context)) {
	task(context.Background())
}
