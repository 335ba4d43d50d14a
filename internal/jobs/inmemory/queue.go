package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/bank-sync/internal/jobs"
)

// Queue is an in-memory extraction job publisher and consumer. A fixed
// number of workers bounds how many institutions run at once, which in turn
// bounds how many browsers are open. It is safe for concurrent use.
type Queue struct {
	jobChan   chan *jobs.ExtractionJob
	closeChan chan struct{}
	workers   int
	wg        sync.WaitGroup // worker goroutines
	pending   sync.WaitGroup // published jobs not yet terminal
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool

	// RetryDelay is multiplied by the retry count before a failed job is
	// re-enqueued.
	RetryDelay time.Duration
}

// NewQueue creates a new in-memory job queue.
// bufferSize determines how many jobs can be queued before PublishExtraction
// blocks; workers is the size of the pool and is raised to 1 when smaller.
func NewQueue(bufferSize, workers int, store jobs.JobStore) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobChan:    make(chan *jobs.ExtractionJob, bufferSize),
		closeChan:  make(chan struct{}),
		workers:    workers,
		store:      store,
		RetryDelay: time.Second,
	}
}

// PublishExtraction enqueues one institution's extraction.
func (q *Queue) PublishExtraction(ctx context.Context, job *jobs.ExtractionJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = 0
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	q.pending.Add(1)
	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	case <-q.closeChan:
		q.pending.Done()
		return fmt.Errorf("queue is closed")
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.drain(ctx.Err())
			return
		case <-q.closeChan:
			q.drain(fmt.Errorf("queue is closed"))
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// drain fails every job still buffered so Wait does not block on work that
// will never run.
func (q *Queue) drain(cause error) {
	for {
		select {
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.finish(context.Background(), job, jobs.JobStatusFailed, cause)
		default:
			return
		}
	}
}

// processJob runs a single attempt and either finishes the job or schedules
// a retry.
func (q *Queue) processJob(ctx context.Context, job *jobs.ExtractionJob, handler jobs.JobHandler) {
	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	job.CompletedAt = nil
	q.save(ctx, job)

	status, err := q.invoke(ctx, job, handler)
	if status == "" || !status.Terminal() {
		status = jobs.JobStatusCompleted
		if err != nil {
			status = jobs.JobStatusFailed
		}
	}
	if status == jobs.JobStatusFailed && err == nil {
		err = fmt.Errorf("job %s failed", job.JobID)
	}

	if status == jobs.JobStatusFailed && job.RetryCount < job.MaxRetries && ctx.Err() == nil {
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		job.Error = err.Error()
		q.save(ctx, job)

		delay := time.Duration(job.RetryCount) * q.RetryDelay
		time.AfterFunc(delay, func() { q.requeue(ctx, job) })
		return
	}

	q.finish(ctx, job, status, err)
}

// invoke calls handler and turns a panic into a failed attempt.
func (q *Queue) invoke(ctx context.Context, job *jobs.ExtractionJob, handler jobs.JobHandler) (status jobs.JobStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = jobs.JobStatusFailed, fmt.Errorf("job %s panicked: %v", job.JobID, r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) requeue(ctx context.Context, job *jobs.ExtractionJob) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.finish(context.Background(), job, jobs.JobStatusFailed, fmt.Errorf("queue closed before retry"))
		return
	}
	job.Status = jobs.JobStatusPending
	job.StartedAt = nil
	select {
	case q.jobChan <- job:
	case <-ctx.Done():
		q.finish(context.Background(), job, jobs.JobStatusFailed, ctx.Err())
	case <-q.closeChan:
		q.finish(context.Background(), job, jobs.JobStatusFailed, fmt.Errorf("queue closed before retry"))
	}
}

func (q *Queue) finish(ctx context.Context, job *jobs.ExtractionJob, status jobs.JobStatus, err error) {
	completedAt := time.Now()
	job.CompletedAt = &completedAt
	job.Status = status
	job.Error = ""
	if err != nil {
		job.Error = err.Error()
	}
	q.save(ctx, job)
	q.pending.Done()
}

func (q *Queue) save(ctx context.Context, job *jobs.ExtractionJob) {
	if q.store != nil {
		_ = q.store.SaveJob(context.WithoutCancel(ctx), job)
	}
}

// Wait blocks until every published job has finished, or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the queue and waits for in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the queue.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
