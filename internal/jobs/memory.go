package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryQueue is an in-process worker pool over a bounded channel
type MemoryQueue struct {
	*dispatcher
	workers int

	mu      sync.Mutex
	jobs    chan Job
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// MemoryOptions tune a MemoryQueue
type MemoryOptions struct {
	Workers    int
	Buffer     int
	OnComplete CompleteFunc
}

// NewMemory creates an in-process queue
func NewMemory(logger *logrus.Logger, opts MemoryOptions) *MemoryQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &MemoryQueue{
		dispatcher: newDispatcher(logger, opts.OnComplete),
		workers:    opts.Workers,
		jobs:       make(chan Job, opts.Buffer),
	}
}

// Handle registers the handler for a job name
func (q *MemoryQueue) Handle(name string, h HandlerFunc) {
	q.handle(name, h)
}

// Enqueue buffers a job. It never blocks; a full buffer returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	job := Job{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Start launches the workers. Jobs enqueued earlier run once workers start.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return nil
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

// worker processes jobs from the channel
func (q *MemoryQueue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)

		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting jobs, lets workers drain the buffer and waits for them
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
