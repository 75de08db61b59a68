package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const memoryQueueBuffer = 256

// MemoryQueue is a channel-backed queue for single-process deployments.
type MemoryQueue struct {
	jobs chan Job
	done chan struct{}
	once sync.Once

	opts   Options
	logger *zap.Logger
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	opts = opts.normalize()
	return &MemoryQueue{
		jobs:   make(chan Job, memoryQueueBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: opts.Logger.Named("queue"),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		q.logger.Debug("job enqueued", jobFields(job)...)
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is cancelled or the
// queue is closed. Jobs still buffered at Close are worked off first.
func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	q.logger.Info("workers started", zap.Int("workers", q.opts.Workers))

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()

	q.logger.Info("workers stopped")
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, handler, job)
		case <-q.done:
			for {
				select {
				case job := <-q.jobs:
					q.process(ctx, handler, job)
				default:
					return
				}
			}
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, handler Handler, job Job) {
	for {
		job.Attempt++
		err := invoke(ctx, handler, job)
		if err == nil {
			q.logger.Debug("job done", jobFields(job)...)
			return
		}
		if job.Attempt >= q.opts.MaxAttempts {
			q.logger.Error("job failed", append(jobFields(job), zap.Error(err))...)
			return
		}
		q.logger.Warn("job failed, retrying", append(jobFields(job), zap.Error(err))...)
		if ctx.Err() != nil {
			return
		}
	}
}

// Close stops accepting jobs. Running workers drain the buffer and exit.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
