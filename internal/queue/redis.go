package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	DefaultRedisKey    = "dealroom:jobs"
	defaultPollTimeout = 2 * time.Second
	redisErrorBackoff  = time.Second
	deadLetterSuffix   = ":dead"
)

type RedisOptions struct {
	Options
	// Key is the Redis list holding pending jobs.
	Key string
	// PollTimeout bounds each BRPOP; it is also the longest a worker takes
	// to notice shutdown.
	PollTimeout time.Duration
}

// RedisQueue keeps pending jobs in a Redis list so that API servers and
// worker processes can run on different hosts. Jobs that exhaust their
// attempts are moved to the dead-letter list.
type RedisQueue struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.Logger
}

func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	opts.Options = opts.Options.normalize()
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		logger: opts.Logger.Named("queue.redis"),
	}
}

// DeadLetterKey names the list that collects exhausted jobs.
func (q *RedisQueue) DeadLetterKey() string {
	return q.opts.Key + deadLetterSuffix
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	return q.push(ctx, q.opts.Key, job)
}

func (q *RedisQueue) push(ctx context.Context, key string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	q.logger.Info("workers started",
		zap.Int("workers", q.opts.Workers),
		zap.String("key", q.opts.Key))

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

func (q *RedisQueue) work(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, q.opts.PollTimeout, q.opts.Key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("brpop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisErrorBackoff):
			}
			continue
		}

		// res is [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("discarding malformed job", zap.Error(err), zap.String("raw", res[1]))
			if perr := q.client.LPush(context.WithoutCancel(ctx), q.DeadLetterKey(), res[1]).Err(); perr != nil {
				q.logger.Error("dead-letter push failed", zap.Error(perr), zap.String("raw", res[1]))
			}
			continue
		}
		q.process(ctx, handler, job)
	}
}

func (q *RedisQueue) process(ctx context.Context, handler Handler, job Job) {
	job.Attempt++
	err := invoke(ctx, handler, job)
	if err == nil {
		q.logger.Debug("job done", jobFields(job)...)
		return
	}

	pushCtx := context.WithoutCancel(ctx)
	if job.Attempt < q.opts.MaxAttempts {
		q.logger.Warn("job failed, requeueing", append(jobFields(job), zap.Error(err))...)
		if perr := q.push(pushCtx, q.opts.Key, job); perr != nil {
			q.logger.Error("requeue failed", append(jobFields(job), zap.Error(perr))...)
		}
		return
	}

	q.logger.Error("job failed", append(jobFields(job), zap.Error(err))...)
	if perr := q.push(pushCtx, q.DeadLetterKey(), job); perr != nil {
		q.logger.Error("dead-letter push failed", append(jobFields(job), zap.Error(perr))...)
	}
}
