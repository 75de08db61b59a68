package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func runInBackground(t *testing.T, r Runner, handler Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("runner did not stop")
		}
	})
	return cancel
}

func TestNewJob(t *testing.T) {
	job := NewJob(42, 99, "What is the ARR?")
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, int64(42), job.ConversationID)
	assert.Equal(t, int64(99), job.MessageID)
	assert.Equal(t, "What is the ARR?", job.Prompt)
	assert.Zero(t, job.Attempt)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestMemoryQueue_RunsEveryJob(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 3})

	var mu sync.Mutex
	seen := map[int64]string{}
	var wg sync.WaitGroup
	wg.Add(10)
	runInBackground(t, q, func(_ context.Context, job Job) error {
		defer wg.Done()
		mu.Lock()
		seen[job.ConversationID] = job.Prompt
		mu.Unlock()
		return nil
	})

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), NewJob(i, 1, "hi")))
	}
	waitTimeout(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
}

func TestMemoryQueue_RetriesUntilMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1, MaxAttempts: 3})

	var attempts atomic.Int32
	finished := make(chan int, 1)
	runInBackground(t, q, func(_ context.Context, job Job) error {
		attempts.Add(1)
		if job.Attempt < 2 {
			return errors.New("provider hiccup")
		}
		finished <- job.Attempt
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), NewJob(1, 1, "hi")))

	select {
	case attempt := <-finished:
		assert.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestMemoryQueue_DefaultIsSingleAttempt(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1})

	var attempts atomic.Int32
	runInBackground(t, q, func(_ context.Context, job Job) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, q.Enqueue(context.Background(), NewJob(1, 1, "hi")))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMemoryQueue_PanicDoesNotKillWorker(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1})

	ok := make(chan int64, 1)
	runInBackground(t, q, func(_ context.Context, job Job) error {
		if job.ConversationID == 1 {
			panic("broken job")
		}
		ok <- job.ConversationID
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), NewJob(1, 1, "hi")))
	require.NoError(t, q.Enqueue(context.Background(), NewJob(2, 1, "hi")))

	select {
	case id := <-ok:
		assert.Equal(t, int64(2), id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1})
	require.NoError(t, q.Enqueue(context.Background(), NewJob(1, 1, "buffered")))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), NewJob(2, 1, "late")), ErrQueueClosed)

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(context.Background(), func(context.Context, Job) error {
			handled.Add(1)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, int32(1), handled.Load(), "buffered job is drained")
}

func TestMemoryQueue_HandlerOutlivesShutdown(t *testing.T) {
	q := NewMemoryQueue(Options{Workers: 1})

	started := make(chan struct{})
	result := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, func(jobCtx context.Context, _ Job) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			result <- jobCtx.Err()
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), NewJob(1, 1, "hi")))
	<-started
	cancel()
	<-done

	assert.NoError(t, <-result, "in-flight job keeps a live context")
}

func newRedisQueue(t *testing.T, opts Options) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, RedisOptions{
		Options:     opts,
		Key:         "test:jobs",
		PollTimeout: time.Second,
	})
	return q, mr
}

func TestRedisQueue_EnqueueStoresJSON(t *testing.T) {
	q, mr := newRedisQueue(t, Options{})

	job := NewJob(7, 12, "Summarize the deck")
	require.NoError(t, q.Enqueue(context.Background(), job))

	items, err := mr.List("test:jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var got Job
	require.NoError(t, json.Unmarshal([]byte(items[0]), &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, int64(7), got.ConversationID)
	assert.Equal(t, int64(12), got.MessageID)
	assert.Equal(t, "Summarize the deck", got.Prompt)
}

func TestRedisQueue_RunsJobs(t *testing.T) {
	q, _ := newRedisQueue(t, Options{Workers: 2})

	got := make(chan Job, 2)
	runInBackground(t, q, func(_ context.Context, job Job) error {
		got <- job
		return nil
	})

	require.NoError(t, q.Enqueue(context.Background(), NewJob(1, 1, "a")))
	require.NoError(t, q.Enqueue(context.Background(), NewJob(2, 1, "b")))

	ids := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case job := <-got:
			ids[job.ConversationID] = true
			assert.Equal(t, 1, job.Attempt)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for job")
		}
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, ids)
}

func TestRedisQueue_ExhaustedJobsAreDeadLettered(t *testing.T) {
	q, mr := newRedisQueue(t, Options{Workers: 1, MaxAttempts: 2})

	var attempts atomic.Int32
	runInBackground(t, q, func(context.Context, Job) error {
		attempts.Add(1)
		return errors.New("provider down")
	})

	require.NoError(t, q.Enqueue(context.Background(), NewJob(9, 1, "hi")))

	require.Eventually(t, func() bool {
		items, err := mr.List(q.DeadLetterKey())
		return err == nil && len(items) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())

	items, err := mr.List(q.DeadLetterKey())
	require.NoError(t, err)
	var dead Job
	require.NoError(t, json.Unmarshal([]byte(items[0]), &dead))
	assert.Equal(t, int64(9), dead.ConversationID)
	assert.Equal(t, 2, dead.Attempt)
}

func TestRedisQueue_MalformedJobsAreDeadLettered(t *testing.T) {
	q, mr := newRedisQueue(t, Options{Workers: 1})

	var calls atomic.Int32
	runInBackground(t, q, func(context.Context, Job) error {
		calls.Add(1)
		return nil
	})

	_, err := mr.Lpush("test:jobs", "{not json")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items, err := mr.List(q.DeadLetterKey())
		return err == nil && len(items) == 1 && items[0] == "{not json"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRedisQueue_DeadLetterFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	q, mr := newRedisQueue(t, Options{Workers: 1, Logger: zap.New(core)})

	// a string under the dead-letter key makes LPUSH fail with WRONGTYPE
	require.NoError(t, mr.Set(q.DeadLetterKey(), "occupied"))
	runInBackground(t, q, func(context.Context, Job) error { return nil })

	_, err := mr.Lpush("test:jobs", "{not json")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("dead-letter push failed").Len() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
}
