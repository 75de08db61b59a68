package bus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case payload, ok := <-ch:
		require.True(t, ok, "channel closed")
		return string(payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestMemoryBus_SubscribersReceiveInOrder(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ch1, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)
	ch2, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(context.Background(), "chat_1", []byte(p)))
	}

	for _, ch := range []<-chan []byte{ch1, ch2} {
		assert.Equal(t, "a", receive(t, ch))
		assert.Equal(t, "b", receive(t, ch))
		assert.Equal(t, "c", receive(t, ch))
	}
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ch1, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)
	ch2, err := b.Subscribe(testContext(t), "chat_2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "chat_1", []byte("one")))
	assert.Equal(t, "one", receive(t, ch1))

	select {
	case got := <-ch2:
		t.Fatalf("chat_2 received %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	assert.NoError(t, b.Publish(context.Background(), "chat_404", []byte("lost")))
}

func TestMemoryBus_LateSubscriberMissesEarlierEvents(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), "chat_1", []byte("early")))
	ch, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "chat_1", []byte("late")))

	assert.Equal(t, "late", receive(t, ch))
}

func TestMemoryBus_ContextCancelUnsubscribes(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "chat_1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("chat_1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers("chat_1"))
}

func TestMemoryBus_SlowSubscriberIsEvictedWithoutGaps(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	slow, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			_ = b.Publish(context.Background(), "chat_1", []byte(strconv.Itoa(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, 0, b.Subscribers("chat_1"))

	// everything buffered before the overflow arrives in order, then the
	// channel closes
	for i := 0; i < subscriberBufferSize; i++ {
		assert.Equal(t, strconv.Itoa(i), receive(t, slow))
	}
	select {
	case payload, ok := <-slow:
		assert.False(t, ok, "got %q after the overflow", payload)
	case <-time.After(time.Second):
		t.Fatal("evicted subscriber channel not closed")
	}

	fresh, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "chat_1", []byte("again")))
	assert.Equal(t, "again", receive(t, fresh))
}

func TestMemoryBus_EvictionDoesNotDisturbOtherSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	slow, err := b.Subscribe(ctx, "chat_1")
	require.NoError(t, err)

	got := make(chan string, subscriberBufferSize*2)
	fast, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)
	go func() {
		for payload := range fast {
			got <- string(payload)
		}
	}()

	for i := 0; i <= subscriberBufferSize; i++ {
		require.NoError(t, b.Publish(context.Background(), "chat_1", []byte(strconv.Itoa(i))))
		// keep the reader ahead of the buffer
		assert.Equal(t, strconv.Itoa(i), <-got)
	}
	assert.Equal(t, 1, b.Subscribers("chat_1"))

	// cancelling after eviction must not close the channel a second time
	cancel()
	for range slow {
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, b.Subscribers("chat_1"))
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(nil)

	ch, err := b.Subscribe(testContext(t), "chat_1")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), "chat_1", nil), ErrClosed)
	_, err = b.Subscribe(testContext(t), "chat_1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBus_ConcurrentPublishAndCancel(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := b.Subscribe(ctx, "chat_1")
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Publish(context.Background(), "chat_1", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}

func TestPublishJSON(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ch, err := b.Subscribe(testContext(t), "chat_7")
	require.NoError(t, err)

	require.NoError(t, PublishJSON(context.Background(), b, "chat_7", map[string]string{"type": "ping"}))
	assert.JSONEq(t, `{"type":"ping"}`, receive(t, ch))
}

func newRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewRedisBus(client, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b := newRedisBus(t)

	ch, err := b.Subscribe(testContext(t), "chat_3")
	require.NoError(t, err)

	for _, p := range []string{"first", "second"} {
		require.NoError(t, b.Publish(context.Background(), "chat_3", []byte(p)))
	}
	assert.Equal(t, "first", receive(t, ch))
	assert.Equal(t, "second", receive(t, ch))
}

func TestRedisBus_CancelClosesChannel(t *testing.T) {
	b := newRedisBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "chat_3")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedisBus_Closed(t *testing.T) {
	b := newRedisBus(t)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "chat_3", []byte("x")), ErrClosed)
	_, err := b.Subscribe(context.Background(), "chat_3")
	assert.ErrorIs(t, err, ErrClosed)
}

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	b, err := NewNATSBus(srv.ClientURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSBus_PublishSubscribe(t *testing.T) {
	b := newNATSBus(t)

	ch1, err := b.Subscribe(testContext(t), "chat_5")
	require.NoError(t, err)
	ch2, err := b.Subscribe(testContext(t), "chat_5")
	require.NoError(t, err)
	other, err := b.Subscribe(testContext(t), "chat_6")
	require.NoError(t, err)

	for _, p := range []string{"first", "second", "third"} {
		require.NoError(t, b.Publish(context.Background(), "chat_5", []byte(p)))
	}
	for _, ch := range []<-chan []byte{ch1, ch2} {
		assert.Equal(t, "first", receive(t, ch))
		assert.Equal(t, "second", receive(t, ch))
		assert.Equal(t, "third", receive(t, ch))
	}

	select {
	case got := <-other:
		t.Fatalf("chat_6 received %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNATSBus_CancelClosesChannel(t *testing.T) {
	b := newNATSBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "chat_5")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNATSBus_Closed(t *testing.T) {
	b := newNATSBus(t)

	ch, err := b.Subscribe(testContext(t), "chat_5")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after bus close")
	}
	assert.ErrorIs(t, b.Publish(context.Background(), "chat_5", []byte("x")), ErrClosed)
	_, err = b.Subscribe(context.Background(), "chat_5")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewNATSBusUnreachable(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	url := srv.ClientURL()
	srv.Shutdown()

	_, err := NewNATSBus(url, nil)
	assert.Error(t, err)
}
