package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBus relays events through Redis PUBLISH/SUBSCRIBE so that API
// servers and workers on different hosts share topics. The client is owned
// by the caller.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		logger: logger.Named("bus.redis"),
		done:   make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(ctx, topic)
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, subscriberBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()

	b.logger.Debug("subscribed", zap.String("topic", topic))
	return out, nil
}

func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *RedisBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

