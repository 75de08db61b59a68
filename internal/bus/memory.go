package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryBus is an in-process Bus. Publish never blocks: a subscriber whose
// buffer is full is evicted and its channel closed, so a consumer sees either
// every event in order or a closed channel, never a gap.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // topic -> subID -> ch
	closed      bool
	logger      *zap.Logger
}

// NewMemoryBus creates an empty bus. A nil logger disables logging.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[string]chan []byte),
		logger:      logger.Named("bus"),
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	subID := uuid.NewString()
	ch := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan []byte)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", zap.String("topic", topic), zap.String("sub_id", subID))

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, subID)
	}()

	return ch, nil
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	// sends are non-blocking; the write lock lets an overflowing subscriber
	// be removed in the same pass
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for subID, ch := range b.subscribers[topic] {
		select {
		case ch <- payload:
		default:
			b.removeLocked(topic, subID)
			b.logger.Warn("evicted slow subscriber",
				zap.String("topic", topic),
				zap.String("sub_id", subID))
		}
	}
	return nil
}

// Subscribers reports how many subscribers are attached to topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *MemoryBus) unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removeLocked(topic, subID) {
		b.logger.Debug("subscriber removed", zap.String("topic", topic), zap.String("sub_id", subID))
	}
}

// removeLocked detaches and closes one subscriber. It reports false when the
// subscriber is already gone, which keeps eviction and cancellation from
// closing the same channel twice.
func (b *MemoryBus) removeLocked(topic, subID string) bool {
	subs, ok := b.subscribers[topic]
	if !ok {
		return false
	}
	ch, ok := subs[subID]
	if !ok {
		return false
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
	return true
}

// Close closes every subscriber channel. Later calls are no-ops.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	return nil
}
