package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus relays events over NATS subjects named after the topic.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url string, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bus.nats")

	opts := []nats.Option{
		nats.Name("dealroom-chat"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSBus{conn: conn, logger: logger, done: make(chan struct{})}, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	in := make(chan *nats.Msg, subscriberBufferSize)
	sub, err := b.conn.ChanSubscribe(topic, in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	// make sure the server knows about the interest before returning
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	out := make(chan []byte, subscriberBufferSize)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg := <-in:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()

	return out, nil
}

// Close drains the connection and ends all subscriptions.
func (b *NATSBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("nats drain failed", zap.Error(err))
			b.conn.Close()
		}
	})
	return nil
}

func (b *NATSBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
