// Package bus fans conversation events out to live subscribers.
//
// Delivery is fire-and-forget and at-most-once: a subscriber that connects
// after an event was published never sees it. Events on one topic reach each
// subscriber in publish order. A subscriber that falls too far behind is cut
// off rather than skipped over: its channel closes and it must resubscribe
// and reload the transcript.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned once the bus has been shut down.
var ErrClosed = errors.New("bus closed")

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Subscriber interface {
	// Subscribe returns a channel of raw payloads published on topic. The
	// channel is closed when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.Publish(ctx, topic, payload)
}
