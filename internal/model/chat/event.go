package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventMessageChunk    = "message_chunk"
	EventMessageComplete = "message_complete"
)

// ChunkEvent carries one streamed fragment of an assistant message.
type ChunkEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// EventMessage is the finalized message embedded in a CompleteEvent.
type EventMessage struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// CompleteEvent announces that an assistant message is final.
type CompleteEvent struct {
	Type    string       `json:"type"`
	Message EventMessage `json:"message"`
}

// FormatTimestamp renders t as ISO 8601 in UTC with second precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewChunkEvent builds the wire event for a fragment.
func NewChunkEvent(messageID int64, content string, at time.Time) ChunkEvent {
	return ChunkEvent{
		Type:      EventMessageChunk,
		MessageID: messageID,
		Content:   content,
		Timestamp: FormatTimestamp(at),
	}
}

// NewCompleteEvent builds the wire event for a finalized message.
func NewCompleteEvent(msg Message) CompleteEvent {
	return CompleteEvent{
		Type: EventMessageComplete,
		Message: EventMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: FormatTimestamp(msg.CreatedAt),
		},
	}
}

// DecodeEvent parses a bus payload into *ChunkEvent or *CompleteEvent.
func DecodeEvent(payload []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case EventMessageChunk:
		var evt ChunkEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return &evt, nil
	case EventMessageComplete:
		var evt CompleteEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return &evt, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}
