// Package broadcast drives a single assistant reply: it reads the
// completion stream, persists every fragment, and publishes the fragments
// and the final message to the conversation's topic.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/moby/locker"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/bus"
	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
	"github.com/zhouzirui/dealroom/backend/internal/queue"
	"github.com/zhouzirui/dealroom/backend/internal/service/ai"
	"github.com/zhouzirui/dealroom/backend/internal/store"
)

// Completer starts a completion stream answering prompt. A prompt with an ID
// refers to a stored user message of conv; only the messages before it are
// sent as history.
type Completer interface {
	Complete(ctx context.Context, conv chat.Conversation, prompt chat.Message) (ai.Stream, error)
}

type Options struct {
	// GenerationTimeout bounds one reply end to end; zero disables it.
	GenerationTimeout time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

// Broadcaster is the queue handler for generation jobs.
type Broadcaster struct {
	store     store.Store
	completer Completer
	publisher bus.Publisher
	locks     *locker.Locker
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func New(st store.Store, completer Completer, publisher bus.Publisher, opts Options) *Broadcaster {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{
		store:     st,
		completer: completer,
		publisher: publisher,
		locks:     locker.New(),
		timeout:   opts.GenerationTimeout,
		logger:    logger.Named("broadcaster"),
		now:       now,
	}
}

// Handle runs one generation. Replies for the same conversation never run
// at the same time within a process. Chunks are persisted before they are
// published, and message_complete is published only after the message has
// been finalized. Any provider or store error fails the job without a
// message_complete event; whatever was persisted so far is kept.
func (b *Broadcaster) Handle(ctx context.Context, job queue.Job) error {
	key := strconv.FormatInt(job.ConversationID, 10)
	b.locks.Lock(key)
	defer b.locks.Unlock(key) //nolint:errcheck

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	log := b.logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("conversation_id", job.ConversationID),
		zap.Int64("prompt_id", job.MessageID))
	started := time.Now()

	conv, err := b.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %d: %w", job.ConversationID, err)
	}
	if err := b.freezeAbandonedDraft(ctx, conv, log); err != nil {
		return err
	}

	prompt := chat.Message{ID: job.MessageID, Role: chat.RoleUser, Content: job.Prompt}
	stream, err := b.completer.Complete(ctx, conv, prompt)
	if err != nil {
		log.Error("completion failed to start", zap.Error(err))
		return err
	}
	defer stream.Close()

	topic := chat.Topic(conv.ID)
	var (
		messageID int64
		chunks    int
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error("completion stream failed",
				zap.Int64("message_id", messageID),
				zap.Int("chunks", chunks),
				zap.Error(err))
			return fmt.Errorf("stream completion for conversation %d: %w", conv.ID, err)
		}
		if chunk.Content == "" {
			continue
		}

		if messageID == 0 {
			msg, err := b.store.TrailingAssistantMessage(ctx, conv.ID)
			if err != nil {
				return fmt.Errorf("open assistant message: %w", err)
			}
			messageID = msg.ID
		}
		if err := b.store.AppendToMessage(ctx, messageID, chunk.Content); err != nil {
			return fmt.Errorf("persist chunk for message %d: %w", messageID, err)
		}
		chunks++
		b.publish(ctx, topic, chat.NewChunkEvent(messageID, chunk.Content, b.now()), log)
	}

	if messageID == 0 {
		// the provider produced no text; the reply is an empty message
		msg, err := b.store.TrailingAssistantMessage(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("open assistant message: %w", err)
		}
		messageID = msg.ID
	}

	final, err := b.store.FinalizeMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("finalize message %d: %w", messageID, err)
	}
	b.publish(ctx, topic, chat.NewCompleteEvent(final), log)

	log.Info("reply completed",
		zap.Int64("message_id", final.ID),
		zap.Int("chunks", chunks),
		zap.Int("length", len(final.Content)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// freezeAbandonedDraft marks an unfinished assistant message left by an
// earlier failed attempt as abandoned. The new reply starts a message of its
// own and the partial text is never fed back to the model.
func (b *Broadcaster) freezeAbandonedDraft(ctx context.Context, conv chat.Conversation, log *zap.Logger) error {
	last, ok := conv.Last()
	if !ok || last.Role != chat.RoleAssistant || last.Finalized() {
		return nil
	}
	if _, err := b.store.AbandonMessage(ctx, last.ID); err != nil {
		return fmt.Errorf("abandon draft %d: %w", last.ID, err)
	}
	log.Warn("abandoned unfinished assistant draft", zap.Int64("message_id", last.ID))
	return nil
}

// publish is fire-and-forget; a bus failure never fails the reply.
func (b *Broadcaster) publish(ctx context.Context, topic string, event any, log *zap.Logger) {
	if err := bus.PublishJSON(ctx, b.publisher, topic, event); err != nil {
		log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
