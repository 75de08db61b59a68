// Package stream serves conversation events as Server-Sent Events for
// clients that cannot hold a WebSocket open.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/bus"
	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
	chatHandler "github.com/zhouzirui/dealroom/backend/internal/handler/chat"
	"github.com/zhouzirui/dealroom/backend/internal/store"
	"github.com/zhouzirui/dealroom/backend/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

// ConversationFinder resolves the conversation a client wants to follow.
type ConversationFinder interface {
	GetConversation(ctx context.Context, id int64) (chat.Conversation, error)
}

// Handler manages event streams via Server-Sent Events
type Handler struct {
	conversations ConversationFinder
	subscriber    bus.Subscriber
	logger        *zap.Logger
	keepAlive     time.Duration
}

// New creates a new stream handler
func New(conversations ConversationFinder, subscriber bus.Subscriber, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		conversations: conversations,
		subscriber:    subscriber,
		logger:        logger.Named("sse"),
		keepAlive:     keepAliveInterval,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/events", h.handleEvents)
}

// handleEvents writes one SSE message per bus event, named after the event type.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id, ok := chatHandler.ParseChatID(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	ctx := r.Context()
	if _, err := h.conversations.GetConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "chat not found")
			return
		}
		h.logger.Error("lookup failed", zap.Int64("conversation_id", id), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	topic := chat.Topic(id)
	events, err := h.subscriber.Subscribe(ctx, topic)
	if err != nil {
		h.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "subscribed "+topic); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
			if err := utils.WriteSSE(w, flusher, eventName(payload), payload); err != nil {
				h.logger.Debug("write failed", zap.String("topic", topic), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}

func eventName(payload []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.Type
}
