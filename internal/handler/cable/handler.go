// Package cable 通过 WebSocket 向浏览器推送会话事件。
package cable

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/bus"
	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
	chatHandler "github.com/zhouzirui/dealroom/backend/internal/handler/chat"
	"github.com/zhouzirui/dealroom/backend/internal/store"
	"github.com/zhouzirui/dealroom/backend/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ConversationFinder 查找客户端要订阅的会话。
type ConversationFinder interface {
	GetConversation(ctx context.Context, id int64) (chat.Conversation, error)
}

// Handler WebSocket 订阅处理器
type Handler struct {
	conversations ConversationFinder
	subscriber    bus.Subscriber
	upgrader      websocket.Upgrader
	logger        *zap.Logger
	pingPeriod    time.Duration
}

// New 创建 WebSocket 处理器。checkOrigin 为 nil 时接受任意来源。
func New(conversations ConversationFinder, subscriber bus.Subscriber, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		conversations: conversations,
		subscriber:    subscriber,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     logger.Named("cable"),
		pingPeriod: pingPeriod,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/cable", h.handleCable)
}

func (h *Handler) handleCable(w http.ResponseWriter, r *http.Request) {
	id, ok := chatHandler.ParseChatID(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	if _, err := h.conversations.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "chat not found")
			return
		}
		h.logger.Error("lookup failed", zap.Int64("conversation_id", id), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 先订阅再握手，客户端连上之后发布的事件都能收到
	topic := chat.Topic(id)
	events, err := h.subscriber.Subscribe(ctx, topic)
	if err != nil {
		h.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.With(zap.String("topic", topic))
	log.Debug("client connected")

	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, events, log)
	log.Debug("client disconnected")
}

// readLoop 只负责处理 pong 和关闭帧，客户端不会通过 cable 发送指令。
func (h *Handler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("read error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop 是 conn 唯一的写入者。
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan []byte, log *zap.Logger) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case payload, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
