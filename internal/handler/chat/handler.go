package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
	"github.com/zhouzirui/dealroom/backend/internal/queue"
	"github.com/zhouzirui/dealroom/backend/internal/render"
	chatService "github.com/zhouzirui/dealroom/backend/internal/service/chat"
	"github.com/zhouzirui/dealroom/backend/internal/store"
	"github.com/zhouzirui/dealroom/backend/pkg/utils"
)

// Handler serves the conversation REST endpoints.
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New builds a Handler. A nil logger disables logging.
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.Named("chat_handler"),
	}
}

// RegisterRoutes mounts the chat routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Post("/chats", h.handleCreateChat)
	r.Get("/chats/{chatID}", h.handleGetChat)
	r.Delete("/chats/{chatID}", h.handleDeleteChat)
	r.Post("/chats/{chatID}/messages", h.handleCreateMessage)
}

// ParseChatID reads the {chatID} URL parameter.
func ParseChatID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	list, err := h.chatSvc.ListConversations(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []chat.ConversationSummary{}
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

// handleCreateChat starts a conversation and queues the reply to its first prompt.
func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.chatSvc.StartConversation(r.Context(), payload.Model, payload.Prompt)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

type messageView struct {
	chat.Message
	ContentHTML string `json:"content_html,omitempty"`
}

type conversationView struct {
	chat.Conversation
	Messages []messageView `json:"messages"`
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseChatID(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	conv, err := h.chatSvc.GetConversation(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if conv.Messages == nil {
		conv.Messages = []chat.Message{}
	}
	if r.URL.Query().Get("format") != "html" {
		utils.RespondJSON(w, http.StatusOK, conv)
		return
	}

	view := conversationView{Conversation: conv, Messages: make([]messageView, 0, len(conv.Messages))}
	for _, msg := range conv.Messages {
		html, err := render.Markdown(msg.Content)
		if err != nil {
			h.logger.Warn("render failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		view.Messages = append(view.Messages, messageView{Message: msg, ContentHTML: html})
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseChatID(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	if err := h.chatSvc.DeleteConversation(r.Context(), id); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateMessage stores a user prompt; the reply is pushed over the cable and stream endpoints.
func (h *Handler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseChatID(r)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.chatSvc.SubmitPrompt(r.Context(), id, payload.Content)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, chatService.ErrEmptyPrompt):
		utils.RespondError(w, http.StatusBadRequest, "prompt must not be empty")
	case errors.Is(err, chatService.ErrUnknownModel):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueClosed):
		utils.RespondError(w, http.StatusServiceUnavailable, "generation queue unavailable")
	default:
		h.logger.Error("request failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
