package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
	"github.com/classifieds/realtime/internal/middleware"
	"github.com/classifieds/realtime/pkg/response"
)

type ChatHandler struct {
	chatService *domain.ChatService
	logger      *zap.Logger
}

func NewChatHandler(chatService *domain.ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		logger:      logger,
	}
}

type startChatRequest struct {
	ListingID string `json:"listing_id" validate:"required,uuid"`
	Message   string `json:"message" validate:"required"`
}

type sendMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

// StartChat opens the chat about a listing and sends its first message
func (h *ChatHandler) StartChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req startChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "start chat", err)
		return
	}

	chat, msg, err := h.chatService.StartChat(r.Context(), uuid.MustParse(req.ListingID), userID, req.Message)
	if err != nil {
		writeError(w, h.logger, "start chat", err)
		return
	}

	response.Created(w, map[string]interface{}{
		"chat":    chat,
		"message": msg,
	})
}

// GetChats returns list of user's chats
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	limit, offset := pagination(r)
	chats, err := h.chatService.ListChats(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, h.logger, "get chats", err)
		return
	}

	response.OK(w, chats)
}

// GetMessages returns messages for a chat
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chatId"))
	if err != nil {
		response.BadRequest(w, "invalid chat id")
		return
	}

	limit, offset := pagination(r)
	messages, err := h.chatService.GetMessages(r.Context(), chatID, userID, limit, offset)
	if err != nil {
		writeError(w, h.logger, "get messages", err)
		return
	}

	response.OK(w, messages)
}

// SendMessage is the HTTP fallback of the create_message socket event
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chatId"))
	if err != nil {
		response.BadRequest(w, "invalid chat id")
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "send message", err)
		return
	}

	msg, err := h.chatService.SendMessage(r.Context(), chatID, userID, req.Message)
	if err != nil {
		writeError(w, h.logger, "send message", err)
		return
	}

	response.Created(w, msg)
}

// MarkRead marks every message from the other participant as read
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chatId"))
	if err != nil {
		response.BadRequest(w, "invalid chat id")
		return
	}

	if err := h.chatService.MarkRead(r.Context(), chatID, userID); err != nil {
		writeError(w, h.logger, "mark chat read", err)
		return
	}

	response.OK(w, map[string]string{"status": "success.chat.messages.read"})
}
