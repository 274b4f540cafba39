package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
	"github.com/classifieds/realtime/internal/middleware"
	"github.com/classifieds/realtime/pkg/response"
	"github.com/classifieds/realtime/pkg/validator"
)

const (
	registryTimeout = 5 * time.Second
	eventTimeout    = 10 * time.Second
)

// Socket events sent by this handler besides the chat and notification events.
const (
	EventConnected       = "connected"
	EventChatRead        = "chat_read"
	EventError           = "error"
	EventValidationError = "validation_error"
)

// DeliveryStarter starts or wakes the notification delivery of a user.
type DeliveryStarter interface {
	Ensure(userID uuid.UUID)
}

// ConnectionHandler owns the lifecycle of real-time connections: it
// registers sessions on connect, serves inbound chat events, and removes
// sessions on disconnect.
type ConnectionHandler struct {
	ws       *WebSocketManager
	registry domain.SessionRegistry
	users    domain.UserDirectory
	delivery DeliveryStarter
	chats    *domain.ChatService
	logger   *zap.Logger
}

func NewConnectionHandler(
	ws *WebSocketManager,
	registry domain.SessionRegistry,
	users domain.UserDirectory,
	delivery DeliveryStarter,
	chats *domain.ChatService,
	logger *zap.Logger,
) *ConnectionHandler {
	return &ConnectionHandler{
		ws:       ws,
		registry: registry,
		users:    users,
		delivery: delivery,
		chats:    chats,
		logger:   logger,
	}
}

// HandleWebSocket upgrades an authenticated request to a WebSocket.
func (h *ConnectionHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.ws.Add(conn, userID)
	go client.WritePump()

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if err := h.registry.Register(ctx, client.ID, userID); err != nil {
		h.logger.Error("failed to register session",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		h.ws.Remove(client)
		return
	}
	h.cacheDisplayName(ctx, userID)
	h.delivery.Ensure(userID)

	err = h.ws.Emit(ctx, client.ID, EventConnected, map[string]string{
		"connection_id": client.ID.String(),
		"user_id":       userID.String(),
	})
	if err != nil {
		h.logger.Debug("failed to emit connected", zap.Error(err))
	}

	h.logger.Info("client connected",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.ID.String()),
	)
	go client.ReadPump(context.Background(), h.logger, h.handleEvent, func() { h.disconnect(client) })
}

func (h *ConnectionHandler) cacheDisplayName(ctx context.Context, userID uuid.UUID) {
	user, err := h.users.GetUserByID(ctx, userID)
	if err != nil {
		h.logger.Warn("failed to load user for display name", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if err := h.registry.CacheDisplayName(ctx, userID, user.DisplayName()); err != nil {
		h.logger.Warn("failed to cache display name", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// disconnect is best effort: a failed unregister leaves a stale session
// that fails emits until the next successful registry write.
func (h *ConnectionHandler) disconnect(client *Client) {
	h.ws.Remove(client)

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.registry.Unregister(ctx, client.ID); err != nil {
		h.logger.Error("failed to unregister session",
			zap.String("user_id", client.UserID.String()),
			zap.String("connection_id", client.ID.String()),
			zap.Error(err),
		)
		return
	}
	h.logger.Info("client disconnected",
		zap.String("user_id", client.UserID.String()),
		zap.String("connection_id", client.ID.String()),
	)
}

type createChatEvent struct {
	ListingID string `json:"listing_id" validate:"required,uuid"`
	Message   string `json:"message" validate:"required"`
}

type createMessageEvent struct {
	ChatID  string `json:"chat_id" validate:"required,uuid"`
	Message string `json:"message" validate:"required"`
}

type readChatEvent struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

func (h *ConnectionHandler) handleEvent(parent context.Context, client *Client, eventType string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(parent, eventTimeout)
	defer cancel()

	switch eventType {
	case "create_chat_and_first_message":
		var req createChatEvent
		if !h.decodeEvent(ctx, client, payload, &req) {
			return
		}
		_, _, err := h.chats.StartChat(ctx, uuid.MustParse(req.ListingID), client.UserID, req.Message)
		h.replyError(ctx, client, eventType, err)

	case "create_message":
		var req createMessageEvent
		if !h.decodeEvent(ctx, client, payload, &req) {
			return
		}
		_, err := h.chats.SendMessage(ctx, uuid.MustParse(req.ChatID), client.UserID, req.Message)
		h.replyError(ctx, client, eventType, err)

	case "read_chat":
		var req readChatEvent
		if !h.decodeEvent(ctx, client, payload, &req) {
			return
		}
		chatID := uuid.MustParse(req.ChatID)
		if err := h.chats.MarkRead(ctx, chatID, client.UserID); err != nil {
			h.replyError(ctx, client, eventType, err)
			return
		}
		h.emit(ctx, client, EventChatRead, map[string]string{
			"chat_id": chatID.String(),
			"message": "success.chat.messages.read",
		})

	case "":
		h.emit(ctx, client, EventValidationError, map[string]string{"detail": "error.body.invalid.schema"})

	default:
		h.emit(ctx, client, EventValidationError, map[string]string{"detail": "error.event.unknown"})
	}
}

// decodeEvent reports false, after telling the client, when the payload
// does not match the event schema.
func (h *ConnectionHandler) decodeEvent(ctx context.Context, client *Client, payload json.RawMessage, dst interface{}) bool {
	if len(payload) == 0 || json.Unmarshal(payload, dst) != nil || validator.Struct(dst) != nil {
		h.emit(ctx, client, EventValidationError, map[string]string{"detail": "error.body.invalid.schema"})
		return false
	}
	return true
}

func (h *ConnectionHandler) replyError(ctx context.Context, client *Client, eventType string, err error) {
	if err == nil {
		return
	}
	key := socketErrorKey(err)
	if key == "error.internal" {
		h.logger.Error("socket event failed",
			zap.String("event", eventType),
			zap.String("user_id", client.UserID.String()),
			zap.Error(err),
		)
	}
	h.emit(ctx, client, EventError, map[string]string{"error": key})
}

func (h *ConnectionHandler) emit(ctx context.Context, client *Client, event string, payload interface{}) {
	if err := h.ws.Emit(ctx, client.ID, event, payload); err != nil {
		h.logger.Debug("failed to reply on socket", zap.String("event", event), zap.Error(err))
	}
}

func socketErrorKey(err error) string {
	switch {
	case errors.Is(err, domain.ErrSelfMessaging):
		return "error.chat.your_own_listing"
	case errors.Is(err, domain.ErrChatNotFound), errors.Is(err, domain.ErrNotChatParticipant):
		return "error.chat.not_found"
	case errors.Is(err, domain.ErrListingNotFound):
		return "error.listing.not_found"
	case errors.Is(err, domain.ErrEmptyMessage):
		return "error.body.invalid.schema"
	default:
		return "error.internal"
	}
}
