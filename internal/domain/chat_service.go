package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxMessageLength = 4000

type ChatService struct {
	repo      ChatRepository
	listings  ListingDirectory
	registry  SessionRegistry
	publisher EventPublisher
	handoff   JobSubmitter
	logger    *zap.Logger
}

func NewChatService(
	repo ChatRepository,
	listings ListingDirectory,
	registry SessionRegistry,
	publisher EventPublisher,
	handoff JobSubmitter,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		repo:      repo,
		listings:  listings,
		registry:  registry,
		publisher: publisher,
		handoff:   handoff,
		logger:    logger,
	}
}

// CreateChat opens the chat between buyerID and the owner of listingID.
func (s *ChatService) CreateChat(ctx context.Context, listingID, buyerID uuid.UUID) (*Chat, error) {
	ownerID, err := s.listings.GetListingOwner(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if ownerID == buyerID {
		return nil, ErrSelfMessaging
	}
	return s.repo.CreateChat(ctx, listingID, buyerID)
}

// CreateOrGetChat resolves a creation conflict by looking the chat up. The
// bool reports whether this call created it.
func (s *ChatService) CreateOrGetChat(ctx context.Context, listingID, buyerID uuid.UUID) (*Chat, bool, error) {
	chat, err := s.CreateChat(ctx, listingID, buyerID)
	if err == nil {
		return chat, true, nil
	}
	if !errors.Is(err, ErrChatAlreadyExists) {
		return nil, false, err
	}
	chat, err = s.repo.GetChatByListingAndBuyer(ctx, listingID, buyerID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup existing chat: %w", err)
	}
	return chat, false, nil
}

// StartChat opens (or reuses) the chat for a listing and sends its first message.
func (s *ChatService) StartChat(ctx context.Context, listingID, buyerID uuid.UUID, content string) (*Chat, *Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return nil, nil, err
	}
	chat, created, err := s.CreateOrGetChat(ctx, listingID, buyerID)
	if err != nil {
		return nil, nil, err
	}
	if created {
		s.publisher.PublishToUser(ctx, chat.BuyerID, EventNewChat, chat)
		s.publisher.PublishToUser(ctx, chat.SellerID, EventNewChat, chat)
	}
	msg, err := s.deliver(ctx, chat, buyerID, content)
	if err != nil {
		return nil, nil, err
	}
	return chat, msg, nil
}

func (s *ChatService) GetChat(ctx context.Context, chatID uuid.UUID) (*Chat, error) {
	return s.repo.GetChatByID(ctx, chatID)
}

func (s *ChatService) ListChats(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Chat, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.GetChatsByUserID(ctx, userID, limit, offset)
}

// SendMessage appends a message, pushes it live to both participants and
// hands a notification for the counterpart to the producer.
func (s *ChatService) SendMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*Message, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}
	chat, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(senderID) {
		return nil, ErrNotChatParticipant
	}
	return s.deliver(ctx, chat, senderID, content)
}

func (s *ChatService) deliver(ctx context.Context, chat *Chat, senderID uuid.UUID, content string) (*Message, error) {
	msg, err := s.repo.CreateMessage(ctx, chat.ID, senderID, content)
	if err != nil {
		return nil, err
	}

	event := MessageEvent{ChatID: chat.ID, Message: msg}
	s.publisher.PublishToUser(ctx, senderID, EventNewMessage, event)
	recipientID := chat.Counterpart(senderID)
	s.publisher.PublishToUser(ctx, recipientID, EventNewMessage, event)

	senderName := DisplayNameOrUnknown(ctx, s.registry, senderID)
	job := NotificationJob{
		Kind: JobChatMessage,
		Recipients: []Recipient{{
			UserID:     recipientID,
			MessageKey: ChatMessageKey(senderID, senderName, chat.ID),
		}},
	}
	// The message is stored; a failed hand-off only loses the notification.
	if err := s.handoff.Submit(ctx, job); err != nil {
		s.logger.Warn("failed to hand off chat notification",
			zap.String("chat_id", chat.ID.String()),
			zap.Error(err),
		)
	}
	return msg, nil
}

// ChatMessageKey builds the message key of a new chat message notification.
func ChatMessageKey(senderID uuid.UUID, senderName string, chatID uuid.UUID) string {
	return fmt.Sprintf("notifications.chats.new_message.user.%s.%s.chat.%s", senderID, senderName, chatID)
}

func (s *ChatService) GetMessages(ctx context.Context, chatID, userID uuid.UUID, limit, offset int) ([]*Message, error) {
	chat, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrNotChatParticipant
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.GetMessages(ctx, chatID, limit, offset)
}

// MarkRead flags as read every message in the chat authored by the other participant.
func (s *ChatService) MarkRead(ctx context.Context, chatID, readerID uuid.UUID) error {
	chat, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(readerID) {
		return ErrNotChatParticipant
	}
	return s.repo.MarkMessagesRead(ctx, chatID, readerID)
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if runes := []rune(content); len(runes) > maxMessageLength {
		content = string(runes[:maxMessageLength])
	}
	return content, nil
}
