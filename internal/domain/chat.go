package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Chat is the conversation between a listing's owner and one buyer.
type Chat struct {
	ID          uuid.UUID `json:"id"`
	ListingID   uuid.UUID `json:"listing_id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	UnreadCount int       `json:"unread_count"`
	LastMessage *Message  `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c *Chat) HasParticipant(userID uuid.UUID) bool {
	return c.BuyerID == userID || c.SellerID == userID
}

// Counterpart returns the participant who is not userID.
func (c *Chat) Counterpart(userID uuid.UUID) uuid.UUID {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

type Message struct {
	ID        uuid.UUID `json:"id"`
	ChatID    uuid.UUID `json:"chat_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat events pushed to live sessions.
const (
	EventNewChat      = "new_chat"
	EventNewMessage   = "new_message"
	EventNotification = "notification"
)

type MessageEvent struct {
	ChatID  uuid.UUID `json:"chat_id"`
	Message *Message  `json:"message"`
}

type ChatRepository interface {
	// CreateChat fails with ErrChatAlreadyExists when the (listing, buyer) pair exists.
	CreateChat(ctx context.Context, listingID, buyerID uuid.UUID) (*Chat, error)
	GetChatByID(ctx context.Context, chatID uuid.UUID) (*Chat, error)
	GetChatByListingAndBuyer(ctx context.Context, listingID, buyerID uuid.UUID) (*Chat, error)
	GetChatsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Chat, error)
	// CreateMessage fails with ErrChatNotFound when the chat no longer exists.
	CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*Message, error)
	GetMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Message, error)
	// MarkMessagesRead flags every message of the chat not sent by readerID.
	MarkMessagesRead(ctx context.Context, chatID, readerID uuid.UUID) error
}

// ListingDirectory resolves listing ownership.
type ListingDirectory interface {
	GetListingOwner(ctx context.Context, listingID uuid.UUID) (uuid.UUID, error)
}
