package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/classifieds/realtime/internal/domain"
)

// CreateChat inserts the chat for a (listing, buyer) pair
func (r *PostgresRepository) CreateChat(ctx context.Context, listingID, buyerID uuid.UUID) (*domain.Chat, error) {
	query := `
		WITH inserted AS (
			INSERT INTO chats (listing_id, buyer_id)
			VALUES ($1, $2)
			RETURNING id, listing_id, buyer_id, created_at
		)
		SELECT i.id, i.listing_id, i.buyer_id, l.user_id, i.created_at
		FROM inserted i JOIN listings l ON l.id = i.listing_id
	`

	chat, err := scanChat(r.db.QueryRow(ctx, query, listingID, buyerID))
	if err != nil {
		switch pgErrorCode(err) {
		case uniqueViolation:
			return nil, domain.ErrChatAlreadyExists
		case foreignKeyViolation:
			return nil, domain.ErrListingNotFound
		}
		return nil, err
	}
	return chat, nil
}

// GetChatByID retrieves a chat with its seller
func (r *PostgresRepository) GetChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	query := `
		SELECT c.id, c.listing_id, c.buyer_id, l.user_id, c.created_at
		FROM chats c JOIN listings l ON l.id = c.listing_id
		WHERE c.id = $1
	`
	return scanChat(r.db.QueryRow(ctx, query, chatID))
}

// GetChatByListingAndBuyer retrieves the chat of a (listing, buyer) pair
func (r *PostgresRepository) GetChatByListingAndBuyer(ctx context.Context, listingID, buyerID uuid.UUID) (*domain.Chat, error) {
	query := `
		SELECT c.id, c.listing_id, c.buyer_id, l.user_id, c.created_at
		FROM chats c JOIN listings l ON l.id = c.listing_id
		WHERE c.listing_id = $1 AND c.buyer_id = $2
	`
	return scanChat(r.db.QueryRow(ctx, query, listingID, buyerID))
}

// GetChatsByUserID lists the chats a user takes part in, most recent activity first
func (r *PostgresRepository) GetChatsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Chat, error) {
	query := `
		SELECT c.id, c.listing_id, c.buyer_id, l.user_id, c.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.chat_id = c.id AND m.sender_id <> $1 AND NOT m.is_read) AS unread,
			lm.id, lm.sender_id, lm.content, lm.is_read, lm.created_at
		FROM chats c
		JOIN listings l ON l.id = c.listing_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, is_read, created_at
			FROM messages WHERE chat_id = c.id
			ORDER BY created_at DESC LIMIT 1
		) lm ON TRUE
		WHERE c.buyer_id = $1 OR l.user_id = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]*domain.Chat, 0)
	for rows.Next() {
		var (
			chat     domain.Chat
			msgID    *uuid.UUID
			senderID *uuid.UUID
			content  *string
			isRead   *bool
			sentAt   *time.Time
		)
		err := rows.Scan(
			&chat.ID,
			&chat.ListingID,
			&chat.BuyerID,
			&chat.SellerID,
			&chat.CreatedAt,
			&chat.UnreadCount,
			&msgID,
			&senderID,
			&content,
			&isRead,
			&sentAt,
		)
		if err != nil {
			return nil, err
		}
		if msgID != nil {
			chat.LastMessage = &domain.Message{
				ID:        *msgID,
				ChatID:    chat.ID,
				SenderID:  *senderID,
				Content:   *content,
				IsRead:    *isRead,
				CreatedAt: *sentAt,
			}
		}
		chats = append(chats, &chat)
	}
	return chats, rows.Err()
}

// CreateMessage appends a message to a chat
func (r *PostgresRepository) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*domain.Message, error) {
	query := `
		INSERT INTO messages (chat_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, chat_id, sender_id, content, is_read, created_at
	`

	msg, err := scanMessage(r.db.QueryRow(ctx, query, chatID, senderID, content))
	if err != nil {
		if pgErrorCode(err) == foreignKeyViolation {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	return msg, nil
}

// GetMessages returns a page of a chat's messages in creation order
func (r *PostgresRepository) GetMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT id, chat_id, sender_id, content, is_read, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkMessagesRead flags as read the messages readerID did not send
func (r *PostgresRepository) MarkMessagesRead(ctx context.Context, chatID, readerID uuid.UUID) error {
	query := `UPDATE messages SET is_read = TRUE WHERE chat_id = $1 AND sender_id <> $2 AND NOT is_read`
	_, err := r.db.Exec(ctx, query, chatID, readerID)
	return err
}

func scanChat(row pgx.Row) (*domain.Chat, error) {
	var chat domain.Chat
	err := row.Scan(
		&chat.ID,
		&chat.ListingID,
		&chat.BuyerID,
		&chat.SellerID,
		&chat.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Content,
		&msg.IsRead,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
