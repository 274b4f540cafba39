package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/classifieds/realtime/internal/domain"
)

// CreateNotifications inserts one row per recipient in a single transaction
func (r *PostgresRepository) CreateNotifications(ctx context.Context, recipients []domain.Recipient) ([]*domain.Notification, error) {
	if len(recipients) == 0 {
		return nil, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO notifications (user_id, message_key)
		VALUES ($1, $2)
		RETURNING id, user_id, message_key, is_read, created_at
	`
	batch := &pgx.Batch{}
	for _, rc := range recipients {
		batch.Queue(query, rc.UserID, rc.MessageKey)
	}

	results := tx.SendBatch(ctx, batch)
	notifications := make([]*domain.Notification, 0, len(recipients))
	for range recipients {
		var n domain.Notification
		if err := results.QueryRow().Scan(&n.ID, &n.UserID, &n.MessageKey, &n.IsRead, &n.CreatedAt); err != nil {
			results.Close()
			return nil, fmt.Errorf("insert notification: %w", err)
		}
		notifications = append(notifications, &n)
	}
	if err := results.Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return notifications, nil
}

// GetNotifications returns a page of a user's notifications, newest first, and the total count
func (r *PostgresRepository) GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int, includeRead bool) ([]*domain.Notification, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND ($2 OR NOT is_read)`
	if err := r.db.QueryRow(ctx, countQuery, userID, includeRead).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, message_key, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2 OR NOT is_read)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, userID, includeRead, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.MessageKey, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, &n)
	}
	return notifications, total, rows.Err()
}

// MarkNotificationsRead flags the given notifications of userID as read; ids of other users are ignored
func (r *PostgresRepository) MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND id = ANY($2)`
	_, err := r.db.Exec(ctx, query, userID, ids)
	return err
}

// Device tokens

func (r *PostgresRepository) GetDeviceToken(ctx context.Context, deviceID string) (*domain.DeviceToken, error) {
	query := `
		SELECT id, user_id, token, device_id, created_at, updated_at
		FROM device_tokens WHERE device_id = $1
	`
	t, err := scanDeviceToken(r.db.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDeviceTokenNotFound
	}
	return t, err
}

func (r *PostgresRepository) CreateDeviceToken(ctx context.Context, userID uuid.UUID, deviceID, token string) (*domain.DeviceToken, error) {
	query := `
		INSERT INTO device_tokens (user_id, device_id, token)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, token, device_id, created_at, updated_at
	`
	return scanDeviceToken(r.db.QueryRow(ctx, query, userID, deviceID, token))
}

func (r *PostgresRepository) UpdateDeviceToken(ctx context.Context, id uuid.UUID, token string) error {
	query := `UPDATE device_tokens SET token = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, token)
	return err
}

func (r *PostgresRepository) DeleteDeviceToken(ctx context.Context, userID uuid.UUID, deviceID string) error {
	query := `DELETE FROM device_tokens WHERE user_id = $1 AND device_id = $2`
	tag, err := r.db.Exec(ctx, query, userID, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeviceTokenNotFound
	}
	return nil
}

func (r *PostgresRepository) GetDeviceTokensByUserIDs(ctx context.Context, userIDs []uuid.UUID) ([]*domain.DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, user_id, token, device_id, created_at, updated_at
		FROM device_tokens WHERE user_id = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*domain.DeviceToken
	for rows.Next() {
		t, err := scanDeviceToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteDeviceTokensByTokens removes rows by token string, whoever owns them
func (r *PostgresRepository) DeleteDeviceTokensByTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM device_tokens WHERE token = ANY($1)`, tokens)
	return err
}

func scanDeviceToken(row pgx.Row) (*domain.DeviceToken, error) {
	var t domain.DeviceToken
	err := row.Scan(&t.ID, &t.UserID, &t.Token, &t.DeviceID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Settings

// GetNotificationSettings falls back to the defaults when the user never saved any
func (r *PostgresRepository) GetNotificationSettings(ctx context.Context, userID uuid.UUID) (*domain.NotificationSettings, error) {
	query := `
		SELECT user_id, notify_new_messages, notify_recommendations
		FROM notification_settings WHERE user_id = $1
	`
	var s domain.NotificationSettings
	err := r.db.QueryRow(ctx, query, userID).Scan(&s.UserID, &s.NotifyNewMessages, &s.NotifyRecommendations)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultNotificationSettings(userID), nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) UpsertNotificationSettings(ctx context.Context, s *domain.NotificationSettings) error {
	query := `
		INSERT INTO notification_settings (user_id, notify_new_messages, notify_recommendations)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET notify_new_messages = EXCLUDED.notify_new_messages,
			notify_recommendations = EXCLUDED.notify_recommendations
	`
	_, err := r.db.Exec(ctx, query, s.UserID, s.NotifyNewMessages, s.NotifyRecommendations)
	return err
}

func (r *PostgresRepository) UsersWithListingNotificationsDisabled(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	return r.userIDs(ctx, `
		SELECT user_id FROM notification_settings
		WHERE user_id = ANY($1) AND NOT notify_recommendations
	`, userIDs)
}

func (r *PostgresRepository) UsersWithMessageNotificationsDisabled(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	return r.userIDs(ctx, `
		SELECT user_id FROM notification_settings
		WHERE user_id = ANY($1) AND NOT notify_new_messages
	`, userIDs)
}

// Interest counters

func (r *PostgresRepository) InterestedUsersByCategory(ctx context.Context, categoryID uuid.UUID, threshold int) ([]uuid.UUID, error) {
	return r.userIDs(ctx, `SELECT user_id FROM category_views WHERE category_id = $1 AND views >= $2`, categoryID, threshold)
}

func (r *PostgresRepository) InterestedUsersBySubcategory(ctx context.Context, subcategoryID uuid.UUID, threshold int) ([]uuid.UUID, error) {
	return r.userIDs(ctx, `SELECT user_id FROM subcategory_views WHERE subcategory_id = $1 AND views >= $2`, subcategoryID, threshold)
}

func (r *PostgresRepository) IncrementCategoryView(ctx context.Context, userID, categoryID uuid.UUID) error {
	query := `
		INSERT INTO category_views (user_id, category_id, views) VALUES ($1, $2, 1)
		ON CONFLICT (user_id, category_id) DO UPDATE SET views = category_views.views + 1
	`
	_, err := r.db.Exec(ctx, query, userID, categoryID)
	return err
}

func (r *PostgresRepository) IncrementSubcategoryView(ctx context.Context, userID, subcategoryID uuid.UUID) error {
	query := `
		INSERT INTO subcategory_views (user_id, subcategory_id, views) VALUES ($1, $2, 1)
		ON CONFLICT (user_id, subcategory_id) DO UPDATE SET views = subcategory_views.views + 1
	`
	_, err := r.db.Exec(ctx, query, userID, subcategoryID)
	return err
}

func (r *PostgresRepository) userIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
