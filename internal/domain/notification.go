package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message keys of the notifications produced by this service.
const (
	KeySubcategoryInterest = "notifications.interesting_subcategory.new_listing"
	KeyCategoryInterest    = "notifications.interesting_category.new_listing"
)

// Notification is a durable history row shown in the user's notification list.
type Notification struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	MessageKey string    `json:"message_key"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recipient pairs a user with the message key they should receive.
type Recipient struct {
	UserID     uuid.UUID `json:"user_id" validate:"required"`
	MessageKey string    `json:"message_key" validate:"required,max=255"`
}

// DeviceToken is a push token registered by one device of a user.
type DeviceToken struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationSettings are the per-user opt-outs.
type NotificationSettings struct {
	UserID                uuid.UUID `json:"user_id"`
	NotifyNewMessages     bool      `json:"notify_new_messages"`
	NotifyRecommendations bool      `json:"notify_recommendations"`
}

// DefaultNotificationSettings is what a user without a settings row gets.
func DefaultNotificationSettings(userID uuid.UUID) *NotificationSettings {
	return &NotificationSettings{UserID: userID, NotifyNewMessages: true, NotifyRecommendations: true}
}

type NotificationRepository interface {
	// CreateNotifications persists all rows in one transaction.
	CreateNotifications(ctx context.Context, recipients []Recipient) ([]*Notification, error)
	GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int, includeRead bool) ([]*Notification, int, error)
	MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error
}

type DeviceTokenRepository interface {
	GetDeviceToken(ctx context.Context, deviceID string) (*DeviceToken, error)
	CreateDeviceToken(ctx context.Context, userID uuid.UUID, deviceID, token string) (*DeviceToken, error)
	UpdateDeviceToken(ctx context.Context, id uuid.UUID, token string) error
	DeleteDeviceToken(ctx context.Context, userID uuid.UUID, deviceID string) error
	GetDeviceTokensByUserIDs(ctx context.Context, userIDs []uuid.UUID) ([]*DeviceToken, error)
	DeleteDeviceTokensByTokens(ctx context.Context, tokens []string) error
}

type NotificationSettingsRepository interface {
	GetNotificationSettings(ctx context.Context, userID uuid.UUID) (*NotificationSettings, error)
	UpsertNotificationSettings(ctx context.Context, settings *NotificationSettings) error
	// UsersWithListingNotificationsDisabled returns the subset of userIDs that
	// turned off listing-interest notifications.
	UsersWithListingNotificationsDisabled(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error)
	UsersWithMessageNotificationsDisabled(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error)
}

// InterestRepository reads and bumps per-user view counters.
type InterestRepository interface {
	InterestedUsersByCategory(ctx context.Context, categoryID uuid.UUID, threshold int) ([]uuid.UUID, error)
	InterestedUsersBySubcategory(ctx context.Context, subcategoryID uuid.UUID, threshold int) ([]uuid.UUID, error)
	IncrementCategoryView(ctx context.Context, userID, categoryID uuid.UUID) error
	IncrementSubcategoryView(ctx context.Context, userID, subcategoryID uuid.UUID) error
}

// PushSender sends one push to one device token. Tokens the provider will
// never accept again fail with ErrPushTokenRejected.
type PushSender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// JobKind names an asynchronous notification job.
type JobKind string

const (
	JobDirect      JobKind = "direct"
	JobChatMessage JobKind = "chat_message"
	JobNewListing  JobKind = "new_listing"
)

// NotificationJob is handed from request paths to the notification producer.
type NotificationJob struct {
	Kind          JobKind
	Recipients    []Recipient
	CategoryID    uuid.UUID
	SubcategoryID uuid.UUID
}

// JobSubmitter accepts notification jobs for asynchronous processing.
type JobSubmitter interface {
	Submit(ctx context.Context, job NotificationJob) error
}
