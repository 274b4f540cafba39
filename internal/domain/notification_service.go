package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueuedNotification is the payload appended to a user's durable queue and
// emitted on the "notification" event.
type QueuedNotification struct {
	ID         uuid.UUID `json:"id"`
	MessageKey string    `json:"message_key"`
	CreatedAt  time.Time `json:"created_at"`
}

type NotificationService struct {
	repo      NotificationRepository
	settings  NotificationSettingsRepository
	interests InterestRepository
	tokens    DeviceTokenRepository
	queue     NotificationQueue
	push      *PushFallback
	threshold int
	logger    *zap.Logger
}

func NewNotificationService(
	repo NotificationRepository,
	settings NotificationSettingsRepository,
	interests InterestRepository,
	tokens DeviceTokenRepository,
	queue NotificationQueue,
	push *PushFallback,
	threshold int,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		repo:      repo,
		settings:  settings,
		interests: interests,
		tokens:    tokens,
		queue:     queue,
		push:      push,
		threshold: threshold,
		logger:    logger,
	}
}

// DirectNotify persists a record per recipient, queues it for live delivery
// and mirrors it to the recipients' devices.
func (s *NotificationService) DirectNotify(ctx context.Context, recipients []Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	// 1. Persist history
	records, err := s.repo.CreateNotifications(ctx, recipients)
	if err != nil {
		return fmt.Errorf("create notifications: %w", err)
	}

	// 2. Queue for the delivery dispatcher
	userIDs := make([]uuid.UUID, 0, len(records))
	seen := make(map[uuid.UUID]bool, len(records))
	for _, n := range records {
		payload, err := json.Marshal(QueuedNotification{ID: n.ID, MessageKey: n.MessageKey, CreatedAt: n.CreatedAt})
		if err != nil {
			s.logger.Error("failed to marshal queued notification", zap.Error(err))
			continue
		}
		if _, err := s.queue.Append(ctx, n.UserID, payload); err != nil {
			s.logger.Error("failed to enqueue notification",
				zap.String("user_id", n.UserID.String()),
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
		}
		if !seen[n.UserID] {
			seen[n.UserID] = true
			userIDs = append(userIDs, n.UserID)
		}
	}

	// 3. Device push, then drop tokens the provider rejected
	tokens, err := s.tokens.GetDeviceTokensByUserIDs(ctx, userIDs)
	if err != nil {
		s.logger.Warn("failed to get device tokens", zap.Error(err))
		return nil
	}
	rejected := s.push.SendBatch(ctx, pushMessages(tokens, recipients))
	if err := s.push.PruneRejected(ctx, rejected); err != nil {
		s.logger.Warn("failed to prune rejected tokens", zap.Error(err))
	}
	return nil
}

// pushMessages pairs every token with the message of its owner. A user
// listed more than once gets the last message key.
func pushMessages(tokens []*DeviceToken, recipients []Recipient) []PushMessage {
	byUser := make(map[uuid.UUID]string, len(recipients))
	for _, r := range recipients {
		byUser[r.UserID] = r.MessageKey
	}
	messages := make([]PushMessage, 0, len(tokens))
	for _, t := range tokens {
		key, ok := byUser[t.UserID]
		if !ok {
			continue
		}
		messages = append(messages, PushMessage{
			Token: t.Token,
			Title: PushTitle,
			Body:  key,
			Data:  map[string]string{"message_key": key},
		})
	}
	return messages
}

// InterestAudience computes the recipients of a new listing. Subcategory
// interest wins over category interest for the same user.
func (s *NotificationService) InterestAudience(ctx context.Context, categoryID, subcategoryID uuid.UUID) ([]Recipient, error) {
	subUsers, err := s.interests.InterestedUsersBySubcategory(ctx, subcategoryID, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("subcategory audience: %w", err)
	}
	catUsers, err := s.interests.InterestedUsersByCategory(ctx, categoryID, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("category audience: %w", err)
	}

	included := make(map[uuid.UUID]bool, len(subUsers)+len(catUsers))
	recipients := make([]Recipient, 0, len(subUsers)+len(catUsers))
	for _, id := range subUsers {
		if included[id] {
			continue
		}
		included[id] = true
		recipients = append(recipients, Recipient{UserID: id, MessageKey: KeySubcategoryInterest})
	}
	for _, id := range catUsers {
		if included[id] {
			continue
		}
		included[id] = true
		recipients = append(recipients, Recipient{UserID: id, MessageKey: KeyCategoryInterest})
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.UserID)
	}
	disabled, err := s.settings.UsersWithListingNotificationsDisabled(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("notification settings: %w", err)
	}
	return excludeUsers(recipients, disabled), nil
}

// InterestNotify notifies the users interested in a new listing's
// category or subcategory.
func (s *NotificationService) InterestNotify(ctx context.Context, categoryID, subcategoryID uuid.UUID) error {
	recipients, err := s.InterestAudience(ctx, categoryID, subcategoryID)
	if err != nil {
		return err
	}
	return s.DirectNotify(ctx, recipients)
}

// ChatMessageNotify is DirectNotify for chat messages, honouring the
// recipients' new-message opt-out.
func (s *NotificationService) ChatMessageNotify(ctx context.Context, recipients []Recipient) error {
	ids := make([]uuid.UUID, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.UserID)
	}
	disabled, err := s.settings.UsersWithMessageNotificationsDisabled(ctx, ids)
	if err != nil {
		return fmt.Errorf("notification settings: %w", err)
	}
	return s.DirectNotify(ctx, excludeUsers(recipients, disabled))
}

func excludeUsers(recipients []Recipient, excluded []uuid.UUID) []Recipient {
	if len(excluded) == 0 {
		return recipients
	}
	skip := make(map[uuid.UUID]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	filtered := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		if !skip[r.UserID] {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// Handle runs one asynchronous job.
func (s *NotificationService) Handle(ctx context.Context, job NotificationJob) error {
	switch job.Kind {
	case JobDirect:
		return s.DirectNotify(ctx, job.Recipients)
	case JobChatMessage:
		return s.ChatMessageNotify(ctx, job.Recipients)
	case JobNewListing:
		return s.InterestNotify(ctx, job.CategoryID, job.SubcategoryID)
	default:
		return fmt.Errorf("unknown notification job kind %q", job.Kind)
	}
}

func (s *NotificationService) GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int, includeRead bool) ([]*Notification, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.GetNotifications(ctx, userID, limit, offset, includeRead)
}

func (s *NotificationService) MarkRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.repo.MarkNotificationsRead(ctx, userID, ids)
}

func (s *NotificationService) GetSettings(ctx context.Context, userID uuid.UUID) (*NotificationSettings, error) {
	return s.settings.GetNotificationSettings(ctx, userID)
}

func (s *NotificationService) UpdateSettings(ctx context.Context, settings *NotificationSettings) error {
	return s.settings.UpsertNotificationSettings(ctx, settings)
}

// RecordView bumps the interest counters of a listing view. A zero
// subcategory only bumps the category.
func (s *NotificationService) RecordView(ctx context.Context, userID, categoryID, subcategoryID uuid.UUID) error {
	if err := s.interests.IncrementCategoryView(ctx, userID, categoryID); err != nil {
		return fmt.Errorf("increment category view: %w", err)
	}
	if subcategoryID == uuid.Nil {
		return nil
	}
	if err := s.interests.IncrementSubcategoryView(ctx, userID, subcategoryID); err != nil {
		return fmt.Errorf("increment subcategory view: %w", err)
	}
	return nil
}
