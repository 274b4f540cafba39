package domain_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
	"github.com/classifieds/realtime/internal/memstore"
)

type notificationFixture struct {
	repo      *mockNotificationRepo
	settings  *mockSettingsRepo
	interests *mockInterestRepo
	tokens    *mockDeviceTokenRepo
	queue     *memstore.Queue
	push      *fakePushSender
	service   *domain.NotificationService
}

func newNotificationFixture() *notificationFixture {
	f := &notificationFixture{
		repo:      new(mockNotificationRepo),
		settings:  new(mockSettingsRepo),
		interests: new(mockInterestRepo),
		tokens:    new(mockDeviceTokenRepo),
		queue:     memstore.NewQueue(0),
		push:      &fakePushSender{rejected: map[string]bool{}, broken: map[string]error{}},
	}
	logger := zap.NewNop()
	fallback := domain.NewPushFallback(f.push, f.tokens, logger)
	f.service = domain.NewNotificationService(f.repo, f.settings, f.interests, f.tokens, f.queue, fallback, 5, logger)
	return f
}

func recordsFor(recipients []domain.Recipient) []*domain.Notification {
	out := make([]*domain.Notification, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, &domain.Notification{
			ID:         uuid.New(),
			UserID:     r.UserID,
			MessageKey: r.MessageKey,
			CreatedAt:  time.Now(),
		})
	}
	return out
}

func TestDirectNotifyQueuesEveryRecord(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	recipients := []domain.Recipient{
		{UserID: alice, MessageKey: "notifications.sale"},
		{UserID: bob, MessageKey: "notifications.sale"},
	}
	records := recordsFor(recipients)

	f.repo.On("CreateNotifications", mock.Anything, recipients).Return(records, nil)
	f.tokens.On("GetDeviceTokensByUserIDs", mock.Anything, []uuid.UUID{alice, bob}).Return([]*domain.DeviceToken{}, nil)

	require.NoError(t, f.service.DirectNotify(ctx, recipients))

	entries, err := f.queue.ReadFrom(ctx, alice, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var queued domain.QueuedNotification
	require.NoError(t, json.Unmarshal(entries[0].Payload, &queued))
	assert.Equal(t, records[0].ID, queued.ID)
	assert.Equal(t, "notifications.sale", queued.MessageKey)

	n, err := f.queue.Len(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.repo.AssertExpectations(t)
	f.tokens.AssertExpectations(t)
}

func TestDirectNotifyPersistFailureQueuesNothing(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	alice := uuid.New()
	recipients := []domain.Recipient{{UserID: alice, MessageKey: "k"}}

	f.repo.On("CreateNotifications", mock.Anything, recipients).Return(nil, errors.New("db down"))

	err := f.service.DirectNotify(ctx, recipients)
	require.Error(t, err)

	n, err := f.queue.Len(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.tokens.AssertNotCalled(t, "GetDeviceTokensByUserIDs", mock.Anything, mock.Anything)
	assert.Empty(t, f.push.sent)
}

func TestDirectNotifyEmptyIsNoop(t *testing.T) {
	f := newNotificationFixture()
	require.NoError(t, f.service.DirectNotify(context.Background(), nil))
	f.repo.AssertNotCalled(t, "CreateNotifications", mock.Anything, mock.Anything)
}

func TestDirectNotifyPrunesRejectedTokens(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	alice := uuid.New()
	recipients := []domain.Recipient{{UserID: alice, MessageKey: "notifications.sale"}}

	f.push.rejected["dead-token"] = true
	f.push.broken["flaky-token"] = errors.New("unavailable")

	f.repo.On("CreateNotifications", mock.Anything, recipients).Return(recordsFor(recipients), nil)
	f.tokens.On("GetDeviceTokensByUserIDs", mock.Anything, []uuid.UUID{alice}).Return([]*domain.DeviceToken{
		{UserID: alice, Token: "good-token"},
		{UserID: alice, Token: "dead-token"},
		{UserID: alice, Token: "flaky-token"},
	}, nil)
	f.tokens.On("DeleteDeviceTokensByTokens", mock.Anything, []string{"dead-token"}).Return(nil)

	require.NoError(t, f.service.DirectNotify(ctx, recipients))

	assert.ElementsMatch(t, []string{"good-token", "dead-token", "flaky-token"}, f.push.sent)
	f.tokens.AssertExpectations(t)
}

func TestDirectNotifyToleratesPushFailures(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	alice := uuid.New()
	recipients := []domain.Recipient{{UserID: alice, MessageKey: "k"}}

	f.repo.On("CreateNotifications", mock.Anything, recipients).Return(recordsFor(recipients), nil)
	f.tokens.On("GetDeviceTokensByUserIDs", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	require.NoError(t, f.service.DirectNotify(ctx, recipients))

	n, err := f.queue.Len(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInterestAudienceSubcategoryWins(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	category, subcategory := uuid.New(), uuid.New()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	f.interests.On("InterestedUsersBySubcategory", mock.Anything, subcategory, 5).Return([]uuid.UUID{u1, u2}, nil)
	f.interests.On("InterestedUsersByCategory", mock.Anything, category, 5).Return([]uuid.UUID{u2, u3}, nil)
	f.settings.On("UsersWithListingNotificationsDisabled", mock.Anything, []uuid.UUID{u1, u2, u3}).Return([]uuid.UUID{}, nil)

	recipients, err := f.service.InterestAudience(ctx, category, subcategory)
	require.NoError(t, err)

	assert.Equal(t, []domain.Recipient{
		{UserID: u1, MessageKey: domain.KeySubcategoryInterest},
		{UserID: u2, MessageKey: domain.KeySubcategoryInterest},
		{UserID: u3, MessageKey: domain.KeyCategoryInterest},
	}, recipients)
	f.interests.AssertExpectations(t)
}

func TestInterestAudienceSkipsDisabledUsers(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	category, subcategory := uuid.New(), uuid.New()
	u1, u2 := uuid.New(), uuid.New()

	f.interests.On("InterestedUsersBySubcategory", mock.Anything, subcategory, 5).Return([]uuid.UUID{u1}, nil)
	f.interests.On("InterestedUsersByCategory", mock.Anything, category, 5).Return([]uuid.UUID{u2}, nil)
	f.settings.On("UsersWithListingNotificationsDisabled", mock.Anything, mock.Anything).Return([]uuid.UUID{u1}, nil)

	recipients, err := f.service.InterestAudience(ctx, category, subcategory)
	require.NoError(t, err)
	assert.Equal(t, []domain.Recipient{{UserID: u2, MessageKey: domain.KeyCategoryInterest}}, recipients)
}

func TestInterestNotifyWithoutAudience(t *testing.T) {
	f := newNotificationFixture()
	category, subcategory := uuid.New(), uuid.New()

	f.interests.On("InterestedUsersBySubcategory", mock.Anything, subcategory, 5).Return(nil, nil)
	f.interests.On("InterestedUsersByCategory", mock.Anything, category, 5).Return(nil, nil)

	require.NoError(t, f.service.InterestNotify(context.Background(), category, subcategory))
	f.settings.AssertNotCalled(t, "UsersWithListingNotificationsDisabled", mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "CreateNotifications", mock.Anything, mock.Anything)
}

func TestInterestAudienceError(t *testing.T) {
	f := newNotificationFixture()
	f.interests.On("InterestedUsersBySubcategory", mock.Anything, mock.Anything, 5).Return(nil, errors.New("boom"))

	_, err := f.service.InterestAudience(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
}

func TestChatMessageNotifyHonoursOptOut(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	muted := uuid.New()
	recipients := []domain.Recipient{{UserID: muted, MessageKey: "notifications.chats.new_message"}}

	f.settings.On("UsersWithMessageNotificationsDisabled", mock.Anything, []uuid.UUID{muted}).Return([]uuid.UUID{muted}, nil)

	require.NoError(t, f.service.ChatMessageNotify(ctx, recipients))
	f.repo.AssertNotCalled(t, "CreateNotifications", mock.Anything, mock.Anything)
}

func TestHandleRoutesJobs(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	alice := uuid.New()
	recipients := []domain.Recipient{{UserID: alice, MessageKey: "k"}}

	f.repo.On("CreateNotifications", mock.Anything, recipients).Return(recordsFor(recipients), nil)
	f.tokens.On("GetDeviceTokensByUserIDs", mock.Anything, mock.Anything).Return(nil, nil)

	require.NoError(t, f.service.Handle(ctx, domain.NotificationJob{Kind: domain.JobDirect, Recipients: recipients}))
	require.Error(t, f.service.Handle(ctx, domain.NotificationJob{Kind: "bogus"}))
}

func TestRecordView(t *testing.T) {
	f := newNotificationFixture()
	ctx := context.Background()
	user, category, subcategory := uuid.New(), uuid.New(), uuid.New()

	f.interests.On("IncrementCategoryView", mock.Anything, user, category).Return(nil)
	f.interests.On("IncrementSubcategoryView", mock.Anything, user, subcategory).Return(nil)

	require.NoError(t, f.service.RecordView(ctx, user, category, subcategory))
	require.NoError(t, f.service.RecordView(ctx, user, category, uuid.Nil))

	f.interests.AssertNumberOfCalls(t, "IncrementCategoryView", 2)
	f.interests.AssertNumberOfCalls(t, "IncrementSubcategoryView", 1)
}

func TestPushFallbackSkipsEmptyTokens(t *testing.T) {
	sender := &fakePushSender{rejected: map[string]bool{"bad": true}}
	fallback := domain.NewPushFallback(sender, new(mockDeviceTokenRepo), zap.NewNop())

	rejected := fallback.SendBatch(context.Background(), []domain.PushMessage{
		{Token: ""},
		{Token: "bad"},
		{Token: "ok"},
	})
	assert.Equal(t, []string{"bad"}, rejected)
	assert.Equal(t, []string{"bad", "ok"}, sender.sent)

	require.NoError(t, fallback.PruneRejected(context.Background(), nil))
}
