package domain_test

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/classifieds/realtime/internal/domain"
)

// --- mocks ---

type mockNotificationRepo struct{ mock.Mock }

func (m *mockNotificationRepo) CreateNotifications(ctx context.Context, recipients []domain.Recipient) ([]*domain.Notification, error) {
	args := m.Called(ctx, recipients)
	if n, _ := args.Get(0).([]*domain.Notification); n != nil {
		return n, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockNotificationRepo) GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int, includeRead bool) ([]*domain.Notification, int, error) {
	args := m.Called(ctx, userID, limit, offset, includeRead)
	n, _ := args.Get(0).([]*domain.Notification)
	return n, args.Int(1), args.Error(2)
}
func (m *mockNotificationRepo) MarkNotificationsRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	return m.Called(ctx, userID, ids).Error(0)
}

type mockSettingsRepo struct{ mock.Mock }

func (m *mockSettingsRepo) GetNotificationSettings(ctx context.Context, userID uuid.UUID) (*domain.NotificationSettings, error) {
	args := m.Called(ctx, userID)
	if s, _ := args.Get(0).(*domain.NotificationSettings); s != nil {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockSettingsRepo) UpsertNotificationSettings(ctx context.Context, s *domain.NotificationSettings) error {
	return m.Called(ctx, s).Error(0)
}
func (m *mockSettingsRepo) UsersWithListingNotificationsDisabled(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, ids)
	u, _ := args.Get(0).([]uuid.UUID)
	return u, args.Error(1)
}
func (m *mockSettingsRepo) UsersWithMessageNotificationsDisabled(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, ids)
	u, _ := args.Get(0).([]uuid.UUID)
	return u, args.Error(1)
}

type mockInterestRepo struct{ mock.Mock }

func (m *mockInterestRepo) InterestedUsersByCategory(ctx context.Context, id uuid.UUID, threshold int) ([]uuid.UUID, error) {
	args := m.Called(ctx, id, threshold)
	u, _ := args.Get(0).([]uuid.UUID)
	return u, args.Error(1)
}
func (m *mockInterestRepo) InterestedUsersBySubcategory(ctx context.Context, id uuid.UUID, threshold int) ([]uuid.UUID, error) {
	args := m.Called(ctx, id, threshold)
	u, _ := args.Get(0).([]uuid.UUID)
	return u, args.Error(1)
}
func (m *mockInterestRepo) IncrementCategoryView(ctx context.Context, userID, id uuid.UUID) error {
	return m.Called(ctx, userID, id).Error(0)
}
func (m *mockInterestRepo) IncrementSubcategoryView(ctx context.Context, userID, id uuid.UUID) error {
	return m.Called(ctx, userID, id).Error(0)
}

type mockDeviceTokenRepo struct{ mock.Mock }

func (m *mockDeviceTokenRepo) GetDeviceToken(ctx context.Context, deviceID string) (*domain.DeviceToken, error) {
	args := m.Called(ctx, deviceID)
	if t, _ := args.Get(0).(*domain.DeviceToken); t != nil {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockDeviceTokenRepo) CreateDeviceToken(ctx context.Context, userID uuid.UUID, deviceID, token string) (*domain.DeviceToken, error) {
	args := m.Called(ctx, userID, deviceID, token)
	if t, _ := args.Get(0).(*domain.DeviceToken); t != nil {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockDeviceTokenRepo) UpdateDeviceToken(ctx context.Context, id uuid.UUID, token string) error {
	return m.Called(ctx, id, token).Error(0)
}
func (m *mockDeviceTokenRepo) DeleteDeviceToken(ctx context.Context, userID uuid.UUID, deviceID string) error {
	return m.Called(ctx, userID, deviceID).Error(0)
}
func (m *mockDeviceTokenRepo) GetDeviceTokensByUserIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.DeviceToken, error) {
	args := m.Called(ctx, ids)
	t, _ := args.Get(0).([]*domain.DeviceToken)
	return t, args.Error(1)
}
func (m *mockDeviceTokenRepo) DeleteDeviceTokensByTokens(ctx context.Context, tokens []string) error {
	return m.Called(ctx, tokens).Error(0)
}

type mockChatRepo struct{ mock.Mock }

func (m *mockChatRepo) CreateChat(ctx context.Context, listingID, buyerID uuid.UUID) (*domain.Chat, error) {
	args := m.Called(ctx, listingID, buyerID)
	if c, _ := args.Get(0).(*domain.Chat); c != nil {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChatRepo) GetChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	args := m.Called(ctx, chatID)
	if c, _ := args.Get(0).(*domain.Chat); c != nil {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChatRepo) GetChatByListingAndBuyer(ctx context.Context, listingID, buyerID uuid.UUID) (*domain.Chat, error) {
	args := m.Called(ctx, listingID, buyerID)
	if c, _ := args.Get(0).(*domain.Chat); c != nil {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChatRepo) GetChatsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Chat, error) {
	args := m.Called(ctx, userID, limit, offset)
	c, _ := args.Get(0).([]*domain.Chat)
	return c, args.Error(1)
}
func (m *mockChatRepo) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*domain.Message, error) {
	args := m.Called(ctx, chatID, senderID, content)
	if msg, _ := args.Get(0).(*domain.Message); msg != nil {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChatRepo) GetMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	args := m.Called(ctx, chatID, limit, offset)
	msgs, _ := args.Get(0).([]*domain.Message)
	return msgs, args.Error(1)
}
func (m *mockChatRepo) MarkMessagesRead(ctx context.Context, chatID, readerID uuid.UUID) error {
	return m.Called(ctx, chatID, readerID).Error(0)
}

type mockListings struct{ mock.Mock }

func (m *mockListings) GetListingOwner(ctx context.Context, listingID uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, listingID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

// --- fakes ---

// fakePushSender rejects the tokens listed in rejected and fails those in broken.
type fakePushSender struct {
	mu       sync.Mutex
	rejected map[string]bool
	broken   map[string]error
	sent     []string
}

func (f *fakePushSender) Send(_ context.Context, token, _, _ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, token)
	if f.rejected[token] {
		return domain.ErrPushTokenRejected
	}
	if err := f.broken[token]; err != nil {
		return err
	}
	return nil
}

type published struct {
	UserID  uuid.UUID
	Event   string
	Payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishToUser(_ context.Context, userID uuid.UUID, event string, payload interface{}) {
	p.mu.Lock()
	p.events = append(p.events, published{UserID: userID, Event: event, Payload: payload})
	p.mu.Unlock()
}

func (p *recordingPublisher) eventsFor(userID uuid.UUID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, e := range p.events {
		if e.UserID == userID {
			names = append(names, e.Event)
		}
	}
	return names
}

type recordingSubmitter struct {
	jobs []domain.NotificationJob
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, job domain.NotificationJob) error {
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}
