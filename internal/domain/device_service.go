package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

type DeviceService struct {
	repo DeviceTokenRepository
}

func NewDeviceService(repo DeviceTokenRepository) *DeviceService {
	return &DeviceService{repo: repo}
}

// RegisterToken stores the push token of a device. Re-registering a device
// replaces its token; a device id already owned by another user is left as is.
func (s *DeviceService) RegisterToken(ctx context.Context, userID uuid.UUID, deviceID, token string) error {
	deviceID = strings.TrimSpace(deviceID)
	token = strings.TrimSpace(token)
	if deviceID == "" || token == "" {
		return errors.New("device id and token are required")
	}

	existing, err := s.repo.GetDeviceToken(ctx, deviceID)
	switch {
	case errors.Is(err, ErrDeviceTokenNotFound):
		_, err = s.repo.CreateDeviceToken(ctx, userID, deviceID, token)
		return err
	case err != nil:
		return err
	}

	if existing.UserID != userID || existing.Token == token {
		return nil
	}
	return s.repo.UpdateDeviceToken(ctx, existing.ID, token)
}

func (s *DeviceService) UnregisterToken(ctx context.Context, userID uuid.UUID, deviceID string) error {
	return s.repo.DeleteDeviceToken(ctx, userID, deviceID)
}
