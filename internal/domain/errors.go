package domain

import "errors"

// Sentinel errors, matched with errors.Is by handlers and socket events.
var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrChatAlreadyExists  = errors.New("chat already exists")
	ErrSelfMessaging      = errors.New("cannot message your own listing")
	ErrNotChatParticipant = errors.New("user is not a participant of this chat")
	ErrListingNotFound    = errors.New("listing not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmptyMessage       = errors.New("message is empty")

	ErrNotificationNotFound = errors.New("notification not found")
	ErrDeviceTokenNotFound  = errors.New("device token not found")

	// ErrPushTokenRejected marks a device token the push provider will never accept again.
	ErrPushTokenRejected = errors.New("push token rejected")
	// ErrConnectionClosed is returned when emitting to a handle with no live connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHandoffClosed is returned by a job submitter that no longer accepts work.
	ErrHandoffClosed = errors.New("notification hand-off closed")
)
