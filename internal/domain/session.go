package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UnknownDisplayName is emitted when a user's display name is not cached.
const UnknownDisplayName = "unknown"

// Session is one live real-time connection belonging to a user.
type Session struct {
	ConnectionID  uuid.UUID `json:"connection_id"`
	UserID        uuid.UUID `json:"user_id"`
	EstablishedAt time.Time `json:"established_at"`
}

// SessionRegistry tracks which live connections belong to which user.
type SessionRegistry interface {
	Register(ctx context.Context, connectionID, userID uuid.UUID) error
	// Unregister is a no-op for unknown connections.
	Unregister(ctx context.Context, connectionID uuid.UUID) error
	SessionsFor(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	CacheDisplayName(ctx context.Context, userID uuid.UUID, name string) error
	DisplayName(ctx context.Context, userID uuid.UUID) (string, bool, error)
}

// DisplayNameOrUnknown resolves a cached display name, degrading to
// UnknownDisplayName on a miss or a registry failure.
func DisplayNameOrUnknown(ctx context.Context, registry SessionRegistry, userID uuid.UUID) string {
	name, ok, err := registry.DisplayName(ctx, userID)
	if err != nil || !ok || name == "" {
		return UnknownDisplayName
	}
	return name
}

// QueueEntry is one pending notification in a user's durable queue.
type QueueEntry struct {
	ID         string    `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueStart is the cursor that reads a queue from its oldest entry.
const QueueStart = "0"

// NotificationQueue is a per-user, ordered, durable log. Entries are removed
// only by Acknowledge, never by a read.
type NotificationQueue interface {
	Append(ctx context.Context, userID uuid.UUID, payload []byte) (string, error)
	// ReadFrom returns up to maxCount entries with an id greater than cursor,
	// waiting up to block when none are available. block <= 0 does not wait.
	ReadFrom(ctx context.Context, userID uuid.UUID, cursor string, maxCount int64, block time.Duration) ([]QueueEntry, error)
	Acknowledge(ctx context.Context, userID uuid.UUID, entryID string) error
	Len(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Emitter pushes one event to one connection handle. It fails with
// ErrConnectionClosed when the handle is not live, or with the transport error.
type Emitter interface {
	Emit(ctx context.Context, connectionID uuid.UUID, event string, payload interface{}) error
}

// EventPublisher fans a chat event out to every live session of a user, best effort.
type EventPublisher interface {
	PublishToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{})
}
