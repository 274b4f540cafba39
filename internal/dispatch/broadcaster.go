package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

// Broadcaster emits chat events once to every live session of a user.
// Nothing is queued or retried.
type Broadcaster struct {
	registry domain.SessionRegistry
	emitter  domain.Emitter
	timeout  time.Duration
	logger   *zap.Logger
}

func NewBroadcaster(registry domain.SessionRegistry, emitter domain.Emitter, timeout time.Duration, logger *zap.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broadcaster{
		registry: registry,
		emitter:  emitter,
		timeout:  timeout,
		logger:   logger,
	}
}

func (b *Broadcaster) PublishToUser(ctx context.Context, userID uuid.UUID, event string, payload interface{}) {
	sessions, err := b.registry.SessionsFor(ctx, userID)
	if err != nil {
		b.logger.Warn("failed to resolve sessions for event",
			zap.String("user_id", userID.String()),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	for _, connectionID := range sessions {
		emitCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err := b.emitter.Emit(emitCtx, connectionID, event, payload)
		cancel()
		if err != nil {
			b.logger.Debug("event not delivered",
				zap.String("connection_id", connectionID.String()),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
}
