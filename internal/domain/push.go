package domain

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// PushTitle is the title shown on every device push.
const PushTitle = "Notification"

// PushMessage is one push addressed to one device token.
type PushMessage struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// PushFallback reaches devices out of band. It is not ordered with live
// delivery and never fails the caller: failures only feed the prune list.
type PushFallback struct {
	sender PushSender
	tokens DeviceTokenRepository
	logger *zap.Logger
}

func NewPushFallback(sender PushSender, tokens DeviceTokenRepository, logger *zap.Logger) *PushFallback {
	return &PushFallback{
		sender: sender,
		tokens: tokens,
		logger: logger,
	}
}

// SendBatch makes one attempt per message and returns the rejected tokens.
func (p *PushFallback) SendBatch(ctx context.Context, messages []PushMessage) []string {
	var rejected []string
	for _, m := range messages {
		if m.Token == "" {
			continue
		}
		err := p.sender.Send(ctx, m.Token, m.Title, m.Body, m.Data)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrPushTokenRejected) {
			rejected = append(rejected, m.Token)
			continue
		}
		p.logger.Warn("push send failed", zap.Error(err))
	}
	if len(rejected) > 0 {
		p.logger.Info("push tokens rejected", zap.Int("count", len(rejected)))
	}
	return rejected
}

// PruneRejected deletes device tokens by token string, whoever owns them.
func (p *PushFallback) PruneRejected(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	return p.tokens.DeleteDeviceTokensByTokens(ctx, tokens)
}

// NoopPushSender is used when no push provider is configured.
type NoopPushSender struct{}

func (NoopPushSender) Send(context.Context, string, string, string, map[string]string) error {
	return nil
}
