package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/classifieds/realtime/internal/domain"
)

// Client sends device pushes through Firebase Cloud Messaging.
type Client struct {
	msgClient sender
	limiter   *rate.Limiter
	logger    *zap.Logger
}

type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

func NewClient(ctx context.Context, logger *zap.Logger, credentialsFile string, perSecond float64) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return newClient(msgClient, perSecond, logger), nil
}

func newClient(s sender, perSecond float64, logger *zap.Logger) *Client {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Client{
		msgClient: s,
		limiter:   rate.NewLimiter(limit, max(int(perSecond), 1)),
		logger:    logger,
	}
}

// Send makes one push attempt. Errors meaning the token will never be
// accepted again are returned as domain.ErrPushTokenRejected.
func (c *Client) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if token == "" {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}

	_, err := c.msgClient.Send(ctx, message)
	if err == nil {
		return nil
	}
	if isRejected(err) {
		return fmt.Errorf("%w: %v", domain.ErrPushTokenRejected, err)
	}
	c.logger.Error("failed to send FCM message", zap.Error(err))
	return err
}

func isRejected(err error) bool {
	return messaging.IsUnregistered(err) ||
		messaging.IsInvalidArgument(err) ||
		messaging.IsSenderIDMismatch(err)
}
