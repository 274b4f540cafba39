// Package redisstore keeps the session registry and the notification queue
// in Redis so that every instance of the service shares them.
package redisstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func sessionsKey(userID uuid.UUID) string {
	return "user_sessions:" + userID.String()
}

func connectionKey(connectionID uuid.UUID) string {
	return "sid:" + connectionID.String()
}

func displayNameKey(userID uuid.UUID) string {
	return "user_username:" + userID.String()
}

func queueKey(userID uuid.UUID) string {
	return "user_notifications:" + userID.String()
}

// instancesKey holds every instance id that ever heartbeated.
const instancesKey = "instances"

func instanceKey(instanceID string) string {
	return "instance:" + instanceID
}

func instanceSessionsKey(instanceID string) string {
	return "instance_sessions:" + instanceID
}

func connectionInstanceKey(connectionID uuid.UUID) string {
	return "sid_instance:" + connectionID.String()
}

func relayChannel(instanceID string) string {
	return "relay:" + instanceID
}

func relayReplyChannel(instanceID string) string {
	return "relay_reply:" + instanceID
}
