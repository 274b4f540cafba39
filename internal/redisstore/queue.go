package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/classifieds/realtime/internal/domain"
)

const (
	fieldMessage    = "message"
	fieldEnqueuedAt = "enqueued_at"
)

// Queue is a domain.NotificationQueue backed by one Redis stream per user.
// Entries stay in the stream until acknowledged with XDEL.
type Queue struct {
	client *redis.Client
	maxLen int64
}

// NewQueue caps each stream at about maxLen entries; zero means uncapped.
func NewQueue(client *redis.Client, maxLen int64) *Queue {
	return &Queue{client: client, maxLen: maxLen}
}

func (q *Queue) Append(ctx context.Context, userID uuid.UUID, payload []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queueKey(userID),
		MaxLen: q.maxLen,
		Approx: q.maxLen > 0,
		Values: map[string]interface{}{
			fieldMessage:    string(payload),
			fieldEnqueuedAt: time.Now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append notification: %w", err)
	}
	return id, nil
}

func (q *Queue) ReadFrom(ctx context.Context, userID uuid.UUID, cursor string, maxCount int64, block time.Duration) ([]domain.QueueEntry, error) {
	// A negative Block leaves BLOCK off the command; zero would wait forever.
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{queueKey(userID), cursor},
		Count:   maxCount,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}

	var entries []domain.QueueEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, toEntry(userID, msg))
		}
	}
	return entries, nil
}

func toEntry(userID uuid.UUID, msg redis.XMessage) domain.QueueEntry {
	entry := domain.QueueEntry{ID: msg.ID, UserID: userID}
	if v, ok := msg.Values[fieldMessage].(string); ok {
		entry.Payload = []byte(v)
	}
	if v, ok := msg.Values[fieldEnqueuedAt].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			entry.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	return entry
}

func (q *Queue) Acknowledge(ctx context.Context, userID uuid.UUID, entryID string) error {
	if err := q.client.XDel(ctx, queueKey(userID), entryID).Err(); err != nil {
		return fmt.Errorf("acknowledge notification: %w", err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context, userID uuid.UUID) (int64, error) {
	return q.client.XLen(ctx, queueKey(userID)).Result()
}
