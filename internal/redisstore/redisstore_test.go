package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

const testSessionTTL = 30 * time.Second

func newTestRegistry(client *redis.Client, instanceID string) *Registry {
	return NewRegistry(client, instanceID, testSessionTTL, zap.NewNop())
}

func TestRegistryRegisterAndUnregister(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	r := newTestRegistry(client, "api-1")
	user, conn := uuid.New(), uuid.New()

	require.NoError(t, r.Register(ctx, conn, user))
	require.NoError(t, r.Register(ctx, conn, user))

	sessions, err := r.SessionsFor(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{conn}, sessions)

	owner, err := mr.Get("sid:" + conn.String())
	require.NoError(t, err)
	assert.Equal(t, user.String(), owner)

	require.NoError(t, r.Unregister(ctx, conn))
	require.NoError(t, r.Unregister(ctx, conn))
	sessions, err = r.SessionsFor(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.False(t, mr.Exists("sid:"+conn.String()))
	assert.False(t, mr.Exists("sid_instance:"+conn.String()))
}

func TestRegistryReassignedConnection(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	r := newTestRegistry(client, "api-1")
	alice, bob, conn := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, r.Register(ctx, conn, alice))
	require.NoError(t, r.Register(ctx, conn, bob))

	aliceSessions, err := r.SessionsFor(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, aliceSessions)
	bobSessions, err := r.SessionsFor(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{conn}, bobSessions)
}

func TestRegistryConcurrentReassignmentStaysConsistent(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	r := newTestRegistry(client, "api-1")
	conn := uuid.New()
	users := make([]uuid.UUID, 8)
	for i := range users {
		users[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			// Losing every optimistic retry is allowed; a torn write is not.
			_ = r.Register(ctx, conn, u)
		}(u)
	}
	wg.Wait()

	owner, err := mr.Get("sid:" + conn.String())
	require.NoError(t, err)
	holders := 0
	for _, u := range users {
		sessions, err := r.SessionsFor(ctx, u)
		require.NoError(t, err)
		if len(sessions) > 0 {
			holders++
			assert.Equal(t, owner, u.String())
		}
	}
	assert.Equal(t, 1, holders)
}

func TestRegistryDropsSessionsOfCrashedInstance(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	user, stale, fresh := uuid.New(), uuid.New(), uuid.New()

	crashed := newTestRegistry(client, "api-old")
	require.NoError(t, crashed.Heartbeat(ctx))
	require.NoError(t, crashed.Register(ctx, stale, user))

	// The old process dies without unregistering; its heartbeat lapses.
	mr.FastForward(testSessionTTL + time.Second)

	restarted := newTestRegistry(client, "api-new")
	require.NoError(t, restarted.Heartbeat(ctx))
	require.NoError(t, restarted.Register(ctx, fresh, user))

	sessions, err := restarted.SessionsFor(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{fresh}, sessions)
	assert.False(t, mr.Exists("sid:"+stale.String()))
	members, err := mr.SMembers("user_sessions:" + user.String())
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.String()}, members)
}

func TestRegistryKeepsSessionsOfLiveInstances(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	user, a, b := uuid.New(), uuid.New(), uuid.New()

	first := newTestRegistry(client, "api-1")
	second := newTestRegistry(client, "api-2")
	require.NoError(t, first.Heartbeat(ctx))
	require.NoError(t, second.Heartbeat(ctx))
	require.NoError(t, first.Register(ctx, a, user))
	require.NoError(t, second.Register(ctx, b, user))

	sessions, err := first.SessionsFor(ctx, user)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, sessions)

	instance, err := first.InstanceOf(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "api-2", instance)
}

func TestRegistryReapRemovesDeadInstances(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	alice, bob := uuid.New(), uuid.New()
	connA, connB := uuid.New(), uuid.New()

	crashed := newTestRegistry(client, "api-old")
	require.NoError(t, crashed.Heartbeat(ctx))
	require.NoError(t, crashed.Register(ctx, connA, alice))
	require.NoError(t, crashed.Register(ctx, connB, bob))
	mr.FastForward(testSessionTTL + time.Second)

	survivor := newTestRegistry(client, "api-new")
	require.NoError(t, survivor.Heartbeat(ctx))
	removed, err := survivor.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, u := range []uuid.UUID{alice, bob} {
		sessions, err := survivor.SessionsFor(ctx, u)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	}
	assert.False(t, mr.Exists("sid:"+connA.String()))
	assert.False(t, mr.Exists("instance_sessions:api-old"))
	instances, err := mr.SMembers("instances")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-new"}, instances)

	removed, err = survivor.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRegistryReleaseDropsOwnSessions(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	r := newTestRegistry(client, "api-1")
	user, conn := uuid.New(), uuid.New()
	require.NoError(t, r.Heartbeat(ctx))
	require.NoError(t, r.Register(ctx, conn, user))

	require.NoError(t, r.Release(ctx))

	sessions, err := r.SessionsFor(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.False(t, mr.Exists("instance:api-1"))
}

func TestRegistryDisplayNameExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	r := newTestRegistry(client, "api-1")
	user := uuid.New()

	require.NoError(t, r.CacheDisplayName(ctx, user, "Ada"))
	name, ok, err := r.DisplayName(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Ada", name)

	mr.FastForward(displayNameTTL + 1)
	_, ok, err = r.DisplayName(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.UnknownDisplayName, domain.DisplayNameOrUnknown(ctx, r, user))
}

func TestQueueAppendReadAcknowledge(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	q := NewQueue(client, 1000)
	user := uuid.New()

	first, err := q.Append(ctx, user, []byte(`{"n":1}`))
	require.NoError(t, err)
	second, err := q.Append(ctx, user, []byte(`{"n":2}`))
	require.NoError(t, err)

	entries, err := q.ReadFrom(ctx, user, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].ID)
	assert.Equal(t, `{"n":1}`, string(entries[0].Payload))
	assert.False(t, entries[0].EnqueuedAt.IsZero())
	assert.Equal(t, user, entries[1].UserID)

	entries, err = q.ReadFrom(ctx, user, first, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].ID)

	require.NoError(t, q.Acknowledge(ctx, user, first))
	n, err := q.Len(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueueEmptyReadReturnsNothing(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, 0)

	entries, err := q.ReadFrom(context.Background(), uuid.New(), domain.QueueStart, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueuePerUserIsolation(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	q := NewQueue(client, 0)
	alice, bob := uuid.New(), uuid.New()

	_, err := q.Append(ctx, alice, []byte("a"))
	require.NoError(t, err)

	entries, err := q.ReadFrom(ctx, bob, domain.QueueStart, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
