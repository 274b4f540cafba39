package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	displayNameTTL = 24 * time.Hour
	// watchRetries bounds optimistic retries of a registry write.
	watchRetries = 5
)

// Registry is a domain.SessionRegistry over a Redis set per user and a
// reverse key per connection. Every session also records the instance that
// holds it; an instance whose heartbeat key expired is considered crashed
// and its sessions are dropped.
type Registry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.Logger
}

// NewRegistry returns a registry for the process identified by instanceID.
// ttl is how long the instance stays alive without a Heartbeat.
func NewRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger.With(zap.String("instance_id", instanceID)),
	}
}

func (r *Registry) InstanceID() string {
	return r.instanceID
}

func (r *Registry) Register(ctx context.Context, connectionID, userID uuid.UUID) error {
	conn := connectionID.String()
	err := r.watch(ctx, func(tx *redis.Tx) error {
		previous, err := r.owner(ctx, tx, connectionID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != uuid.Nil && previous != userID {
				pipe.SRem(ctx, sessionsKey(previous), conn)
			}
			pipe.SAdd(ctx, sessionsKey(userID), conn)
			pipe.Set(ctx, connectionKey(connectionID), userID.String(), 0)
			pipe.Set(ctx, connectionInstanceKey(connectionID), r.instanceID, 0)
			pipe.SAdd(ctx, instanceSessionsKey(r.instanceID), conn)
			return nil
		})
		return err
	}, connectionKey(connectionID))
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

func (r *Registry) Unregister(ctx context.Context, connectionID uuid.UUID) error {
	err := r.watch(ctx, func(tx *redis.Tx) error {
		userID, err := r.owner(ctx, tx, connectionID)
		if err != nil || userID == uuid.Nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.removeSession(ctx, pipe, userID, connectionID, r.instanceID)
			return nil
		})
		return err
	}, connectionKey(connectionID))
	if err != nil {
		return fmt.Errorf("unregister session: %w", err)
	}
	return nil
}

// watch runs fn under WATCH on keys, retrying when another client
// changed them first.
func (r *Registry) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < watchRetries; i++ {
		err = r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *Registry) removeSession(ctx context.Context, pipe redis.Pipeliner, userID, connectionID uuid.UUID, instanceID string) {
	pipe.SRem(ctx, sessionsKey(userID), connectionID.String())
	pipe.Del(ctx, connectionKey(connectionID), connectionInstanceKey(connectionID))
	if instanceID != "" {
		pipe.SRem(ctx, instanceSessionsKey(instanceID), connectionID.String())
	}
}

// owner returns uuid.Nil for an unknown connection.
func (r *Registry) owner(ctx context.Context, c redis.Cmdable, connectionID uuid.UUID) (uuid.UUID, error) {
	raw, err := c.Get(ctx, connectionKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get connection owner: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		r.logger.Warn("malformed connection owner", zap.String("connection_id", connectionID.String()))
		return uuid.Nil, nil
	}
	return id, nil
}

// InstanceOf returns the instance holding a connection, or "" when the
// connection is unknown.
func (r *Registry) InstanceOf(ctx context.Context, connectionID uuid.UUID) (string, error) {
	instance, err := r.client.Get(ctx, connectionInstanceKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get connection instance: %w", err)
	}
	return instance, nil
}

// SessionsFor returns the sessions of userID held by live instances.
// Sessions of crashed instances are removed on the way.
func (r *Registry) SessionsFor(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	candidates := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			r.logger.Warn("skipping malformed session id", zap.String("member", m))
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	instances, err := r.instancesOf(ctx, candidates)
	if err != nil {
		return nil, err
	}
	alive, err := r.aliveInstances(ctx, instances)
	if err != nil {
		return nil, err
	}

	sessions := make([]uuid.UUID, 0, len(candidates))
	var stale []uuid.UUID
	for i, id := range candidates {
		if alive[instances[i]] {
			sessions = append(sessions, id)
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) > 0 {
		r.dropStale(ctx, userID, stale, instances, candidates)
	}
	return sessions, nil
}

func (r *Registry) instancesOf(ctx context.Context, connections []uuid.UUID) ([]string, error) {
	cmds := make([]*redis.StringCmd, len(connections))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range connections {
			cmds[i] = pipe.Get(ctx, connectionInstanceKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get session instances: %w", err)
	}
	instances := make([]string, len(connections))
	for i, cmd := range cmds {
		instances[i] = cmd.Val()
	}
	return instances, nil
}

// aliveInstances reports which of instances still have a heartbeat. This
// process is always alive.
func (r *Registry) aliveInstances(ctx context.Context, instances []string) (map[string]bool, error) {
	alive := map[string]bool{r.instanceID: true}
	cmds := make(map[string]*redis.IntCmd)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range instances {
			if id == "" || id == r.instanceID {
				continue
			}
			if _, ok := cmds[id]; !ok {
				cmds[id] = pipe.Exists(ctx, instanceKey(id))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check instance heartbeats: %w", err)
	}
	for id, cmd := range cmds {
		alive[id] = cmd.Val() > 0
	}
	return alive, nil
}

func (r *Registry) dropStale(ctx context.Context, userID uuid.UUID, stale []uuid.UUID, instances []string, candidates []uuid.UUID) {
	instanceOf := make(map[uuid.UUID]string, len(candidates))
	for i, id := range candidates {
		instanceOf[id] = instances[i]
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range stale {
			r.removeSession(ctx, pipe, userID, id, instanceOf[id])
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("failed to drop stale sessions", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	r.logger.Info("dropped sessions of dead instances",
		zap.String("user_id", userID.String()),
		zap.Int("count", len(stale)),
	)
}

// Heartbeat marks this instance alive for the registry ttl.
func (r *Registry) Heartbeat(ctx context.Context) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, instanceKey(r.instanceID), time.Now().UTC().Format(time.RFC3339), r.ttl)
		pipe.SAdd(ctx, instancesKey, r.instanceID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("instance heartbeat: %w", err)
	}
	return nil
}

// Reap removes every session of instances whose heartbeat expired and
// returns how many it removed.
func (r *Registry) Reap(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if id == r.instanceID {
			continue
		}
		n, err := r.client.Exists(ctx, instanceKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("check instance heartbeat: %w", err)
		}
		if n > 0 {
			continue
		}
		count, err := r.clearInstance(ctx, id)
		removed += count
		if err != nil {
			return removed, err
		}
		r.logger.Info("reaped dead instance", zap.String("dead_instance_id", id), zap.Int("sessions", count))
	}
	return removed, nil
}

// Release drops this instance's sessions and heartbeat. Used on shutdown,
// when the process's connections go away with it.
func (r *Registry) Release(ctx context.Context) error {
	if _, err := r.clearInstance(ctx, r.instanceID); err != nil {
		return err
	}
	return r.client.Del(ctx, instanceKey(r.instanceID)).Err()
}

func (r *Registry) clearInstance(ctx context.Context, instanceID string) (int, error) {
	members, err := r.client.SMembers(ctx, instanceSessionsKey(instanceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list instance sessions: %w", err)
	}
	removed := 0
	for _, m := range members {
		connectionID, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		userID, err := r.owner(ctx, r.client, connectionID)
		if err != nil {
			return removed, err
		}
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if userID != uuid.Nil {
				pipe.SRem(ctx, sessionsKey(userID), m)
			}
			pipe.Del(ctx, connectionKey(connectionID), connectionInstanceKey(connectionID))
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("remove instance session: %w", err)
		}
		removed++
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, instanceSessionsKey(instanceID))
		pipe.SRem(ctx, instancesKey, instanceID)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("remove instance: %w", err)
	}
	return removed, nil
}

// Run heartbeats and reaps dead instances every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.Error("failed to refresh instance heartbeat", zap.Error(err))
				continue
			}
			if _, err := r.Reap(ctx); err != nil {
				r.logger.Warn("failed to reap dead instances", zap.Error(err))
			}
		}
	}
}

func (r *Registry) CacheDisplayName(ctx context.Context, userID uuid.UUID, name string) error {
	return r.client.Set(ctx, displayNameKey(userID), name, displayNameTTL).Err()
}

func (r *Registry) DisplayName(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	name, err := r.client.Get(ctx, displayNameKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}
