// Package memstore holds single-process implementations of the session
// registry and the notification queue.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const shardCount = 32

// shardOf spreads random (v4) uuids over the shards by their first byte.
func shardOf(id uuid.UUID) int {
	return int(id[0]) % shardCount
}

type userShard struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[uuid.UUID]struct{}
	names    map[uuid.UUID]string
}

type connShard struct {
	mu     sync.Mutex
	owners map[uuid.UUID]uuid.UUID
}

// Registry is an in-memory domain.SessionRegistry. Users and connections are
// sharded so that operations on different users do not share a lock.
type Registry struct {
	users [shardCount]*userShard
	conns [shardCount]*connShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.users[i] = &userShard{
			sessions: make(map[uuid.UUID]map[uuid.UUID]struct{}),
			names:    make(map[uuid.UUID]string),
		}
		r.conns[i] = &connShard{owners: make(map[uuid.UUID]uuid.UUID)}
	}
	return r
}

func (r *Registry) Register(_ context.Context, connectionID, userID uuid.UUID) error {
	// Connection shard before user shard, never the reverse.
	cs := r.conns[shardOf(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	previous, had := cs.owners[connectionID]
	cs.owners[connectionID] = userID

	if had && previous != userID {
		r.removeSession(previous, connectionID)
	}

	us := r.users[shardOf(userID)]
	us.mu.Lock()
	set, ok := us.sessions[userID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		us.sessions[userID] = set
	}
	set[connectionID] = struct{}{}
	us.mu.Unlock()
	return nil
}

func (r *Registry) Unregister(_ context.Context, connectionID uuid.UUID) error {
	cs := r.conns[shardOf(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	userID, ok := cs.owners[connectionID]
	delete(cs.owners, connectionID)

	if ok {
		r.removeSession(userID, connectionID)
	}
	return nil
}

func (r *Registry) removeSession(userID, connectionID uuid.UUID) {
	us := r.users[shardOf(userID)]
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.sessions[userID]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(us.sessions, userID)
	}
}

func (r *Registry) SessionsFor(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	us := r.users[shardOf(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.sessions[userID]
	sessions := make([]uuid.UUID, 0, len(set))
	for id := range set {
		sessions = append(sessions, id)
	}
	return sessions, nil
}

func (r *Registry) CacheDisplayName(_ context.Context, userID uuid.UUID, name string) error {
	us := r.users[shardOf(userID)]
	us.mu.Lock()
	us.names[userID] = name
	us.mu.Unlock()
	return nil
}

func (r *Registry) DisplayName(_ context.Context, userID uuid.UUID) (string, bool, error) {
	us := r.users[shardOf(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()
	name, ok := us.names[userID]
	return name, ok, nil
}
