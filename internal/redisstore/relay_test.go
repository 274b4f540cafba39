package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

type recordingEmitter struct {
	mu     sync.Mutex
	fail   map[uuid.UUID]error
	frames map[uuid.UUID][]string
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		fail:   make(map[uuid.UUID]error),
		frames: make(map[uuid.UUID][]string),
	}
}

func (e *recordingEmitter) Emit(_ context.Context, connectionID uuid.UUID, event string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fail[connectionID]; err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e.frames[connectionID] = append(e.frames[connectionID], event+" "+string(data))
	return nil
}

func (e *recordingEmitter) failWith(id uuid.UUID, err error) {
	e.mu.Lock()
	e.fail[id] = err
	e.mu.Unlock()
}

func (e *recordingEmitter) framesFor(id uuid.UUID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.frames[id]...)
}

type relayNode struct {
	registry *Registry
	local    *recordingEmitter
	relay    *Relay
}

func newRelayNode(t *testing.T, client *redis.Client, instanceID string, listen bool) *relayNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := &relayNode{registry: newTestRegistry(client, instanceID), local: newRecordingEmitter()}
	require.NoError(t, n.registry.Heartbeat(ctx))
	n.relay = NewRelay(client, n.registry, n.local, zap.NewNop())
	if listen {
		require.NoError(t, n.relay.Start(ctx))
		t.Cleanup(func() { n.relay.Close() })
	}
	return n
}

func emitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRelayEmitsLocalConnectionsDirectly(t *testing.T) {
	_, client := newTestClient(t)
	node := newRelayNode(t, client, "api-1", false)
	conn := uuid.New()
	require.NoError(t, node.registry.Register(context.Background(), conn, uuid.New()))

	err := node.relay.Emit(emitCtx(t), conn, domain.EventNotification, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, []string{`notification {"n":1}`}, node.local.framesFor(conn))
}

func TestRelayRoutesToOwningInstance(t *testing.T) {
	_, client := newTestClient(t)
	a := newRelayNode(t, client, "api-a", true)
	b := newRelayNode(t, client, "api-b", true)
	conn := uuid.New()
	require.NoError(t, b.registry.Register(context.Background(), conn, uuid.New()))

	err := a.relay.Emit(emitCtx(t), conn, domain.EventNotification, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, []string{`notification {"n":1}`}, b.local.framesFor(conn))
	assert.Empty(t, a.local.framesFor(conn))
}

func TestRelayReportsRemoteFailures(t *testing.T) {
	_, client := newTestClient(t)
	a := newRelayNode(t, client, "api-a", true)
	b := newRelayNode(t, client, "api-b", true)
	closed, broken := uuid.New(), uuid.New()
	require.NoError(t, b.registry.Register(context.Background(), closed, uuid.New()))
	require.NoError(t, b.registry.Register(context.Background(), broken, uuid.New()))
	b.local.failWith(closed, domain.ErrConnectionClosed)
	b.local.failWith(broken, errors.New("write: broken pipe"))

	err := a.relay.Emit(emitCtx(t), closed, domain.EventNotification, "x")
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)

	err = a.relay.Emit(emitCtx(t), broken, domain.EventNotification, "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrConnectionClosed)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestRelayUnknownConnectionIsClosed(t *testing.T) {
	_, client := newTestClient(t)
	a := newRelayNode(t, client, "api-a", true)

	err := a.relay.Emit(emitCtx(t), uuid.New(), domain.EventNotification, "x")
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestRelayInstanceWithoutListenerIsClosed(t *testing.T) {
	_, client := newTestClient(t)
	a := newRelayNode(t, client, "api-a", true)
	gone := newRelayNode(t, client, "api-gone", false)
	conn := uuid.New()
	require.NoError(t, gone.registry.Register(context.Background(), conn, uuid.New()))

	err := a.relay.Emit(emitCtx(t), conn, domain.EventNotification, "x")
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}
