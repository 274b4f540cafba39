package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

const defaultRelayTimeout = 5 * time.Second

type relayRequest struct {
	ID           string          `json:"id"`
	ReplyTo      string          `json:"reply_to"`
	ConnectionID uuid.UUID       `json:"connection_id"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	TimeoutMs    int64           `json:"timeout_ms"`
}

type relayReply struct {
	ID     string `json:"id"`
	Closed bool   `json:"closed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Relay is a domain.Emitter that reaches connections held by any instance.
// Local connections go straight to the local emitter; the others are
// published on the owning instance's relay channel, which emits and
// publishes the outcome back.
type Relay struct {
	client   *redis.Client
	registry *Registry
	local    domain.Emitter
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]chan relayReply
	sub     *redis.PubSub
	wg      sync.WaitGroup
}

func NewRelay(client *redis.Client, registry *Registry, local domain.Emitter, logger *zap.Logger) *Relay {
	return &Relay{
		client:   client,
		registry: registry,
		local:    local,
		logger:   logger.With(zap.String("instance_id", registry.InstanceID())),
		pending:  make(map[string]chan relayReply),
	}
}

// Start subscribes to this instance's channels and serves them until ctx is
// done or Close is called. It returns once both subscriptions are confirmed.
func (r *Relay) Start(ctx context.Context) error {
	channels := []string{
		relayChannel(r.registry.InstanceID()),
		relayReplyChannel(r.registry.InstanceID()),
	}
	sub := r.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			return fmt.Errorf("subscribe relay channels: %w", err)
		}
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.listen(ctx, sub.Channel())
	return nil
}

// Close stops listening and waits for the listener and in-flight requests.
func (r *Relay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	r.wg.Wait()
	return err
}

func (r *Relay) listen(ctx context.Context, messages <-chan *redis.Message) {
	defer r.wg.Done()
	requests := relayChannel(r.registry.InstanceID())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Channel == requests {
				r.wg.Add(1)
				go r.serve(ctx, msg.Payload)
				continue
			}
			r.resolve(msg.Payload)
		}
	}
}

func (r *Relay) serve(ctx context.Context, raw string) {
	defer r.wg.Done()
	var req relayRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		r.logger.Warn("dropping malformed relay request", zap.Error(err))
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}
	emitCtx, cancel := context.WithTimeout(ctx, timeout)
	err := r.local.Emit(emitCtx, req.ConnectionID, req.Event, req.Payload)
	cancel()

	reply := relayReply{ID: req.ID}
	switch {
	case errors.Is(err, domain.ErrConnectionClosed):
		reply.Closed = true
	case err != nil:
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if err := r.client.Publish(ctx, relayReplyChannel(req.ReplyTo), data).Err(); err != nil {
		r.logger.Warn("failed to publish relay reply",
			zap.String("reply_to", req.ReplyTo),
			zap.Error(err),
		)
	}
}

func (r *Relay) resolve(raw string) {
	var reply relayReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		r.logger.Warn("dropping malformed relay reply", zap.Error(err))
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[reply.ID]
	delete(r.pending, reply.ID)
	r.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// Emit delivers to a local connection directly and to a remote one through
// its instance. Connections nobody holds fail with domain.ErrConnectionClosed.
func (r *Relay) Emit(ctx context.Context, connectionID uuid.UUID, event string, payload interface{}) error {
	instance, err := r.registry.InstanceOf(ctx, connectionID)
	if err != nil {
		return err
	}
	switch instance {
	case r.registry.InstanceID():
		return r.local.Emit(ctx, connectionID, event, payload)
	case "":
		return domain.ErrConnectionClosed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode relay payload: %w", err)
	}
	timeout := defaultRelayTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	req := relayRequest{
		ID:           uuid.NewString(),
		ReplyTo:      r.registry.InstanceID(),
		ConnectionID: connectionID,
		Event:        event,
		Payload:      body,
		TimeoutMs:    timeout.Milliseconds(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	replies := make(chan relayReply, 1)
	r.mu.Lock()
	r.pending[req.ID] = replies
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	receivers, err := r.client.Publish(ctx, relayChannel(instance), data).Result()
	if err != nil {
		return fmt.Errorf("publish relay request: %w", err)
	}
	if receivers == 0 {
		// The owning instance is gone; its sessions are dropped once its
		// heartbeat expires.
		return domain.ErrConnectionClosed
	}

	select {
	case reply := <-replies:
		if reply.Closed {
			return domain.ErrConnectionClosed
		}
		if reply.Error != "" {
			return fmt.Errorf("emit on instance %s: %s", instance, reply.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
