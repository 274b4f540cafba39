// Package dispatch drains the per-user notification queues into the live
// sessions of each user.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/classifieds/realtime/internal/domain"
)

type Config struct {
	BatchSize     int64
	Block         time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	EmitTimeout   time.Duration
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Dispatcher runs one delivery loop per user with live sessions. A loop
// parks (exits) when its user has no sessions and is restarted by Ensure.
type Dispatcher struct {
	queue    domain.NotificationQueue
	registry domain.SessionRegistry
	emitter  domain.Emitter
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	loops  map[uuid.UUID]chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(
	queue domain.NotificationQueue,
	registry domain.SessionRegistry,
	emitter domain.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		emitter:  emitter,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		loops:    make(map[uuid.UUID]chan struct{}),
	}
}

// Start fixes the context every loop runs under. Ensure is a no-op before Start.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels every loop and waits for them to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Ensure starts the delivery loop of userID, or wakes it if it is running.
func (d *Dispatcher) Ensure(userID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		return
	}
	if wake, ok := d.loops[userID]; ok {
		select {
		case wake <- struct{}{}:
		default:
		}
		return
	}

	wake := make(chan struct{}, 1)
	d.loops[userID] = wake
	d.wg.Add(1)
	go d.run(d.ctx, userID, wake)
}

// Running reports whether userID currently has a delivery loop.
func (d *Dispatcher) Running(userID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loops[userID]
	return ok
}

func (d *Dispatcher) run(ctx context.Context, userID uuid.UUID, wake chan struct{}) {
	defer d.wg.Done()
	log := d.logger.With(zap.String("user_id", userID.String()))
	log.Debug("delivery loop started")

	for {
		if ctx.Err() != nil {
			d.forget(userID)
			return
		}

		sessions, err := d.registry.SessionsFor(ctx, userID)
		if err != nil {
			log.Error("failed to resolve sessions", zap.Error(err))
			sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if len(sessions) == 0 {
			if d.park(userID, wake) {
				log.Debug("delivery loop parked")
				return
			}
			continue
		}

		if pending := d.drain(ctx, userID, log); pending {
			sleep(ctx, d.cfg.PollInterval)
		}
	}
}

// park removes the loop unless an Ensure arrived since the last pass. It
// runs under the dispatcher lock so an Ensure either wakes this loop or
// starts a new one, never neither.
func (d *Dispatcher) park(userID uuid.UUID, wake chan struct{}) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-wake:
		return false
	default:
		delete(d.loops, userID)
		return true
	}
}

func (d *Dispatcher) forget(userID uuid.UUID) {
	d.mu.Lock()
	delete(d.loops, userID)
	d.mu.Unlock()
}

// drain offers every queued entry once, starting from the oldest one still
// in the queue. It reports whether any entry was left unacknowledged.
func (d *Dispatcher) drain(ctx context.Context, userID uuid.UUID, log *zap.Logger) bool {
	pending := false
	entries, err := d.queue.ReadFrom(ctx, userID, domain.QueueStart, d.cfg.BatchSize, d.cfg.Block)
	for {
		if err != nil {
			if ctx.Err() == nil {
				log.Error("failed to read notification queue", zap.Error(err))
			}
			return true
		}
		if len(entries) == 0 {
			return pending
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return true
			}
			if !d.deliver(ctx, entry, log) {
				pending = true
			}
		}
		cursor := entries[len(entries)-1].ID
		entries, err = d.queue.ReadFrom(ctx, userID, cursor, d.cfg.BatchSize, 0)
	}
}

// deliver pushes one entry to every live session and acknowledges it only
// when all of them confirmed.
func (d *Dispatcher) deliver(ctx context.Context, entry domain.QueueEntry, log *zap.Logger) bool {
	log = log.With(zap.String("entry_id", entry.ID))

	sessions, err := d.registry.SessionsFor(ctx, entry.UserID)
	if err != nil {
		log.Error("failed to resolve sessions", zap.Error(err))
		return false
	}
	if len(sessions) == 0 {
		return false
	}

	var payload interface{} = json.RawMessage(entry.Payload)
	if !json.Valid(entry.Payload) {
		payload = string(entry.Payload)
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	for _, connectionID := range sessions {
		connectionID := connectionID
		g.Go(func() error {
			err := d.emitWithRetry(ctx, connectionID, payload)
			if err != nil {
				mu.Lock()
				failed = append(failed, connectionID.String())
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("notification not delivered to every session",
			zap.Strings("failed_sessions", failed),
			zap.Error(err),
		)
		return false
	}

	if err := d.queue.Acknowledge(ctx, entry.UserID, entry.ID); err != nil {
		log.Error("failed to acknowledge notification", zap.Error(err))
		return false
	}
	log.Debug("notification delivered", zap.Int("sessions", len(sessions)))
	return true
}

func (d *Dispatcher) emitWithRetry(ctx context.Context, connectionID uuid.UUID, payload interface{}) error {
	var err error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		emitCtx, cancel := context.WithTimeout(ctx, d.cfg.EmitTimeout)
		err = d.emitter.Emit(emitCtx, connectionID, domain.EventNotification, payload)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == d.cfg.RetryAttempts {
			break
		}
		if !sleep(ctx, d.cfg.RetryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("connection %s after %d attempts: %w", connectionID, d.cfg.RetryAttempts, err)
}

// sleep waits for d or until ctx is done, reporting false in the latter case.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
