// Package worker runs notification jobs off the request path.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/domain"
)

// Handler runs one job. domain.NotificationService satisfies it.
type Handler interface {
	Handle(ctx context.Context, job domain.NotificationJob) error
}

// Pool is a fixed set of workers fed by a buffered channel.
type Pool struct {
	handler    Handler
	jobs       chan domain.NotificationJob
	jobTimeout time.Duration
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(handler Handler, workers, buffer int, jobTimeout time.Duration, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	p := &Pool{
		handler:    handler,
		jobs:       make(chan domain.NotificationJob, buffer),
		jobTimeout: jobTimeout,
		logger:     logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	logger.Info("notification workers started", zap.Int("workers", workers))
	return p
}

// Submit queues a job, waiting for buffer space no longer than ctx allows.
func (p *Pool) Submit(ctx context.Context, job domain.NotificationJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrHandoffClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits for queued jobs to finish, or for ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job domain.NotificationJob) {
	ctx := context.Background()
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notification job panicked",
				zap.String("kind", string(job.Kind)),
				zap.Any("panic", r),
			)
		}
	}()

	start := time.Now()
	if err := p.handler.Handle(ctx, job); err != nil {
		p.logger.Error("failed to run notification job",
			zap.String("kind", string(job.Kind)),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("notification job done",
		zap.String("kind", string(job.Kind)),
		zap.Duration("took", time.Since(start)),
	)
}
