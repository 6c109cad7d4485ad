package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// claimRetryDelay is the pause after a failed Claim before trying again.
const claimRetryDelay = time.Second

// Handler processes one job. A non-nil error counts as a failed attempt.
type Handler func(ctx context.Context, job Job) error

// DeadLetterFunc is invoked once when a job is moved to the dead-letter list.
type DeadLetterFunc func(ctx context.Context, job Job, cause error)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// Workers is the fixed number of concurrent workers.
	Workers int

	// Handler processes claimed jobs.
	Handler Handler

	// OnDeadLetter is optional.
	OnDeadLetter DeadLetterFunc
}

// Pool runs a fixed number of workers against a Queue. Each job runs in
// its own worker; a failing or panicking job never affects other jobs.
type Pool struct {
	queue  Queue
	config PoolConfig
}

// NewPool creates a worker pool.
func NewPool(q Queue, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{queue: q, config: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current job.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool started", "workers", p.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	slog.Info("worker pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to claim job", "worker", worker, "error", err)
			retry := time.NewTimer(claimRetryDelay)
			select {
			case <-ctx.Done():
			case <-retry.C:
			}
			retry.Stop()
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, worker, *job)
	}
}

// process runs one job and settles it with the queue.
func (p *Pool) process(ctx context.Context, worker int, job Job) {
	err := p.safeHandle(ctx, job)

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the job. It stays in flight and is
		// redelivered by Recover on the next start.
		slog.Warn("job interrupted by shutdown",
			"worker", worker,
			"correlation_id", job.ID,
		)
		return
	}

	// Settle even when shutdown began after the handler returned.
	settle := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := p.queue.Ack(settle, job); ackErr != nil {
			slog.Error("failed to ack job", "correlation_id", job.ID, "error", ackErr)
		}
		return
	}

	dead, nackErr := p.queue.Nack(settle, job, err)
	if nackErr != nil {
		slog.Error("failed to nack job", "correlation_id", job.ID, "error", nackErr)
		return
	}
	if !dead {
		slog.Warn("job failed, will retry",
			"worker", worker,
			"correlation_id", job.ID,
			"error", err,
		)
		return
	}

	slog.Error("job moved to dead-letter list",
		"worker", worker,
		"correlation_id", job.ID,
		"error", err,
	)
	if p.config.OnDeadLetter != nil {
		p.config.OnDeadLetter(settle, job, err)
	}
}

// safeHandle converts a handler panic into an error.
func (p *Pool) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked",
				"correlation_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.config.Handler(ctx, job)
}
