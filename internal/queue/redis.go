package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

const (
	// DefaultKeyPrefix namespaces queue keys in Redis.
	DefaultKeyPrefix = "sandbox-gateway:jobs:"

	// DefaultClaimTimeout is how long Claim blocks on an empty queue.
	DefaultClaimTimeout = 2 * time.Second

	// DefaultMaxFailures is the failure budget before dead-lettering.
	DefaultMaxFailures = 3
)

// Redis is a reliable list-based queue:
//
//	pending    --BLMOVE-->  processing  --LREM--> (acked)
//	processing --LPUSH-->   pending                (nack, budget left)
//	processing --LPUSH-->   dead                   (nack, budget spent)
type Redis struct {
	client       *redis.Client
	pending      string
	processing   string
	dead         string
	failures     string
	maxFailures  int
	claimTimeout time.Duration
}

// NewRedis creates a Redis-backed queue.
func NewRedis(client *redis.Client, maxFailures int) *Redis {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Redis{
		client:       client,
		pending:      DefaultKeyPrefix + "pending",
		processing:   DefaultKeyPrefix + "processing",
		dead:         DefaultKeyPrefix + "dead",
		failures:     DefaultKeyPrefix + "failures",
		maxFailures:  maxFailures,
		claimTimeout: DefaultClaimTimeout,
	}
}

// WithClaimTimeout overrides how long Claim blocks.
func (q *Redis) WithClaimTimeout(d time.Duration) *Redis {
	q.claimTimeout = d
	return q
}

// Submit pushes the job onto the pending list.
func (q *Redis) Submit(ctx context.Context, job Job) error {
	if err := q.client.LPush(ctx, q.pending, string(job.ID)).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", job.ID.Short(), err)
	}
	return nil
}

// Claim atomically moves the oldest pending job into the processing list.
func (q *Redis) Claim(ctx context.Context) (*Job, error) {
	id, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.claimTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &Job{ID: email.CorrelationID(id)}, nil
}

// Ack removes the job from the processing list and clears its failures.
func (q *Redis) Ack(ctx context.Context, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, string(job.ID))
	pipe.HDel(ctx, q.failures, string(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s: %w", job.ID.Short(), err)
	}
	return nil
}

// Nack requeues the job or moves it to the dead-letter list.
func (q *Redis) Nack(ctx context.Context, job Job, _ error) (bool, error) {
	n, err := q.client.HIncrBy(ctx, q.failures, string(job.ID), 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record failure for %s: %w", job.ID.Short(), err)
	}

	dead := n > int64(q.maxFailures)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, string(job.ID))
	if dead {
		pipe.LPush(ctx, q.dead, string(job.ID))
		pipe.HDel(ctx, q.failures, string(job.ID))
	} else {
		pipe.LPush(ctx, q.pending, string(job.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to nack %s: %w", job.ID.Short(), err)
	}
	return dead, nil
}

// Recover returns every in-flight job to the pending list. It must run
// before workers start, while no job of this process is in flight.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight jobs: %w", err)
		}
		moved++
	}
}

// DeadLetters lists dead-lettered jobs, newest first.
func (q *Redis) DeadLetters(ctx context.Context) ([]Job, error) {
	ids, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, Job{ID: email.CorrelationID(id)})
	}
	return jobs, nil
}

// Requeue moves a dead-lettered job back to the pending list.
func (q *Redis) Requeue(ctx context.Context, id email.CorrelationID) error {
	removed, err := q.client.LRem(ctx, q.dead, 1, string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id.Short(), err)
	}
	if removed == 0 {
		return ErrNotDeadLettered
	}
	return q.Submit(ctx, Job{ID: id})
}

// Discard drops a dead-lettered job.
func (q *Redis) Discard(ctx context.Context, id email.CorrelationID) error {
	removed, err := q.client.LRem(ctx, q.dead, 1, string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to discard %s: %w", id.Short(), err)
	}
	if removed == 0 {
		return ErrNotDeadLettered
	}
	return nil
}

// Pending returns the number of jobs waiting to be claimed.
func (q *Redis) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}
