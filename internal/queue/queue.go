// Package queue decouples the SMTP accept path from analysis workers.
//
// Delivery is at-least-once: a claimed job stays in an in-flight set until it
// is acknowledged, and in-flight jobs left behind by a crashed process are
// returned to the pending list by Recover. Jobs that keep failing are moved
// to a dead-letter list instead of being retried forever.
package queue

import (
	"context"
	"errors"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// ErrFull is returned by Submit when a bounded queue cannot take more jobs.
var ErrFull = errors.New("queue: full")

// ErrNotDeadLettered is returned by Requeue for an unknown job.
var ErrNotDeadLettered = errors.New("queue: job is not in the dead-letter list")

// Job asks a worker to analyse the held message with the given ID.
type Job struct {
	ID email.CorrelationID
}

// Queue is the job queue contract shared by all backends.
type Queue interface {
	// Submit enqueues a job without waiting for a worker.
	Submit(ctx context.Context, job Job) error

	// Claim blocks until a job is available, the backend's poll timeout
	// elapses, or ctx is done. It returns nil, nil on timeout.
	Claim(ctx context.Context) (*Job, error)

	// Ack marks a claimed job as finished.
	Ack(ctx context.Context, job Job) error

	// Nack records a failed attempt. The job is requeued until it has
	// failed more than the configured number of times, then it is moved to
	// the dead-letter list and deadLettered is true.
	Nack(ctx context.Context, job Job, cause error) (deadLettered bool, err error)
}

// DeadLetterQueue exposes dead-letter inspection for operators.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context) ([]Job, error)
	Requeue(ctx context.Context, id email.CorrelationID) error

	// Discard removes a job from the dead-letter list without running it.
	Discard(ctx context.Context, id email.CorrelationID) error
}
