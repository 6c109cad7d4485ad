package queue

import (
	"context"
	"sync"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// DefaultMemoryCapacity bounds the in-memory pending list.
const DefaultMemoryCapacity = 1024

// Memory is an in-process queue with the same failure accounting as Redis.
// Jobs are lost on restart.
type Memory struct {
	mu           sync.Mutex
	pending      []Job
	inflight     map[email.CorrelationID]int
	failures     map[email.CorrelationID]int
	dead         []Job
	capacity     int
	maxFailures  int
	claimTimeout time.Duration
	notify       chan struct{}
}

// NewMemory creates an in-memory queue.
func NewMemory(capacity, maxFailures int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Memory{
		inflight:     make(map[email.CorrelationID]int),
		failures:     make(map[email.CorrelationID]int),
		capacity:     capacity,
		maxFailures:  maxFailures,
		claimTimeout: DefaultClaimTimeout,
		notify:       make(chan struct{}, 1),
	}
}

// WithClaimTimeout overrides how long Claim blocks.
func (q *Memory) WithClaimTimeout(d time.Duration) *Memory {
	q.claimTimeout = d
	return q
}

func (q *Memory) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Memory) Submit(_ context.Context, job Job) error {
	q.mu.Lock()
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return ErrFull
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *Memory) Claim(ctx context.Context) (*Job, error) {
	timer := time.NewTimer(q.claimTimeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight[job.ID]++
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return &job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *Memory) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.release(job.ID)
	delete(q.failures, job.ID)
	return nil
}

func (q *Memory) Nack(_ context.Context, job Job, _ error) (bool, error) {
	q.mu.Lock()
	q.release(job.ID)
	q.failures[job.ID]++
	dead := q.failures[job.ID] > q.maxFailures
	if dead {
		delete(q.failures, job.ID)
		q.dead = append([]Job{job}, q.dead...)
	} else {
		q.pending = append(q.pending, job)
	}
	q.mu.Unlock()

	if !dead {
		q.signal()
	}
	return dead, nil
}

// release drops one in-flight claim. Callers hold q.mu.
func (q *Memory) release(id email.CorrelationID) {
	if q.inflight[id] <= 1 {
		delete(q.inflight, id)
		return
	}
	q.inflight[id]--
}

func (q *Memory) DeadLetters(_ context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...), nil
}

func (q *Memory) Requeue(ctx context.Context, id email.CorrelationID) error {
	if err := q.Discard(ctx, id); err != nil {
		return err
	}
	return q.Submit(ctx, Job{ID: id})
}

func (q *Memory) Discard(_ context.Context, id email.CorrelationID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.dead {
		if j.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return nil
		}
	}
	return ErrNotDeadLettered
}

// InFlight returns the number of claimed, unacknowledged jobs.
func (q *Memory) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.inflight {
		n += c
	}
	return n
}
