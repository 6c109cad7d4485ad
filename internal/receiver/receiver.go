// Package receiver decides the SMTP reply for each inbound message. A
// message is accepted only once it is held in the correlation store and an
// analysis job for it has been queued.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/queue"
	"github.com/shineum/smtp-sandbox-gateway/internal/smtp"
	"github.com/shineum/smtp-sandbox-gateway/internal/store"
)

const rollbackTimeout = 5 * time.Second

// Config wires a Receiver to its dependencies.
type Config struct {
	Store store.Store
	Queue queue.Queue

	// Now is used for Held.ReceivedAt. Defaults to time.Now.
	Now func() time.Time
}

// Receiver implements smtp.MessageHandler.
type Receiver struct {
	store store.Store
	queue queue.Queue
	now   func() time.Time
}

// New creates a Receiver.
func New(cfg Config) *Receiver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Receiver{store: cfg.Store, queue: cfg.Queue, now: cfg.Now}
}

// Handle stores raw under its content digest and queues an analysis job.
// A message whose digest is already held is acknowledged without a second
// job; its recipients are added to the held envelope so a transaction
// split by recipient still reaches everyone. Any store or queue failure
// yields a temporary rejection so the sender retries; the message is never
// accepted and then lost.
func (r *Receiver) Handle(ctx context.Context, env email.Envelope, raw []byte) smtp.Decision {
	id := email.NewCorrelationID(raw)
	log := slog.With("correlation_id", id, "from", env.From, "recipients", len(env.To))

	held := email.Held{Envelope: env, Raw: raw, ReceivedAt: r.now().UTC()}
	data, err := held.Encode()
	if err != nil {
		log.Error("failed to encode message", "error", err)
		return smtp.TempFail("Temporary failure, please try again later")
	}

	// The held entry can be settled between a refused put and the merge;
	// the second put then stores this copy afresh.
	for attempt := 0; attempt < 2; attempt++ {
		stored, err := r.store.PutIfAbsent(ctx, id, data)
		if err != nil {
			log.Error("failed to store message", "error", err)
			return smtp.TempFail("Temporary failure, please try again later")
		}
		if stored {
			return r.enqueue(ctx, id, len(raw), log)
		}

		added, err := r.mergeRecipients(ctx, id, env.To)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Error("failed to merge duplicate envelope", "error", err)
			return smtp.TempFail("Temporary failure, please try again later")
		}
		log.Info("duplicate message already held, not queued again", "added_recipients", added)
		return accepted(id)
	}

	log.Error("held message kept changing during duplicate check")
	return smtp.TempFail("Temporary failure, please try again later")
}

func (r *Receiver) enqueue(ctx context.Context, id email.CorrelationID, size int, log *slog.Logger) smtp.Decision {
	if err := r.queue.Submit(ctx, queue.Job{ID: id}); err != nil {
		log.Error("failed to queue analysis job", "error", err)
		r.rollback(ctx, id)
		return smtp.TempFail("Temporary failure, please try again later")
	}

	log.Info("message accepted for analysis", "size", size)
	return accepted(id)
}

// mergeRecipients adds the recipients the held envelope lacks and returns
// how many were added. The sender of the first transaction is kept.
func (r *Receiver) mergeRecipients(ctx context.Context, id email.CorrelationID, to []string) (int, error) {
	added := 0
	err := r.store.Update(ctx, id, func(data []byte) ([]byte, error) {
		added = 0
		held, err := email.DecodeHeld(data)
		if err != nil {
			return nil, err
		}
		if added = held.Envelope.AddRecipients(to...); added == 0 {
			return nil, nil
		}
		return held.Encode()
	})
	return added, err
}

// rollback removes an entry whose job could not be queued, so a retry by
// the sender is not mistaken for a duplicate.
func (r *Receiver) rollback(ctx context.Context, id email.CorrelationID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, id); err != nil {
		slog.Error("failed to remove unqueued message", "correlation_id", id, "error", err)
	}
}

func accepted(id email.CorrelationID) smtp.Decision {
	return smtp.Accept(fmt.Sprintf("OK queued as %s", id.Short()))
}
