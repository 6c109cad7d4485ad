// Package store holds raw messages between SMTP receipt and verdict handling.
package store

import (
	"context"
	"errors"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

var (
	// ErrNotFound is returned when no entry exists for a CorrelationID.
	ErrNotFound = errors.New("store: entry not found")

	// ErrHeld is returned by Unpark when a live entry with the same
	// CorrelationID was stored after the original was parked.
	ErrHeld = errors.New("store: a live entry already exists")
)

// Store is the correlation store. Implementations must be safe for
// concurrent use.
//
// Live entries are the ones PutIfAbsent, Get, Take and Update see. A parked
// entry belongs to a dead-lettered job: it is kept for operator requeue but
// does not block a new submission of the same message.
type Store interface {
	// PutIfAbsent writes data under id unless a live entry already exists.
	// It reports whether the write happened.
	PutIfAbsent(ctx context.Context, id email.CorrelationID, data []byte) (bool, error)

	// Get returns the live entry without removing it and renews its
	// expiry.
	Get(ctx context.Context, id email.CorrelationID) ([]byte, error)

	// Take atomically returns and removes the live entry.
	Take(ctx context.Context, id email.CorrelationID) ([]byte, error)

	// Update replaces the live entry with fn's result, keeping its expiry.
	// A nil result leaves the entry unchanged.
	Update(ctx context.Context, id email.CorrelationID, fn func(data []byte) ([]byte, error)) error

	// Delete removes the live entry. Deleting a missing entry is not an
	// error.
	Delete(ctx context.Context, id email.CorrelationID) error

	// Park moves the live entry aside. It returns ErrNotFound when there is
	// nothing to park.
	Park(ctx context.Context, id email.CorrelationID) error

	// Unpark makes a parked entry live again. It returns ErrNotFound when
	// nothing is parked and ErrHeld, discarding the parked copy, when a
	// live entry already exists.
	Unpark(ctx context.Context, id email.CorrelationID) error

	// Parked reports whether a parked entry exists.
	Parked(ctx context.Context, id email.CorrelationID) (bool, error)

	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
}
