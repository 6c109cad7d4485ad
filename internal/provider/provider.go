// Package provider defines the interface for mail delivery backends.
package provider

import (
	"context"
	"fmt"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// Provider is the interface that delivery backends must implement.
// A backend receives the envelope and the exact bytes to deliver; it must
// not rewrite the message.
type Provider interface {
	// Deliver makes exactly one delivery attempt.
	Deliver(ctx context.Context, env email.Envelope, raw []byte) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// DeliveryError is a failed hand-off to the downstream mail system.
type DeliveryError struct {
	Provider string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s failed: %v", e.Provider, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Deliver calls p.Deliver and wraps any failure in a *DeliveryError.
func Deliver(ctx context.Context, p Provider, env email.Envelope, raw []byte) error {
	if err := p.Deliver(ctx, env, raw); err != nil {
		return &DeliveryError{Provider: p.Name(), Err: err}
	}
	return nil
}
