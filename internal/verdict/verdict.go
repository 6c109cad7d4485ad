// Package verdict turns per-attachment sandbox verdicts into a delivery
// decision: forward the original, forward a sanitized copy, or drop.
package verdict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider"
	"github.com/shineum/smtp-sandbox-gateway/internal/quarantine"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
	"github.com/shineum/smtp-sandbox-gateway/internal/store"
)

// Outcome is the terminal state of one job.
type Outcome string

const (
	OutcomeForwardedClean      Outcome = "forwarded-clean"
	OutcomeForwardedSanitized  Outcome = "forwarded-sanitized"
	OutcomeForwardedUnverified Outcome = "forwarded-unverified"
	OutcomeDroppedMalicious    Outcome = "dropped-malicious"
	OutcomeDroppedTimeout      Outcome = "dropped-timeout"
	OutcomeDroppedError        Outcome = "dropped-error"
	OutcomeDeliveryFailed      Outcome = "delivery-failed"

	// OutcomeAlreadyHandled means another worker claimed the message first.
	OutcomeAlreadyHandled Outcome = "already-handled"
)

// FailPolicy decides what happens when analysis cannot produce a verdict.
type FailPolicy string

const (
	// FailClosed drops unanalysed mail and removes unknown attachments.
	FailClosed FailPolicy = "closed"
	// FailOpen forwards unanalysed mail and keeps unknown attachments.
	FailOpen FailPolicy = "open"
)

// ParseFailPolicy validates a configured policy name.
func ParseFailPolicy(s string) (FailPolicy, error) {
	switch p := FailPolicy(s); p {
	case FailClosed, FailOpen:
		return p, nil
	default:
		return "", fmt.Errorf("unknown fail policy %q (want %q or %q)", s, FailClosed, FailOpen)
	}
}

// Analysis is the input to Handle: a parsed message and the verdicts for
// its attachments, keyed by attachment content hash.
type Analysis struct {
	ID       email.CorrelationID
	Message  *email.Message
	Verdicts map[string]sandbox.Verdict
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Store            store.Store
	Forwarder        provider.Provider
	Archiver         quarantine.Archiver
	ForwardSanitized bool
	Policy           FailPolicy
}

// Handler applies verdicts and hands the result to the forwarder.
type Handler struct {
	store            store.Store
	forwarder        provider.Provider
	archiver         quarantine.Archiver
	forwardSanitized bool
	policy           FailPolicy
}

// NewHandler creates a Handler. A nil Archiver disables quarantine and an
// empty Policy means FailClosed.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Archiver == nil {
		cfg.Archiver = quarantine.Noop{}
	}
	if cfg.Policy == "" {
		cfg.Policy = FailClosed
	}
	return &Handler{
		store:            cfg.Store,
		forwarder:        cfg.Forwarder,
		archiver:         cfg.Archiver,
		forwardSanitized: cfg.ForwardSanitized,
		policy:           cfg.Policy,
	}
}

// Policy returns the configured fail policy.
func (h *Handler) Policy() FailPolicy {
	return h.policy
}

// Handle claims the held message and acts on the verdicts.
// The store entry is gone when Handle returns, whatever the outcome.
//
// A *provider.DeliveryError is returned with OutcomeDeliveryFailed; the
// message is consumed either way.
func (h *Handler) Handle(ctx context.Context, a Analysis) (Outcome, error) {
	held, outcome, err := h.claim(ctx, a.ID)
	if held == nil {
		return outcome, err
	}

	removed := Partition(a.Message, a.Verdicts, h.policy)
	if len(removed) == 0 {
		return h.deliver(ctx, a.ID, held.Envelope, held.Raw, OutcomeForwardedClean)
	}

	logger := slog.With("correlation_id", string(a.ID))
	names := Filenames(removed)

	h.archive(ctx, a.ID, removed)

	if !h.forwardSanitized {
		logger.Warn("message dropped: attachments failed analysis",
			"removed", names,
			"reason", Reasons(removed),
		)
		return OutcomeDroppedMalicious, nil
	}

	raw, err := Rebuild(a.Message, removed)
	if err != nil {
		return OutcomeDroppedError, fmt.Errorf("failed to build sanitized message: %w", err)
	}
	logger.Info("attachments removed from message", "removed", names)

	return h.deliver(ctx, a.ID, held.Envelope, raw, OutcomeForwardedSanitized)
}

// ForwardUnverified claims the held message and forwards the original
// bytes without a verdict. It backs the fail-open policy.
func (h *Handler) ForwardUnverified(ctx context.Context, id email.CorrelationID) (Outcome, error) {
	held, outcome, err := h.claim(ctx, id)
	if held == nil {
		return outcome, err
	}
	return h.deliver(ctx, id, held.Envelope, held.Raw, OutcomeForwardedUnverified)
}

// claim atomically removes the held message from the store. When it
// returns a nil record the job is over: a missing entry means another
// worker already handled it, an undecodable one is dropped.
func (h *Handler) claim(ctx context.Context, id email.CorrelationID) (*email.Held, Outcome, error) {
	data, err := h.store.Take(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("held message already claimed, nothing to forward",
			"correlation_id", string(id),
		)
		return nil, OutcomeAlreadyHandled, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to claim held message: %w", err)
	}

	held, err := email.DecodeHeld(data)
	if err != nil {
		return nil, OutcomeDroppedError, err
	}
	return held, "", nil
}

func (h *Handler) deliver(ctx context.Context, id email.CorrelationID, env email.Envelope, raw []byte, ok Outcome) (Outcome, error) {
	if err := provider.Deliver(ctx, h.forwarder, env, raw); err != nil {
		return OutcomeDeliveryFailed, err
	}
	slog.Debug("message handed to forwarder",
		"correlation_id", string(id),
		"provider", h.forwarder.Name(),
		"size", len(raw),
	)
	return ok, nil
}

// archive stores removed attachments. Failures are logged only.
func (h *Handler) archive(ctx context.Context, id email.CorrelationID, removed []Removal) {
	items := make([]quarantine.Item, 0, len(removed))
	for _, r := range removed {
		items = append(items, quarantine.Item{
			CorrelationID: id,
			Filename:      r.Part.Filename,
			MediaType:     r.Part.MediaType,
			Hash:          r.Part.Hash,
			Verdict:       string(r.Verdict),
			Content:       r.Part.Content,
		})
	}
	if err := h.archiver.Archive(ctx, items); err != nil {
		slog.Error("failed to quarantine removed attachments",
			"correlation_id", string(id),
			"error", err,
		)
	}
}
