// Package analysis runs one queued job from held message to terminal
// outcome: parse, sandbox analysis, verdict handling, cleanup.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/parser"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider"
	"github.com/shineum/smtp-sandbox-gateway/internal/queue"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
	"github.com/shineum/smtp-sandbox-gateway/internal/store"
	"github.com/shineum/smtp-sandbox-gateway/internal/verdict"
)

const (
	// DefaultGrace is added to the poll budget to form the job deadline.
	DefaultGrace = 30 * time.Second

	// DefaultSettleTimeout bounds verdict handling and delivery.
	DefaultSettleTimeout = 2 * time.Minute

	// DefaultCleanupTimeout bounds store cleanup after the job context
	// has ended.
	DefaultCleanupTimeout = 5 * time.Second
)

// ErrHeldMissing means a job found no held message. The message was
// accepted over SMTP, so this is reported as a drop: the entry expired
// before the job ran, or a redelivered job's message was already settled.
var ErrHeldMissing = errors.New("held message missing")

// Analyzer uploads attachments and waits for verdicts.
type Analyzer interface {
	Analyze(ctx context.Context, files []sandbox.File) (map[string]sandbox.Verdict, error)
	Budget() time.Duration
}

// Config wires a Worker.
type Config struct {
	Store    store.Store
	Analyzer Analyzer
	Verdicts *verdict.Handler

	Grace          time.Duration
	SettleTimeout  time.Duration
	CleanupTimeout time.Duration
}

// Worker processes analysis jobs. It is safe for concurrent use by a
// queue.Pool.
type Worker struct {
	store    store.Store
	analyzer Analyzer
	verdicts *verdict.Handler

	grace          time.Duration
	settleTimeout  time.Duration
	cleanupTimeout time.Duration
}

// NewWorker creates a Worker, filling zero durations with defaults.
func NewWorker(cfg Config) *Worker {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = DefaultSettleTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Worker{
		store:          cfg.Store,
		analyzer:       cfg.Analyzer,
		verdicts:       cfg.Verdicts,
		grace:          cfg.Grace,
		settleTimeout:  cfg.SettleTimeout,
		cleanupTimeout: cfg.CleanupTimeout,
	}
}

// Deadline is the wall-clock limit of one job's analysis phase.
func (w *Worker) Deadline() time.Duration {
	return w.analyzer.Budget() + w.grace
}

// Process implements queue.Handler. It returns an error only for failures
// worth retrying; every other path ends in a logged outcome and an acked job.
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	start := time.Now()
	logger := slog.With("correlation_id", string(job.ID))

	res, err := w.run(ctx, job.ID, logger)

	var derr *provider.DeliveryError
	switch {
	case errors.As(err, &derr):
		logger.Error("delivery failed",
			"outcome", res.outcome,
			"provider", derr.Provider,
			"error", derr.Err,
			"duration", time.Since(start),
		)
		return nil
	case err != nil && res.outcome == "":
		return err
	}

	attrs := []any{
		"outcome", res.outcome,
		"attachments", res.attachments,
		"duration", time.Since(start),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}

	switch res.outcome {
	case verdict.OutcomeForwardedClean, verdict.OutcomeForwardedSanitized, verdict.OutcomeAlreadyHandled:
		logger.Info("job finished", attrs...)
	case verdict.OutcomeDroppedError:
		logger.Error("job finished", attrs...)
	default:
		logger.Warn("job finished", attrs...)
	}
	return nil
}

type result struct {
	outcome     verdict.Outcome
	attachments int
}

// run drives the job. A returned error with an empty outcome is transient.
func (w *Worker) run(ctx context.Context, id email.CorrelationID, logger *slog.Logger) (result, error) {
	data, err := w.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return result{outcome: verdict.OutcomeDroppedError}, ErrHeldMissing
	}
	if err != nil {
		return result{}, fmt.Errorf("failed to load held message: %w", err)
	}

	held, err := email.DecodeHeld(data)
	if err != nil {
		w.discard(ctx, id, logger)
		return result{outcome: verdict.OutcomeDroppedError}, err
	}

	msg, err := parser.Parse(held.Raw)
	if err != nil {
		w.discard(ctx, id, logger)
		return result{outcome: verdict.OutcomeDroppedError}, err
	}

	attachments := msg.Attachments()
	res := result{attachments: len(attachments)}

	var verdicts map[string]sandbox.Verdict
	if len(attachments) > 0 {
		files := make([]sandbox.File, 0, len(attachments))
		for _, a := range attachments {
			files = append(files, sandbox.File{Name: a.Filename, Hash: a.Hash, Content: a.Content})
		}

		jobCtx, cancel := context.WithTimeout(ctx, w.Deadline())
		verdicts, err = w.analyzer.Analyze(jobCtx, files)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				// Shutdown: leave the entry for redelivery.
				return result{}, err
			}
			res.outcome, err = w.analysisFailed(ctx, id, err, logger)
			return res, err
		}
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.settleTimeout)
	defer cancel()

	res.outcome, err = w.verdicts.Handle(settleCtx, verdict.Analysis{ID: id, Message: msg, Verdicts: verdicts})
	return res, err
}

// analysisFailed applies the fail policy after a timeout or sandbox error.
func (w *Worker) analysisFailed(ctx context.Context, id email.CorrelationID, cause error, logger *slog.Logger) (verdict.Outcome, error) {
	timeout := errors.Is(cause, sandbox.ErrAnalysisTimeout)

	if w.verdicts.Policy() == verdict.FailOpen {
		logger.Warn("analysis incomplete, forwarding unverified message", "error", cause)

		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.settleTimeout)
		defer cancel()
		return w.verdicts.ForwardUnverified(settleCtx, id)
	}

	w.discard(ctx, id, logger)
	if timeout {
		return verdict.OutcomeDroppedTimeout, cause
	}
	return verdict.OutcomeDroppedError, cause
}

// discard removes the held message. It runs even after ctx is cancelled.
func (w *Worker) discard(ctx context.Context, id email.CorrelationID, logger *slog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cleanupTimeout)
	defer cancel()

	if err := w.store.Delete(cleanupCtx, id); err != nil {
		logger.Error("failed to remove held message", "error", err)
	}
}

// DeadLettered is a queue.DeadLetterFunc. The held message is parked, so a
// resubmission of the same message is queued afresh while an operator can
// still requeue the dead job until the store TTL expires.
func (w *Worker) DeadLettered(ctx context.Context, job queue.Job, cause error) {
	logger := slog.With("correlation_id", string(job.ID))

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cleanupTimeout)
	defer cancel()
	if err := w.store.Park(cleanupCtx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("failed to park held message", "error", err)
	}

	logger.Error("job finished",
		"outcome", verdict.OutcomeDroppedError,
		"reason", "dead-lettered",
		"error", cause,
	)
}
