package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultPollInterval         = 30 * time.Second
	DefaultMaxPollAttempts      = 10
	DefaultMaxConsecutiveErrors = 3
)

// Clock abstracts waiting so tests can simulate elapsed time.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

// File is one attachment to analyse. Hash is the gateway's own content
// hash and is the key of the returned verdict map.
type File struct {
	Name    string
	Hash    string
	Content []byte
}

// PollerConfig bounds the poll cycle.
type PollerConfig struct {
	Interval             time.Duration
	MaxAttempts          int
	MaxConsecutiveErrors int
	Clock                Clock
}

// Poller uploads files and polls for their reports with a fixed attempt
// budget. Each distinct file gets its own upload and is polled by the
// identifier the sandbox returned for it.
type Poller struct {
	client Client
	config PollerConfig
}

// NewPoller creates a Poller, filling zero config values with defaults.
func NewPoller(client Client, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxPollAttempts
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &Poller{client: client, config: cfg}
}

// Budget is the wall-clock ceiling of the polling phase.
func (p *Poller) Budget() time.Duration {
	return p.config.Interval * time.Duration(p.config.MaxAttempts)
}

type tracked struct {
	file     File
	remote   string
	failures int
}

// Analyze returns a verdict for every file, keyed by File.Hash.
//
// An upload failure or MaxConsecutiveErrors failed polls for one file
// returns an *AnalysisError. Running out of attempts, or ctx reaching its
// deadline, returns an error wrapping ErrAnalysisTimeout. Cancellation of
// ctx returns ctx.Err().
func (p *Poller) Analyze(ctx context.Context, files []File) (map[string]Verdict, error) {
	verdicts := make(map[string]Verdict, len(files))
	pending := make(map[string]*tracked, len(files))
	order := make([]string, 0, len(files))

	for _, f := range files {
		if _, dup := pending[f.Hash]; dup {
			continue
		}
		res, err := p.client.Upload(ctx, f.Name, f.Content)
		if err == nil && res.FileHash == "" {
			err = errors.New("sandbox returned no file hash")
		}
		if err != nil {
			if ctxErr := p.contextError(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &AnalysisError{Stage: "upload", Filename: f.Name, Err: err}
		}
		slog.Debug("attachment uploaded to sandbox",
			"filename", f.Name,
			"file_hash", res.FileHash,
			"upload_status", res.Status,
		)
		pending[f.Hash] = &tracked{file: f, remote: res.FileHash}
		order = append(order, f.Hash)
	}

	for attempt := 1; attempt <= p.config.MaxAttempts && len(pending) > 0; attempt++ {
		if err := p.config.Clock.Sleep(ctx, p.config.Interval); err != nil {
			if ctxErr := p.contextError(ctx); ctxErr != nil {
				return verdicts, ctxErr
			}
			return verdicts, err
		}

		for _, hash := range order {
			t, ok := pending[hash]
			if !ok {
				continue
			}

			report, err := p.client.Report(ctx, t.remote)
			if err == nil && report.Status == StatusError {
				err = fmt.Errorf("sandbox reported error: %s", report.Detail)
			}
			if err != nil {
				if ctxErr := p.contextError(ctx); ctxErr != nil {
					return verdicts, ctxErr
				}
				t.failures++
				slog.Warn("sandbox poll failed",
					"filename", t.file.Name,
					"file_hash", t.remote,
					"attempt", attempt,
					"max_attempts", p.config.MaxAttempts,
					"consecutive_errors", t.failures,
					"error", err,
				)
				if t.failures >= p.config.MaxConsecutiveErrors {
					return verdicts, &AnalysisError{Stage: "poll", Filename: t.file.Name, Err: err}
				}
				continue
			}
			t.failures = 0

			if report.Status != StatusCompleted {
				slog.Debug("sandbox analysis pending",
					"filename", t.file.Name,
					"attempt", attempt,
					"max_attempts", p.config.MaxAttempts,
				)
				continue
			}

			v, ok := report.Verdicts[t.remote]
			if !ok {
				v = VerdictUnknown
			}
			verdicts[hash] = v
			delete(pending, hash)
		}
	}

	if len(pending) > 0 {
		return verdicts, fmt.Errorf("%w: %d of %d files still pending after %d attempts",
			ErrAnalysisTimeout, len(pending), len(order), p.config.MaxAttempts)
	}
	return verdicts, nil
}

// contextError maps a finished context to the poller's error contract.
func (p *Poller) contextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrAnalysisTimeout, err)
	default:
		return err
	}
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
