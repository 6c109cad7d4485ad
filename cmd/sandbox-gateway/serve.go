package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sandbox-gateway/internal/analysis"
	"github.com/shineum/smtp-sandbox-gateway/internal/config"
	"github.com/shineum/smtp-sandbox-gateway/internal/queue"
	"github.com/shineum/smtp-sandbox-gateway/internal/receiver"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox"
	"github.com/shineum/smtp-sandbox-gateway/internal/sandbox/wildfire"
	"github.com/shineum/smtp-sandbox-gateway/internal/smtp"
	smtptls "github.com/shineum/smtp-sandbox-gateway/internal/tls"
	"github.com/shineum/smtp-sandbox-gateway/internal/verdict"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept mail over SMTP and forward it after sandbox analysis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			setupLogger(os.Stdout, cfg.Logging.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs the SMTP listener and the analysis worker pool until ctx is
// cancelled or either of them fails.
func serve(ctx context.Context, cfg *config.Config) error {
	policy, err := verdict.ParseFailPolicy(cfg.Policy.Fail)
	if err != nil {
		return err
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.recoverJobs(ctx); err != nil {
		return err
	}

	forwarder, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}
	archiver, err := selectArchiver(ctx, cfg)
	if err != nil {
		return err
	}

	poller := sandbox.NewPoller(
		wildfire.New(wildfire.Config{APIKey: cfg.Sandbox.APIKey, BaseURL: cfg.Sandbox.URL}),
		sandbox.PollerConfig{
			Interval:             cfg.Sandbox.PollInterval(),
			MaxAttempts:          cfg.Sandbox.MaxPollAttempts,
			MaxConsecutiveErrors: cfg.Sandbox.MaxPollErrors,
		},
	)

	verdicts := verdict.NewHandler(verdict.HandlerConfig{
		Store:            b.store,
		Forwarder:        forwarder,
		Archiver:         archiver,
		ForwardSanitized: cfg.Policy.ForwardSanitized,
		Policy:           policy,
	})

	worker := analysis.NewWorker(analysis.Config{
		Store:    b.store,
		Analyzer: poller,
		Verdicts: verdicts,
	})

	pool := queue.NewPool(b.queue, queue.PoolConfig{
		Workers:      cfg.Queue.Workers,
		Handler:      worker.Process,
		OnDeadLetter: worker.DeadLettered,
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        receiver.New(receiver.Config{Store: b.store, Queue: b.queue}),
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
	})

	slog.Info("starting smtp-sandbox-gateway",
		"listen", cfg.SMTP.Listen,
		"provider", forwarder.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"workers", cfg.Queue.Workers,
		"fail_policy", string(policy),
		"forward_sanitized", cfg.Policy.ForwardSanitized,
		"job_deadline", worker.Deadline().String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(ctx) })
	g.Go(func() error { return pool.Run(ctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("smtp-sandbox-gateway stopped")
	return nil
}
