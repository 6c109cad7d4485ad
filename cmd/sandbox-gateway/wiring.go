package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/smtp-sandbox-gateway/internal/config"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider/graph"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider/relay"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider/ses"
	"github.com/shineum/smtp-sandbox-gateway/internal/provider/stdout"
	"github.com/shineum/smtp-sandbox-gateway/internal/quarantine"
	"github.com/shineum/smtp-sandbox-gateway/internal/queue"
	"github.com/shineum/smtp-sandbox-gateway/internal/store"
)

const redisPingTimeout = 5 * time.Second

// recoverer is implemented by queues that can return orphaned in-flight
// jobs to the pending list.
type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// backends holds the correlation store and job queue for one process.
type backends struct {
	client *redis.Client
	store  store.Store
	queue  queue.Queue
}

// openBackends connects to Redis when either backend needs it.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.Store.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.client = client
	}

	switch cfg.Store.Backend {
	case config.BackendRedis:
		b.store = store.NewRedis(b.client, cfg.Store.TTL)
	default:
		b.store = store.NewMemory()
	}

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		b.queue = queue.NewRedis(b.client, cfg.Queue.MaxFailures)
	default:
		b.queue = queue.NewMemory(queue.DefaultMemoryCapacity, cfg.Queue.MaxFailures)
	}

	slog.Info("backends ready",
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Backend,
		"store_ttl", cfg.Store.TTL.String(),
	)
	return b, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

func (b *backends) Close() {
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
}

// recoverJobs re-queues jobs a previous process left in flight.
func (b *backends) recoverJobs(ctx context.Context) error {
	r, ok := b.queue.(recoverer)
	if !ok {
		return nil
	}
	n, err := r.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("recovered in-flight jobs", "count", n)
	}
	return nil
}

// deadLetters returns the queue's operator interface, if it has one.
func (b *backends) deadLetters() (queue.DeadLetterQueue, error) {
	dlq, ok := b.queue.(queue.DeadLetterQueue)
	if !ok {
		return nil, fmt.Errorf("queue backend does not support dead-letter inspection")
	}
	return dlq, nil
}

// selectProvider builds the forwarding backend named by cfg.Provider.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderRelay:
		slog.Info("using SMTP relay provider",
			"host", cfg.Relay.Host,
			"port", cfg.Relay.Port,
			"auth", cfg.Relay.Username != "",
		)
		return relay.New(relay.Config{
			Host:            cfg.Relay.Host,
			Port:            cfg.Relay.Port,
			HeloName:        cfg.SMTP.Hostname,
			Username:        cfg.Relay.Username,
			Password:        cfg.Relay.Password,
			DisableStartTLS: cfg.Relay.DisableStartTLS,
			Timeout:         cfg.Relay.Timeout,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// selectArchiver returns the S3 quarantine when a bucket is configured.
func selectArchiver(ctx context.Context, cfg *config.Config) (quarantine.Archiver, error) {
	if !cfg.QuarantineEnabled() {
		return quarantine.Noop{}, nil
	}

	region := cfg.Quarantine.Region
	if region == "" {
		region = cfg.SES.Region
	}
	a, err := quarantine.NewS3(ctx, quarantine.S3Config{
		Bucket:          cfg.Quarantine.Bucket,
		Prefix:          cfg.Quarantine.Prefix,
		Region:          region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create quarantine archiver: %w", err)
	}
	slog.Info("quarantine enabled", "bucket", cfg.Quarantine.Bucket, "prefix", cfg.Quarantine.Prefix)
	return a, nil
}
