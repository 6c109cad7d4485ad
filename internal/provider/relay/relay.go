// Package relay implements a Provider that hands mail to a downstream SMTP
// relay.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

const defaultTimeout = 60 * time.Second

// Config holds the configuration for creating a relay Provider.
type Config struct {
	Host     string
	Port     int
	HeloName string
	Username string
	Password string

	// TLSConfig is used for opportunistic STARTTLS. A nil value verifies
	// the relay certificate against Host.
	TLSConfig *tls.Config

	// DisableStartTLS keeps the session in plaintext even when the relay
	// advertises STARTTLS.
	DisableStartTLS bool

	Timeout time.Duration
}

// Provider delivers mail over SMTP.
type Provider struct {
	addr   string
	config Config
}

// New creates a relay Provider.
func New(cfg Config) *Provider {
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return &Provider{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		config: cfg,
	}
}

// Deliver opens one SMTP session to the relay and submits raw unchanged.
func (p *Provider) Deliver(ctx context.Context, env email.Envelope, raw []byte) error {
	if len(env.To) == 0 {
		return fmt.Errorf("no recipients")
	}

	c, err := smtp.Dial(p.addr)
	if err != nil {
		return fmt.Errorf("failed to dial relay %s: %w", p.addr, err)
	}
	defer c.Close()

	// Abort the session if the job is cancelled mid-transaction.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.CommandTimeout = p.config.Timeout
	c.SubmissionTimeout = p.config.Timeout

	if err := c.Hello(p.config.HeloName); err != nil {
		return fmt.Errorf("EHLO rejected: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok && !p.config.DisableStartTLS {
		if err := c.StartTLS(p.config.TLSConfig); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if p.config.Username != "" {
		auth := sasl.NewPlainClient("", p.config.Username, p.config.Password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("relay authentication failed: %w", err)
		}
	}

	if err := c.SendMail(env.From, env.To, bytes.NewReader(raw)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("relay session aborted: %w", ctx.Err())
		}
		return fmt.Errorf("relay rejected message: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message was accepted before QUIT.
		slog.Debug("relay QUIT failed", "relay", p.addr, "error", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}
