package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

const (
	// shutdownTimeout is the maximum time to wait for in-flight sessions
	// during graceful shutdown.
	shutdownTimeout = 30 * time.Second

	DefaultMaxMessageSize = 25 * 1024 * 1024
	DefaultMaxConnections = 100
)

// Decision is the SMTP reply sent at the end of a DATA transaction.
type Decision struct {
	Code    int
	Message string
}

// Accepted reports whether the decision is a 2xx reply.
func (d Decision) Accepted() bool {
	return d.Code >= 200 && d.Code < 300
}

func (d Decision) String() string {
	return fmt.Sprintf("%d %s", d.Code, d.Message)
}

// Accept returns a 250 decision.
func Accept(message string) Decision {
	return Decision{Code: 250, Message: message}
}

// TempFail returns a 451 decision; the client is expected to retry.
func TempFail(message string) Decision {
	return Decision{Code: 451, Message: message}
}

// MessageHandler decides what happens to a fully received message. raw is
// the message as received, after dot-unstuffing.
type MessageHandler interface {
	Handle(ctx context.Context, env email.Envelope, raw []byte) Decision
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, env email.Envelope, raw []byte) Decision

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env email.Envelope, raw []byte) Decision {
	return f(ctx, env, raw)
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	Handler MessageHandler

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageSize int64
	MaxConnections int64
}

// Server accepts SMTP connections and hands each completed message to the
// configured MessageHandler.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	slots  *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		slots:  semaphore.NewWeighted(cfg.MaxConnections),
	}
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It then stops
// accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			slog.Error("accept error", "error", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			slog.Warn("connection limit reached, rejecting client",
				"remote", conn.RemoteAddr().String(),
				"limit", s.config.MaxConnections,
			)
			conn.Write([]byte("421 Too many connections, try again later\r\n"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			NewSession(conn, s.auth, s.config.Handler, SessionConfig{
				Hostname:       s.config.Hostname,
				TLSConfig:      s.config.TLSConfig,
				MaxMessageSize: s.config.MaxMessageSize,
			}).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
