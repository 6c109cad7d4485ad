// Package stdout implements a Provider that prints mail to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
	"github.com/shineum/smtp-sandbox-gateway/internal/parser"
)

// Provider prints a readable summary of each message. It is meant for
// local runs where no downstream relay exists.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Deliver prints the envelope, subject and attachment list of raw.
func (p *Provider) Deliver(_ context.Context, env email.Envelope, raw []byte) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.To, ", "))
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(raw)))

	msg, err := parser.Parse(raw)
	if err != nil {
		fmt.Fprintf(&b, "Unparseable: %v\n", err)
	} else {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject())
		if atts := msg.Attachments(); len(atts) > 0 {
			names := make([]string, 0, len(atts))
			for _, att := range atts {
				names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
		}
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message summary: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
