// Package stdout implements a Provider that prints emails to standard output.
// It is meant for local development, where no relay should be contacted.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

const separator = "========================================\n"

// Provider prints email messages to stdout in a human-readable format.
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

// Send prints the message. The relay password is never printed.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", formatAddress(msg.FromName, msg.From))
	fmt.Fprintf(&b, "To: %s\n", formatAddress(msg.ToName, msg.To))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.Credentials.Username != "" {
		fmt.Fprintf(&b, "Relay-User: %s\n", msg.Credentials.Username)
	}
	fmt.Fprintf(&b, "Body (%s):\n", formatSize(len(msg.HTMLBody)))
	b.WriteString(msg.HTMLBody + "\n")
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("stdout: write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
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
