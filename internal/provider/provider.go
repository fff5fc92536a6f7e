// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// The relay provider submits through the caller's SMTP login; the API
// providers (SES, Graph) use their own configured identity.
type Provider interface {
	// Send delivers one message to its single recipient.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
