// Package relay implements a Provider that submits each message over its
// own SMTP session, authenticating with the caller's relay login.
package relay

import (
	"context"
	"log/slog"

	"github.com/shineum/smtp-submit-lite/internal/email"
	"github.com/shineum/smtp-submit-lite/internal/smtp"
)

// Provider opens one SMTP session per Send. It holds no connection between
// calls and is safe for concurrent use.
type Provider struct {
	config   smtp.RelayConfig
	fromName string
	logger   *slog.Logger
}

// New creates a relay provider. fromName is used as the sender display name
// when a message does not carry one.
func New(cfg smtp.RelayConfig, fromName string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config:   cfg,
		fromName: fromName,
		logger:   logger.With("provider", "relay"),
	}
}

// Send runs one complete SMTP transaction. Errors are *smtp.SessionError.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	env := msg.Envelope
	if env.FromName == "" {
		env.FromName = p.fromName
	}
	return smtp.NewSession(p.config, p.logger).Send(ctx, msg.Credentials, env)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}
