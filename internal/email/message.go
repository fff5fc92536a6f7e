// Package email defines the transactional email data model shared by the
// SMTP session, the delivery providers and the webhook handlers.
package email

import (
	"log/slog"
	"strings"
)

// ActionURLPlaceholder is replaced in HTML bodies with a per-recipient link.
const ActionURLPlaceholder = "{{ACTION_URL}}"

// Credentials is the relay login supplied by the caller for a single send.
// It is never persisted.
type Credentials struct {
	Username string
	Password string
}

// LogValue redacts the password so credentials can be passed to slog safely.
func (c Credentials) LogValue() slog.Value {
	pass := ""
	if c.Password != "" {
		pass = "[REDACTED]"
	}
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", pass),
	)
}

// Envelope holds one sender, exactly one recipient and the HTML content.
type Envelope struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	HTMLBody string
}

// Message is what a provider delivers: the envelope plus the relay login.
// Providers that authenticate with their own configured identity ignore
// Credentials.
type Message struct {
	Envelope
	Credentials Credentials
}

// SubstituteActionURL replaces every ActionURLPlaceholder in body with url.
func SubstituteActionURL(body, url string) string {
	return strings.ReplaceAll(body, ActionURLPlaceholder, url)
}
