package smtp

import (
	"mime"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

// BuildHeaders renders the message header block in a fixed order. Lines are
// CRLF-separated and there is no trailing blank line.
func BuildHeaders(env email.Envelope) string {
	headers := []string{
		"From: " + formatAddress(env.FromName, env.From),
		"To: " + formatAddress(env.ToName, env.To),
		"Subject: " + mime.QEncoding.Encode("utf-8", env.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
	}
	return strings.Join(headers, "\r\n")
}

// formatAddress renders a bare address, or "Name" <address> when a display
// name is given. Non-ASCII names are RFC 2047 encoded by net/mail.
func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// NormalizeBody rewrites every line ending to CRLF. Applying it twice is the
// same as applying it once.
func NormalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.ReplaceAll(body, "\n", "\r\n")
}

// DotStuff doubles the leading dot of every CRLF-delimited line so no body
// line can be mistaken for the DATA terminator.
func DotStuff(body string) string {
	if !strings.Contains(body, ".") {
		return body
	}
	lines := strings.Split(body, "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ".") {
			lines[i] = "." + line
		}
	}
	return strings.Join(lines, "\r\n")
}

// ComposeData returns the DATA payload without its terminating "." line:
// headers, a blank line, then the normalised, dot-stuffed body.
func ComposeData(env email.Envelope) string {
	return BuildHeaders(env) + "\r\n\r\n" + DotStuff(NormalizeBody(env.HTMLBody))
}
