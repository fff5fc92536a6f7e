package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

func TestSend_BasicEmail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Message{
		Envelope: email.Envelope{
			From:     "sender@example.com",
			To:       "alice@example.com",
			Subject:  "Your Verification Code",
			HTMLBody: "<p>123456</p>",
		},
		Credentials: email.Credentials{Username: "sender@example.com", Password: "hunter2"},
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: sender@example.com\n",
		"To: alice@example.com\n",
		"Subject: Your Verification Code\n",
		"Relay-User: sender@example.com\n",
		"Body (13 B):\n<p>123456</p>\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "hunter2") {
		t.Error("output leaked the relay password")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSend_DisplayNames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	msg := &email.Message{Envelope: email.Envelope{
		From:     "svc@example.com",
		FromName: "OrderMate",
		To:       "jane@example.com",
		ToName:   "Jane Doe",
		HTMLBody: "x",
	}}

	if err := NewWithWriter(&buf).Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "From: OrderMate <svc@example.com>\n") {
		t.Errorf("output missing named From:\n%s", output)
	}
	if !strings.Contains(output, "To: Jane Doe <jane@example.com>\n") {
		t.Errorf("output missing named To:\n%s", output)
	}
	if strings.Contains(output, "Relay-User:") {
		t.Error("Relay-User line printed without credentials")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	err := NewWithWriter(failingWriter{}).Send(context.Background(), &email.Message{})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Send(): got %v, want write error", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
