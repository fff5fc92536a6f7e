package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-submit-lite/internal/email"
	"github.com/shineum/smtp-submit-lite/internal/smtp/smtptest"
)

var (
	testCreds = email.Credentials{Username: "user@example.com", Password: "secret"}
	testEnv   = email.Envelope{
		From:     "svc@example.com",
		To:       "user@example.com",
		Subject:  "Your code",
		HTMLBody: "Code: 123456",
	}
)

// newRelay starts a scripted relay that is shut down with the test.
func newRelay(t *testing.T, opts ...smtptest.Option) *smtptest.Server {
	t.Helper()
	s, err := smtptest.NewServer(opts...)
	if err != nil {
		t.Fatalf("failed to start relay: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// relayConfig targets the scripted relay.
func relayConfig(s *smtptest.Server) RelayConfig {
	return RelayConfig{
		Host:           s.Host(),
		Port:           s.Port(),
		TLSConfig:      s.ClientTLSConfig(),
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// finished waits for the relay to finish the i-th connection.
func finished(t *testing.T, s *smtptest.Server, i int) *smtptest.Transcript {
	t.Helper()
	tr := s.Transcript(i)
	if tr == nil {
		t.Fatalf("relay saw no connection #%d", i)
	}
	if !tr.Wait(5 * time.Second) {
		t.Fatalf("relay connection #%d still open", i)
	}
	return tr
}

func sessionError(t *testing.T, err error) *SessionError {
	t.Helper()
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SessionError, got %T: %v", err, err)
	}
	return serr
}

func TestSession_Send_CommandSequence(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	sess := NewSession(relayConfig(relay), quietLogger())

	if err := sess.Send(context.Background(), testCreds, testEnv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("State(): got %v, want %v", sess.State(), StateClosed)
	}

	tr := finished(t, relay, 0)
	want := []string{
		"EHLO localhost",
		"AUTH LOGIN",
		EncodeCredential("user@example.com"),
		EncodeCredential("secret"),
		"MAIL FROM:<svc@example.com>",
		"RCPT TO:<user@example.com>",
		"DATA",
		"From: svc@example.com",
		"To: user@example.com",
		"Subject: Your code",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"",
		"Code: 123456",
		".",
		"QUIT",
	}
	if got := tr.Lines(); !slices.Equal(got, want) {
		t.Errorf("transcript mismatch\n got: %q\nwant: %q", got, want)
	}
	if tr.ClientClosed() {
		t.Error("relay saw the client hang up before QUIT")
	}
}

func TestSession_Send_ActionURLScenario(t *testing.T) {
	t.Parallel()

	// Lenient relay quirks: the second AUTH prompt and DATA answer 250.
	relay := newRelay(t, smtptest.WithReplies(smtptest.Replies{
		Greeting:  "220 ready",
		Ehlo:      "250 ok",
		AuthLogin: "334 VXNlcm5hbWU6",
		Username:  "250 ok",
		Auth:      "235 ok",
		Mail:      "250 ok",
		Rcpt:      "250 ok",
		Data:      "250 ok",
		EndOfData: "250 ok",
		Quit:      "221 bye",
	}))

	env := email.Envelope{
		From:     "svc@example.com",
		To:       "user@example.com",
		Subject:  "Your code",
		HTMLBody: email.SubstituteActionURL("Code: {{ACTION_URL}}", "123456"),
	}
	sess := NewSession(relayConfig(relay), quietLogger())
	if err := sess.Send(context.Background(), testCreds, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr := finished(t, relay, 0)
	data := tr.Data()
	_, body, ok := strings.Cut(data, "\r\n\r\n")
	if !ok {
		t.Fatalf("payload has no header/body separator: %q", data)
	}
	if body != "Code: 123456\r\n" {
		t.Errorf("body: got %q, want %q", body, "Code: 123456\r\n")
	}
}

func TestSession_Send_AuthFailure(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	sess := NewSession(relayConfig(relay), quietLogger())

	creds := email.Credentials{Username: "user@example.com", Password: "wrong"}
	err := sess.Send(context.Background(), creds, testEnv)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	serr := sessionError(t, err)
	if serr.Stage != StageAuth {
		t.Errorf("Stage: got %v, want %v", serr.Stage, StageAuth)
	}
	if serr.Response.Code != 535 {
		t.Errorf("Response.Code: got %d, want 535", serr.Response.Code)
	}

	tr := finished(t, relay, 0)
	for _, line := range tr.Lines() {
		if strings.HasPrefix(line, "MAIL FROM") {
			t.Errorf("MAIL FROM issued after failed authentication")
		}
	}
	if sess.State() != StateClosed {
		t.Errorf("State(): got %v, want %v", sess.State(), StateClosed)
	}
}

func TestSession_Send_DataRejected(t *testing.T) {
	t.Parallel()

	replies := smtptest.DefaultReplies()
	replies.EndOfData = "554 5.7.1 Message rejected"
	relay := newRelay(t, smtptest.WithReplies(replies))
	sess := NewSession(relayConfig(relay), quietLogger())

	err := sess.Send(context.Background(), testCreds, testEnv)
	if !errors.Is(err, ErrSend) {
		t.Fatalf("expected ErrSend, got %v", err)
	}
	serr := sessionError(t, err)
	if serr.Stage != StageData {
		t.Errorf("Stage: got %v, want %v", serr.Stage, StageData)
	}
	if !strings.Contains(serr.Error(), "Message rejected") {
		t.Errorf("error text should carry the relay reply, got %q", serr.Error())
	}

	tr := finished(t, relay, 0)
	lines := tr.Lines()
	if len(lines) == 0 || lines[len(lines)-1] != "QUIT" {
		t.Errorf("last command: got %q, want QUIT", lines)
	}
	if tr.ClientClosed() {
		t.Error("client hung up instead of sending QUIT")
	}
}

func TestSession_Send_ValidationBeforeConnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		creds email.Credentials
		env   func(email.Envelope) email.Envelope
	}{
		{"empty password", email.Credentials{Username: "user@example.com"}, nil},
		{"empty username", email.Credentials{Password: "secret"}, nil},
		{"missing recipient", testCreds, func(e email.Envelope) email.Envelope { e.To = ""; return e }},
		{"missing body", testCreds, func(e email.Envelope) email.Envelope { e.HTMLBody = ""; return e }},
		{"header injection", testCreds, func(e email.Envelope) email.Envelope { e.Subject = "hi\r\nBcc: x@example.com"; return e }},
		{"bad recipient", testCreds, func(e email.Envelope) email.Envelope { e.To = "not-an-address"; return e }},
		{"bracketed recipient", testCreds, func(e email.Envelope) email.Envelope { e.To = "<a@example.com>"; return e }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			relay := newRelay(t)
			env := testEnv
			if tt.env != nil {
				env = tt.env(env)
			}

			err := NewSession(relayConfig(relay), quietLogger()).Send(context.Background(), tt.creds, env)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if got := sessionError(t, err).Stage; got != StageValidation {
				t.Errorf("Stage: got %v, want %v", got, StageValidation)
			}
			if n := relay.Connections(); n != 0 {
				t.Errorf("relay saw %d connections, want 0", n)
			}
		})
	}
}

func TestSession_Send_FromDefaultsToUsername(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	env := testEnv
	env.From = ""

	if err := NewSession(relayConfig(relay), quietLogger()).Send(context.Background(), testCreds, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := finished(t, relay, 0).MailFrom(); got != testCreds.Username {
		t.Errorf("MAIL FROM: got %q, want %q", got, testCreds.Username)
	}
}

func TestSession_Send_ConnectError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cfg := RelayConfig{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: 2 * time.Second}
	err = NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if got := sessionError(t, err).Stage; got != StageConnect {
		t.Errorf("Stage: got %v, want %v", got, StageConnect)
	}
}

func TestSession_Send_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	cfg := relayConfig(relay)
	cfg.TLSConfig = nil

	err := NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestSession_Send_PeerHangup(t *testing.T) {
	t.Parallel()

	replies := smtptest.DefaultReplies()
	replies.Ehlo = smtptest.Hangup
	relay := newRelay(t, smtptest.WithReplies(replies))

	err := NewSession(relayConfig(relay), quietLogger()).Send(context.Background(), testCreds, testEnv)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	serr := sessionError(t, err)
	if serr.Stage != StageUnexpected {
		t.Errorf("Stage: got %v, want %v", serr.Stage, StageUnexpected)
	}
	if serr.Response.HasCode() {
		t.Errorf("Response.Code: got %d, want none", serr.Response.Code)
	}
}

func TestSession_Send_Timeout(t *testing.T) {
	t.Parallel()

	replies := smtptest.DefaultReplies()
	replies.Mail = smtptest.Silent
	relay := newRelay(t, smtptest.WithReplies(replies))

	cfg := relayConfig(relay)
	cfg.CommandTimeout = 200 * time.Millisecond

	err := NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv)
	serr := sessionError(t, err)
	if serr.Stage != StageUnexpected {
		t.Fatalf("Stage: got %v, want %v", serr.Stage, StageUnexpected)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("expected a timeout error, got %v", err)
	}
	finished(t, relay, 0)
}

func TestSession_Send_Cancel(t *testing.T) {
	t.Parallel()

	replies := smtptest.DefaultReplies()
	replies.Rcpt = smtptest.Silent
	relay := newRelay(t, smtptest.WithReplies(replies))

	cfg := relayConfig(relay)
	cfg.CommandTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	err := NewSession(cfg, quietLogger()).Send(ctx, testCreds, testEnv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := sessionError(t, err).Stage; got != StageUnexpected {
		t.Errorf("Stage: got %v, want %v", got, StageUnexpected)
	}
	finished(t, relay, 0)
}

func TestSession_Send_EnvelopeChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		strict  bool
		wantErr error
	}{
		{"lenient ignores rejected recipient", false, nil},
		{"strict fails on rejected recipient", true, ErrEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			replies := smtptest.DefaultReplies()
			replies.Rcpt = "550 5.1.1 No such user"
			relay := newRelay(t, smtptest.WithReplies(replies))

			cfg := relayConfig(relay)
			cfg.StrictEnvelope = tt.strict

			err := NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Send(): got %v, want %v", err, tt.wantErr)
			}

			lines := finished(t, relay, 0).Lines()
			sawData := slices.Contains(lines, "DATA")
			if tt.strict && sawData {
				t.Error("strict session issued DATA after RCPT was rejected")
			}
			if !tt.strict && !sawData {
				t.Error("lenient session did not issue DATA")
			}
			if lines[len(lines)-1] != "QUIT" {
				t.Errorf("last command: got %q, want QUIT", lines[len(lines)-1])
			}
		})
	}
}

func TestSession_Send_StrictGreeting(t *testing.T) {
	t.Parallel()

	replies := smtptest.DefaultReplies()
	replies.Greeting = "554 5.3.2 Not accepting connections"
	relay := newRelay(t, smtptest.WithReplies(replies))

	cfg := relayConfig(relay)
	cfg.StrictEnvelope = true

	err := NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv)
	serr := sessionError(t, err)
	if serr.Stage != StageConnect || serr.Response.Code != 554 {
		t.Errorf("got stage %v code %d, want connect 554", serr.Stage, serr.Response.Code)
	}
}

func TestSession_Send_FragmentedReplies(t *testing.T) {
	t.Parallel()

	relay := newRelay(t, smtptest.WithFragmentedWrites())
	cfg := relayConfig(relay)
	cfg.StrictEnvelope = true

	if err := NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSession_Send_DotStuffing(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	env := testEnv
	env.HTMLBody = "<p>top</p>\n.hidden\r\n.\nend"

	if err := NewSession(relayConfig(relay), quietLogger()).Send(context.Background(), testCreds, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr := finished(t, relay, 0)
	lines := tr.Lines()
	if !slices.Contains(lines, "..hidden") {
		t.Errorf("transmitted lines missing %q: %q", "..hidden", lines)
	}
	if !slices.Contains(lines, "..") {
		t.Errorf("lone dot body line was not stuffed: %q", lines)
	}
	if !strings.HasSuffix(tr.Data(), "<p>top</p>\r\n.hidden\r\n.\r\nend\r\n") {
		t.Errorf("relay did not reconstruct the body: %q", tr.Data())
	}
}

func TestSession_Send_CredentialRoundTrip(t *testing.T) {
	t.Parallel()

	creds := email.Credentials{Username: "üser@example.com", Password: "pässwörd:with spaces"}
	relay := newRelay(t, smtptest.WithCredentials(creds.Username, creds.Password))

	if err := NewSession(relayConfig(relay), quietLogger()).Send(context.Background(), creds, testEnv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	encUser, encPass := finished(t, relay, 0).EncodedCredentials()
	user, err := DecodeCredential(encUser)
	if err != nil || user != creds.Username {
		t.Errorf("username round trip: got %q (%v), want %q", user, err, creds.Username)
	}
	pass, err := DecodeCredential(encPass)
	if err != nil || pass != creds.Password {
		t.Errorf("password round trip: got %q (%v), want %q", pass, err, creds.Password)
	}
}

func TestSession_Send_InternationalDomain(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	env := testEnv
	env.To = "user@bücher.example"

	if err := NewSession(relayConfig(relay), quietLogger()).Send(context.Background(), testCreds, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := finished(t, relay, 0).RcptTo(); got != "user@xn--bcher-kva.example" {
		t.Errorf("RCPT TO: got %q, want %q", got, "user@xn--bcher-kva.example")
	}
}

func TestSession_Send_Concurrent(t *testing.T) {
	t.Parallel()

	relay := newRelay(t)
	cfg := relayConfig(relay)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- NewSession(cfg, quietLogger()).Send(context.Background(), testCreds, testEnv)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent send failed: %v", err)
		}
	}
	if got := relay.Connections(); got != n {
		t.Errorf("Connections(): got %d, want %d", got, n)
	}
}

func TestNewSession_Defaults(t *testing.T) {
	t.Parallel()

	sess := NewSession(RelayConfig{Host: "smtp.example.com"}, nil)
	if sess.config.Port != DefaultPort {
		t.Errorf("Port: got %d, want %d", sess.config.Port, DefaultPort)
	}
	if sess.config.LocalName != DefaultLocalName {
		t.Errorf("LocalName: got %q, want %q", sess.config.LocalName, DefaultLocalName)
	}
	if got := sess.config.Addr(); got != "smtp.example.com:465" {
		t.Errorf("Addr(): got %q, want %q", got, "smtp.example.com:465")
	}
	if got := sess.config.tlsConfig().ServerName; got != "smtp.example.com" {
		t.Errorf("ServerName: got %q, want %q", got, "smtp.example.com")
	}
}
