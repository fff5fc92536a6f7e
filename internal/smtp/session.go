// Package smtp implements a minimal SMTP submission client: one implicit-TLS
// connection, AUTH LOGIN, one sender, one recipient, one HTML message.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/idna"

	"github.com/shineum/smtp-submit-lite/internal/email"
)

// DefaultPort is the implicit-TLS submission port.
const DefaultPort = 465

// DefaultLocalName is the name announced in EHLO when none is configured.
const DefaultLocalName = "localhost"

// quitTimeout caps how long the session waits for the reply to QUIT.
const quitTimeout = 5 * time.Second

// RelayConfig describes the relay a session talks to.
type RelayConfig struct {
	Host      string
	Port      int
	LocalName string

	// TLSConfig is cloned per dial. ServerName defaults to Host.
	TLSConfig *tls.Config

	// ConnectTimeout bounds dial plus TLS handshake; CommandTimeout bounds
	// every subsequent read and write. Zero means no limit.
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// StrictEnvelope additionally requires the expected reply at the
	// greeting, EHLO, the AUTH LOGIN prompts, MAIL FROM, RCPT TO and DATA.
	// When false only the AUTH result (235) and the end-of-DATA reply (250)
	// are checked.
	StrictEnvelope bool
}

// Addr returns host:port.
func (c RelayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c RelayConfig) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	return cfg
}

// State is a step in the SMTP transaction lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnected
	StateGreeted
	StateHelloed
	StateAuthPromptUser
	StateAuthPromptPass
	StateAuthResult
	StateAuthenticated
	StateMailAccepted
	StateRcptAccepted
	StateDataReady
	StateDataSent
	StateSent
	StateClosing
	StateFailed
)

var stateNames = [...]string{
	StateClosed:         "closed",
	StateConnected:      "connected",
	StateGreeted:        "greeted",
	StateHelloed:        "helloed",
	StateAuthPromptUser: "auth_prompt_user",
	StateAuthPromptPass: "auth_prompt_pass",
	StateAuthResult:     "auth_result",
	StateAuthenticated:  "authenticated",
	StateMailAccepted:   "mail_accepted",
	StateRcptAccepted:   "rcpt_accepted",
	StateDataReady:      "data_ready",
	StateDataSent:       "data_sent",
	StateSent:           "sent",
	StateClosing:        "closing",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Session runs one SMTP transaction at a time. It holds no connection
// between calls; create one per goroutine.
type Session struct {
	config RelayConfig
	logger *slog.Logger

	state State
	err   error
}

// NewSession creates a session for the given relay. A nil logger uses
// slog.Default().
func NewSession(cfg RelayConfig, logger *slog.Logger) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{config: cfg, logger: logger}
}

// State returns the current lifecycle state. After Send returns it is
// always StateClosed.
func (s *Session) State() State {
	return s.state
}

// Err returns the result of the last Send.
func (s *Session) Err() error {
	return s.err
}

// Send validates its inputs, connects, and runs the full
// handshake/auth/envelope/data/quit sequence. A nil error means the relay
// accepted the message; otherwise the error is a *SessionError. The
// connection is closed on every path.
func (s *Session) Send(ctx context.Context, creds email.Credentials, env email.Envelope) error {
	log := s.logger.With(
		"session_id", ulid.Make().String(),
		"relay", s.config.Addr(),
	)
	s.state = StateClosed
	s.err = nil

	env, mailFrom, rcptTo, verr := prepare(creds, env)
	if verr != nil {
		log.Warn("rejected message before connecting", "error", verr)
		s.err = verr
		return verr
	}

	log.Debug("connecting to relay", "credentials", creds, "to", env.To)

	t, err := Dial(ctx, s.config)
	if err != nil {
		serr := s.finish(log, &SessionError{Stage: StageConnect, Err: err})
		s.state = StateClosed
		return serr
	}
	defer func() {
		t.Close()
		s.state = StateClosed
	}()
	s.state = StateConnected

	if serr := s.transact(ctx, t, creds, env, mailFrom, rcptTo); serr != nil {
		if serr.Stage != StageUnexpected {
			s.quit(t)
		}
		return s.finish(log, serr)
	}

	s.quit(t)
	log.Info("message accepted by relay", "to", env.To)
	return s.finish(log, nil)
}

func (s *Session) finish(log *slog.Logger, serr *SessionError) error {
	if serr == nil {
		s.err = nil
		return nil
	}
	s.state = StateFailed
	s.err = serr
	attrs := []any{"stage", serr.Stage.String(), "error", serr}
	if serr.Response.HasCode() {
		attrs = append(attrs, "code", serr.Response.Code)
	}
	log.Warn("smtp session failed", attrs...)
	return serr
}

// transact drives the state machine from Connected to Sent.
func (s *Session) transact(ctx context.Context, t *Transport, creds email.Credentials, env email.Envelope, mailFrom, rcptTo string) *SessionError {
	d := NewDriver(t)
	strict := s.config.StrictEnvelope

	steps := []struct {
		command string
		stage   Stage
		enforce bool
		want    func(Response) bool
		next    State
	}{
		{"", StageConnect, strict, hasCode(CodeServiceReady), StateGreeted},
		{"EHLO " + s.config.LocalName, StageConnect, strict, hasCode(CodeOK), StateHelloed},
		{"AUTH LOGIN", StageAuth, strict, hasCode(CodeAuthContinue), StateAuthPromptUser},
		{EncodeCredential(creds.Username), StageAuth, strict, hasCode(CodeAuthContinue), StateAuthPromptPass},
		{EncodeCredential(creds.Password), StageAuth, true, hasCode(CodeAuthOK), StateAuthenticated},
		{"MAIL FROM:<" + mailFrom + ">", StageEnvelope, strict, inClass(2), StateMailAccepted},
		{"RCPT TO:<" + rcptTo + ">", StageEnvelope, strict, inClass(2), StateRcptAccepted},
		{"DATA", StageEnvelope, strict, hasCode(CodeStartMailInput), StateDataReady},
	}

	for _, step := range steps {
		var (
			resp Response
			err  error
		)
		if step.command == "" {
			resp, err = d.Read()
		} else {
			if step.next == StateAuthenticated {
				s.state = StateAuthResult
			}
			resp, err = d.Send(step.command)
		}
		if serr := s.expect(ctx, resp, err, step.stage, step.enforce, step.want); serr != nil {
			return serr
		}
		s.state = step.next
	}

	if err := t.WriteLines(ComposeData(env), "."); err != nil {
		return s.expect(ctx, Response{Code: NoCode}, err, StageData, true, nil)
	}
	s.state = StateDataSent

	resp, err := d.Read()
	if serr := s.expect(ctx, resp, err, StageData, true, hasCode(CodeOK)); serr != nil {
		return serr
	}
	s.state = StateSent
	return nil
}

// expect turns a reply into a failure. Transport errors always fail as
// StageUnexpected; a reply that does not satisfy want fails as stage only
// when enforce is set.
func (s *Session) expect(ctx context.Context, resp Response, err error, stage Stage, enforce bool, want func(Response) bool) *SessionError {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return &SessionError{Stage: StageUnexpected, Response: resp, Err: err}
	}
	if enforce && !want(resp) {
		return &SessionError{Stage: stage, Response: resp}
	}
	return nil
}

// quit sends QUIT and discards the reply; the relay may drop the connection
// without answering.
func (s *Session) quit(t *Transport) {
	s.state = StateClosing
	t.capTimeout(quitTimeout)
	if err := t.WriteLine("QUIT"); err != nil {
		return
	}
	_, _ = ReadResponse(t)
}

func hasCode(code int) func(Response) bool {
	return func(r Response) bool { return r.Code == code }
}

func inClass(class int) func(Response) bool {
	return func(r Response) bool { return r.Class() == class }
}

// prepare validates the inputs before any network activity and returns the
// envelope with defaults applied plus the ASCII forms of the sender and
// recipient addresses.
func prepare(creds email.Credentials, env email.Envelope) (email.Envelope, string, string, *SessionError) {
	switch {
	case strings.TrimSpace(env.To) == "":
		return env, "", "", validationError("missing recipient")
	case creds.Username == "":
		return env, "", "", validationError("missing relay username")
	case creds.Password == "":
		return env, "", "", validationError("missing relay password")
	case env.HTMLBody == "":
		return env, "", "", validationError("missing message body")
	}

	if env.From == "" {
		env.From = creds.Username
	}

	fields := []struct{ name, value string }{
		{"from", env.From},
		{"from name", env.FromName},
		{"to", env.To},
		{"to name", env.ToName},
		{"subject", env.Subject},
	}
	for _, f := range fields {
		if strings.ContainsAny(f.value, "\r\n") {
			return env, "", "", validationError("%s contains a line break", f.name)
		}
	}

	mailFrom, err := asciiAddress(env.From)
	if err != nil {
		return env, "", "", validationError("sender %q: %w", env.From, err)
	}
	rcptTo, err := asciiAddress(env.To)
	if err != nil {
		return env, "", "", validationError("recipient %q: %w", env.To, err)
	}
	return env, mailFrom, rcptTo, nil
}

var errBadAddress = errors.New("not a valid mailbox")

// asciiAddress converts the domain of addr to its ASCII (punycode) form, since
// the session never negotiates SMTPUTF8.
func asciiAddress(addr string) (string, error) {
	if strings.ContainsAny(addr, "<> \t") {
		return "", errBadAddress
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return "", errBadAddress
	}
	domain, err := idna.Lookup.ToASCII(addr[at+1:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", errBadAddress, err)
	}
	return addr[:at+1] + domain, nil
}
