// Package smtptest provides a scripted implicit-TLS SMTP relay for tests.
// It answers each command with a configurable reply and records everything
// the client sends.
package smtptest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	smtptls "github.com/shineum/smtp-submit-lite/internal/tls"
)

// Hangup as a reply makes the relay close the connection instead of answering.
const Hangup = "<hangup>"

// Silent as a reply makes the relay read on without answering.
const Silent = "<silent>"

// shutdownTimeout is the maximum time Close waits for in-flight sessions.
const shutdownTimeout = 5 * time.Second

// Replies scripts the relay. Each field is a complete reply; multi-line
// replies use CRLF between lines. An empty Auth makes the relay verify the
// decoded credentials itself. The relay expects the client's command order
// and does not change course on the codes it was scripted to send.
type Replies struct {
	Greeting  string
	Ehlo      string
	AuthLogin string
	Username  string
	Auth      string
	Mail      string
	Rcpt      string
	Data      string
	EndOfData string
	Quit      string
}

// DefaultReplies returns the replies of a well-behaved relay.
func DefaultReplies() Replies {
	return Replies{
		Greeting:  "220 relay.test ESMTP smtptest",
		Ehlo:      "250-relay.test Hello\r\n250-AUTH LOGIN PLAIN\r\n250-SIZE 10485760\r\n250 8BITMIME",
		AuthLogin: "334 VXNlcm5hbWU6",
		Username:  "334 UGFzc3dvcmQ6",
		Mail:      "250 2.1.0 OK",
		Rcpt:      "250 2.1.5 OK",
		Data:      "354 Start mail input; end with <CRLF>.<CRLF>",
		EndOfData: "250 2.0.0 OK queued",
		Quit:      "221 2.0.0 Bye",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithReplies replaces the scripted replies.
func WithReplies(r Replies) Option {
	return func(s *Server) { s.replies = r }
}

// WithCredentials sets the login the relay accepts when Replies.Auth is empty.
func WithCredentials(username, password string) Option {
	return func(s *Server) { s.auth = newAuthenticator(username, password) }
}

// WithFragmentedWrites makes the relay write every reply in three-byte
// pieces so replies arrive split across several reads.
func WithFragmentedWrites() Option {
	return func(s *Server) { s.fragment = true }
}

// Server is a scripted SMTP relay listening on 127.0.0.1 with implicit TLS.
type Server struct {
	listener  net.Listener
	clientTLS *tls.Config
	replies   Replies
	auth      *authenticator
	fragment  bool

	mu          sync.Mutex
	transcripts []*Transcript

	// wg tracks in-flight session goroutines.
	wg sync.WaitGroup
}

// NewServer starts a relay with a fresh self-signed certificate.
func NewServer(opts ...Option) (*Server, error) {
	serverTLS, clientTLS, err := smtptls.SelfSignedPair()
	if err != nil {
		return nil, err
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:  ln,
		clientTLS: clientTLS,
		replies:   DefaultReplies(),
		auth:      newAuthenticator("user@example.com", "secret"),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		tr := newTranscript()
		s.mu.Lock()
		s.transcripts = append(s.transcripts, tr)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn, tr)
		}()
	}
}

// Close stops accepting connections and waits briefly for open sessions.
func (s *Server) Close() {
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtptest: sessions still open at shutdown")
	}
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// ClientTLSConfig returns a client configuration that trusts the relay.
func (s *Server) ClientTLSConfig() *tls.Config {
	return s.clientTLS.Clone()
}

// Connections returns the number of connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcripts)
}

// Transcript returns the record of the i-th accepted connection.
func (s *Server) Transcript(i int) *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.transcripts) {
		return nil
	}
	return s.transcripts[i]
}

// handle runs one relay session until QUIT, a hangup, or the client
// disconnects.
func (s *Server) handle(conn net.Conn, tr *Transcript) {
	defer close(tr.done)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if !s.reply(conn, s.replies.Greeting) {
		return
	}

	for {
		line, err := readLine(reader)
		if err != nil {
			if err == io.EOF {
				tr.markClientClosed()
			}
			return
		}
		tr.record(line)

		cmd, arg := parseCommand(line)
		var ok bool
		switch cmd {
		case "EHLO", "HELO":
			ok = s.reply(conn, s.replies.Ehlo)
		case "AUTH":
			ok = s.handleAuthLogin(conn, reader, tr, arg)
		case "MAIL":
			tr.setMailFrom(extractAddress(arg, "FROM:"))
			ok = s.reply(conn, s.replies.Mail)
		case "RCPT":
			tr.setRcptTo(extractAddress(arg, "TO:"))
			ok = s.reply(conn, s.replies.Rcpt)
		case "DATA":
			ok = s.reply(conn, s.replies.Data) && s.handleData(conn, reader, tr)
		case "QUIT":
			s.reply(conn, s.replies.Quit)
			return
		default:
			ok = s.reply(conn, "500 5.5.1 Unrecognized command")
		}
		if !ok {
			return
		}
	}
}

// handleAuthLogin runs the AUTH LOGIN challenge/response exchange. The relay
// follows the client in lockstep whatever the scripted prompts say.
func (s *Server) handleAuthLogin(conn net.Conn, reader *bufio.Reader, tr *Transcript, arg string) bool {
	if !strings.EqualFold(strings.TrimSpace(arg), "LOGIN") {
		return s.reply(conn, "504 5.5.4 Unrecognized authentication type")
	}

	if !s.reply(conn, s.replies.AuthLogin) {
		return false
	}

	userLine, err := readLine(reader)
	if err != nil {
		return false
	}
	tr.record(userLine)
	if !s.reply(conn, s.replies.Username) {
		return false
	}

	passLine, err := readLine(reader)
	if err != nil {
		return false
	}
	tr.record(passLine)
	tr.setCredentials(userLine, passLine)

	result := s.replies.Auth
	if result == "" {
		result = "235 2.7.0 Authentication successful"
		if err := s.auth.verifyLogin(userLine, passLine); err != nil {
			result = "535 5.7.8 Authentication credentials invalid"
		}
	}
	return s.reply(conn, result)
}

// handleData reads the message until the lone "." line, removing
// dot-stuffing, then answers with the end-of-data reply. It runs even when
// the scripted DATA reply is not 354, as a lenient client sends the payload
// regardless.
func (s *Server) handleData(conn net.Conn, reader *bufio.Reader, tr *Transcript) bool {
	var data strings.Builder
	for {
		line, err := readLine(reader)
		if err != nil {
			return false
		}
		tr.record(line)

		if line == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		data.WriteString(line)
		data.WriteString("\r\n")
	}

	tr.setData(data.String())
	return s.reply(conn, s.replies.EndOfData)
}

// reply writes a scripted reply. It returns false when the session should
// end.
func (s *Server) reply(conn net.Conn, text string) bool {
	switch text {
	case Hangup:
		return false
	case Silent:
		return true
	}

	payload := []byte(text + "\r\n")
	if !s.fragment {
		_, err := conn.Write(payload)
		return err == nil
	}

	for len(payload) > 0 {
		n := min(3, len(payload))
		if _, err := conn.Write(payload[:n]); err != nil {
			return false
		}
		payload = payload[n:]
	}
	return true
}

// readLine reads a CRLF-terminated line and strips the terminator.
func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress pulls the mailbox out of "FROM:<addr>" or "TO:<addr>".
func extractAddress(arg, prefix string) string {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return ""
	}
	s := strings.TrimSpace(arg[len(prefix):])
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	return s
}

func (s *Server) String() string {
	return fmt.Sprintf("smtptest.Server(%s)", s.listener.Addr())
}
