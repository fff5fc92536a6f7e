package smtptest

import (
	"sync"
	"time"
)

// Transcript records one client connection.
type Transcript struct {
	mu           sync.Mutex
	lines        []string
	mailFrom     string
	rcptTo       string
	data         string
	encodedUser  string
	encodedPass  string
	clientClosed bool

	done chan struct{}
}

func newTranscript() *Transcript {
	return &Transcript{done: make(chan struct{})}
}

// Done is closed once the relay has finished with the connection.
func (t *Transcript) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the connection is finished or d elapses, and reports
// whether it finished.
func (t *Transcript) Wait(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Lines returns every line the client sent, DATA payload included, in order.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// MailFrom returns the address given in MAIL FROM.
func (t *Transcript) MailFrom() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mailFrom
}

// RcptTo returns the address given in RCPT TO.
func (t *Transcript) RcptTo() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rcptTo
}

// Data returns the received message with dot-stuffing removed. Every line
// ends in CRLF.
func (t *Transcript) Data() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// EncodedCredentials returns the two AUTH LOGIN responses as sent.
func (t *Transcript) EncodedCredentials() (username, password string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encodedUser, t.encodedPass
}

// ClientClosed reports whether the client closed the connection rather than
// the relay hanging up after QUIT.
func (t *Transcript) ClientClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientClosed
}

func (t *Transcript) record(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
}

func (t *Transcript) setMailFrom(addr string) {
	t.mu.Lock()
	t.mailFrom = addr
	t.mu.Unlock()
}

func (t *Transcript) setRcptTo(addr string) {
	t.mu.Lock()
	t.rcptTo = addr
	t.mu.Unlock()
}

func (t *Transcript) setData(data string) {
	t.mu.Lock()
	t.data = data
	t.mu.Unlock()
}

func (t *Transcript) setCredentials(user, pass string) {
	t.mu.Lock()
	t.encodedUser, t.encodedPass = user, pass
	t.mu.Unlock()
}

func (t *Transcript) markClientClosed() {
	t.mu.Lock()
	t.clientClosed = true
	t.mu.Unlock()
}
