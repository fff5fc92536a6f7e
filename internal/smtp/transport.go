package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ChunkSize is the size of a single raw read performed by ReadChunk.
const ChunkSize = 1024

// MaxReplyLineLen bounds a single reply line so a misbehaving relay cannot
// exhaust memory.
const MaxReplyLineLen = 2048

// ErrLineTooLong is returned when a reply line exceeds MaxReplyLineLen.
var ErrLineTooLong = errors.New("smtp: reply line too long")

// Transport owns one TLS connection to a relay. It is not safe for
// concurrent use; a session drives it from a single goroutine.
type Transport struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	ctx     context.Context
	timeout time.Duration

	stop      func() bool
	closeOnce sync.Once
}

// Dial opens an implicit-TLS connection to the relay described by cfg.
// Cancelling ctx at any point aborts the socket.
func Dial(ctx context.Context, cfg RelayConfig) (*Transport, error) {
	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    cfg.tlsConfig(),
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr(), err)
	}

	return NewTransport(ctx, conn, cfg.CommandTimeout), nil
}

// NewTransport wraps an established connection. timeout bounds every read
// and write; zero disables it.
func NewTransport(ctx context.Context, conn net.Conn, timeout time.Duration) *Transport {
	t := &Transport{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 4096),
		w:       bufio.NewWriterSize(conn, 4096),
		ctx:     ctx,
		timeout: timeout,
	}

	// Close the raw socket rather than the TLS layer so a goroutine blocked
	// in Write cannot hold up the abort.
	raw := conn
	if tc, ok := conn.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	t.stop = context.AfterFunc(ctx, func() {
		raw.Close()
	})

	return t
}

// arm checks for cancellation and refreshes the I/O deadline.
func (t *Transport) arm() error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if t.timeout > 0 {
		return t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
	return nil
}

// capTimeout lowers the per-operation timeout to at most d.
func (t *Transport) capTimeout(d time.Duration) {
	if t.timeout == 0 || t.timeout > d {
		t.timeout = d
	}
}

// WriteLine writes text followed by a single CRLF and flushes.
func (t *Transport) WriteLine(text string) error {
	return t.WriteLines(text)
}

// WriteLines writes each line followed by CRLF and flushes once.
func (t *Transport) WriteLines(lines ...string) error {
	if err := t.arm(); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := t.w.WriteString(line); err != nil {
			return err
		}
		if _, err := t.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return t.w.Flush()
}

// ReadChunk performs one read of at most ChunkSize bytes. It returns an
// empty string at end of stream. No line reassembly is done.
func (t *Transport) ReadChunk() (string, error) {
	if err := t.arm(); err != nil {
		return "", err
	}
	buf := make([]byte, ChunkSize)
	n, err := t.r.Read(buf)
	if err == io.EOF {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// ReadLine reads one line and strips its line ending. Bare LF is accepted.
// If the peer closes mid-line the partial text is returned together with
// io.ErrUnexpectedEOF.
func (t *Transport) ReadLine() (string, error) {
	if err := t.arm(); err != nil {
		return "", err
	}

	var buf []byte
	for {
		chunk, err := t.r.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxReplyLineLen {
			return "", ErrLineTooLong
		}
		buf = append(buf, chunk...)

		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			return string(buf), io.ErrUnexpectedEOF
		}
		return "", err
	}

	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// Close releases the connection. It is idempotent and never fails: after
// QUIT the relay may already have dropped the connection.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.stop()
		t.conn.Close()
	})
}
