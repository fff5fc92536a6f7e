package smtp

import (
	"io"
	"strings"
)

// NoCode marks a Response whose first line did not start with a three-digit
// status code, or that ended before a complete line arrived.
const NoCode = -1

// Reply codes the session relies on.
const (
	CodeServiceReady   = 220
	CodeAuthOK         = 235
	CodeOK             = 250
	CodeAuthContinue   = 334
	CodeStartMailInput = 354
)

// Response is the result of reading one reply from the relay.
type Response struct {
	Code  int
	Lines []string
}

// HasCode reports whether a three-digit status code was parsed.
func (r Response) HasCode() bool {
	return r.Code != NoCode
}

// Raw returns the reply lines as received, joined by CRLF.
func (r Response) Raw() string {
	return strings.Join(r.Lines, "\r\n")
}

// Class returns the first digit of the code, or 0 if there is none.
func (r Response) Class() int {
	if !r.HasCode() {
		return 0
	}
	return r.Code / 100
}

// parseCode extracts a leading three-digit code from line.
func parseCode(line string) int {
	if len(line) < 3 {
		return NoCode
	}
	code := 0
	for i := 0; i < 3; i++ {
		c := line[i]
		if c < '0' || c > '9' {
			return NoCode
		}
		code = code*10 + int(c-'0')
	}
	return code
}

// isContinuation reports whether a reply line announces more lines to follow
// ("250-...").
func isContinuation(line string) bool {
	return len(line) > 3 && line[3] == '-'
}

// lineReader is the part of Transport the driver reads replies from.
type lineReader interface {
	ReadLine() (string, error)
}

// lineWriter is the part of Transport the driver writes commands to.
type lineWriter interface {
	WriteLine(text string) error
}

// ReadResponse reads lines until the final line of a (possibly multi-line)
// reply. A first line without a status code ends the reply immediately.
// If the connection closes before any complete line, the Response has
// NoCode and the error is io.ErrUnexpectedEOF.
func ReadResponse(r lineReader) (Response, error) {
	resp := Response{Code: NoCode}
	for {
		line, err := r.ReadLine()
		if err != nil {
			if line != "" {
				resp.Lines = append(resp.Lines, line)
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			resp.Code = NoCode
			return resp, err
		}

		resp.Lines = append(resp.Lines, line)
		code := parseCode(line)
		if len(resp.Lines) == 1 {
			resp.Code = code
			if code == NoCode {
				return resp, nil
			}
		}
		if !isContinuation(line) {
			return resp, nil
		}
	}
}

// Driver pairs each command with the reply it produces.
type Driver struct {
	w lineWriter
	r lineReader
}

// NewDriver builds a driver over a transport.
func NewDriver(t *Transport) *Driver {
	return &Driver{w: t, r: t}
}

// Send writes one command line and reads its complete reply.
func (d *Driver) Send(command string) (Response, error) {
	if err := d.w.WriteLine(command); err != nil {
		return Response{Code: NoCode}, err
	}
	return ReadResponse(d.r)
}

// Read reads one reply without sending anything (greeting, end of DATA).
func (d *Driver) Read() (Response, error) {
	return ReadResponse(d.r)
}
