package smtp

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Session.Send wraps exactly one of them.
var (
	ErrValidation = errors.New("smtp: invalid input")
	ErrConnect    = errors.New("smtp: connect failed")
	ErrAuth       = errors.New("smtp: authentication failed")
	ErrEnvelope   = errors.New("smtp: envelope rejected")
	ErrSend       = errors.New("smtp: message rejected")
	ErrIO         = errors.New("smtp: connection error")
)

// Stage identifies where in the transaction a session failed.
type Stage int

const (
	StageValidation Stage = iota
	StageConnect
	StageAuth
	StageEnvelope
	StageData
	StageUnexpected
)

func (s Stage) String() string {
	switch s {
	case StageValidation:
		return "validation"
	case StageConnect:
		return "connect"
	case StageAuth:
		return "auth"
	case StageEnvelope:
		return "envelope"
	case StageData:
		return "data"
	case StageUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// kind returns the sentinel error matching a stage.
func (s Stage) kind() error {
	switch s {
	case StageValidation:
		return ErrValidation
	case StageConnect:
		return ErrConnect
	case StageAuth:
		return ErrAuth
	case StageEnvelope:
		return ErrEnvelope
	case StageData:
		return ErrSend
	default:
		return ErrIO
	}
}

// SessionError is the failure result of a session. Response holds the reply
// that caused the failure, if one was read.
type SessionError struct {
	Stage    Stage
	Response Response
	Err      error
}

func (e *SessionError) Error() string {
	msg := e.Stage.kind().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if raw := e.Response.Raw(); raw != "" {
		msg += ": " + raw
	}
	return msg
}

// Unwrap exposes both the stage sentinel and the underlying cause.
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Stage.kind()}
	}
	return []error{e.Stage.kind(), e.Err}
}

func validationError(format string, args ...any) *SessionError {
	return &SessionError{Stage: StageValidation, Err: fmt.Errorf(format, args...)}
}
