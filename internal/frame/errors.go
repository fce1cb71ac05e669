package frame

import (
	"errors"
	"fmt"
)

// Code identifies a class of framing failure. Codes are stable so they can be
// logged and matched without string comparison.
type Code uint16

const (
	CodeUnknown   Code = 0
	CodeMalformed Code = 1001
	CodeTruncated Code = 1002
	CodeTooLarge  Code = 1003
)

func (c Code) String() string {
	switch c {
	case CodeMalformed:
		return "malformed frame"
	case CodeTruncated:
		return "truncated frame"
	case CodeTooLarge:
		return "frame too large"
	default:
		return "unknown frame error"
	}
}

// Error is the only error type returned by the codec for protocol violations.
// Plain I/O failures from the underlying stream are wrapped with fmt.Errorf
// instead.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can use the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMalformedFrame = &Error{Code: CodeMalformed}
	ErrTruncatedFrame = &Error{Code: CodeTruncated}
	ErrFrameTooLarge  = &Error{Code: CodeTooLarge}
)

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// IsFatal reports whether err leaves the stream at an unknown byte offset.
// After such an error no further frame can be read reliably.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrTruncatedFrame)
}
