// Package apperrors holds the failure taxonomy shared by the tracker and
// peer-wire layers. Every I/O or protocol failure surfaces as an *Error whose
// Kind tells the caller whether retrying makes sense.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type Kind uint8

const (
	Unknown Kind = iota
	// Timeout: no response within the operation deadline. Always safe to retry.
	Timeout
	// ConnectionFailed: transport refused or reset before a response. Retry after backoff.
	ConnectionFailed
	// InvalidResponse: malformed or mismatched response. Never retry blindly.
	InvalidResponse
	// BadRequest: the remote rejected the request as malformed.
	BadRequest
	// SocketClosed: the remote closed the connection.
	SocketClosed
	// Redirect: 3xx with no redirect capacity left.
	Redirect
	// ServerError: 5xx from an HTTP tracker.
	ServerError
	// TrackerFailure: the tracker answered with an explicit failure message.
	TrackerFailure
)

var kindNames = [...]string{
	"unknown",
	"timeout",
	"connection failed",
	"invalid response",
	"bad request",
	"socket closed",
	"redirect",
	"server error",
	"tracker failure",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Retryable reports whether an operation failing with this kind may be
// repeated unmodified.
func (k Kind) Retryable() bool {
	return k == Timeout || k == ConnectionFailed
}

type Error struct {
	Kind Kind
	Op   string // "udp connect", "handshake", "read message", ...
	Addr string
	Err  error
}

// Sentinels for errors.Is matching on kind only.
var (
	ErrTimeout          = &Error{Kind: Timeout}
	ErrConnectionFailed = &Error{Kind: ConnectionFailed}
	ErrInvalidResponse  = &Error{Kind: InvalidResponse}
	ErrBadRequest       = &Error{Kind: BadRequest}
	ErrSocketClosed     = &Error{Kind: SocketClosed}
	ErrRedirect         = &Error{Kind: Redirect}
	ErrServerError      = &Error{Kind: ServerError}
	ErrTrackerFailure   = &Error{Kind: TrackerFailure}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Addr != "" {
		msg = e.Addr + " " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a sentinel of the same kind. Sentinels carry no Op, so a fully
// populated *Error only matches another one when both are identical.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Addr == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

func New(kind Kind, op, addr string, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// Invalid builds an InvalidResponse error from a format string.
func Invalid(op, addr, format string, args ...any) *Error {
	return &Error{Kind: InvalidResponse, Op: op, Addr: addr, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Classify converts a transport error into an *Error. Errors that already
// carry a kind are returned untouched.
func Classify(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: transportKind(err), Op: op, Addr: addr, Err: err}
}

func transportKind(err error) Kind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return Timeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return SocketClosed
	default:
		return ConnectionFailed
	}
}

// IsTimeout is a shorthand for errors.Is(err, ErrTimeout) that also accepts
// raw net.Error timeouts.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
