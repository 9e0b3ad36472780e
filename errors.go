package sslsock

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosedByPeer is returned when the peer closes the transport before
	// the handshake completes, without a protocol-level error.
	ErrClosedByPeer = errors.New("sslsock: connection closed by peer")

	// ErrSocketClosed is returned by operations that observe an interrupted
	// connection.
	ErrSocketClosed = errors.New("sslsock: socket closed")

	ErrFreed            = errors.New("sslsock: use of freed object")
	ErrInvalidHandle    = errors.New("sslsock: invalid handle")
	ErrHandshakeNotDone = errors.New("sslsock: handshake has not completed")
	ErrWriteTimeout     = errors.New("sslsock: write deadlines are not supported")

	ErrUnsupportedPlatform = errors.New("sslsock: socket driver is not supported on this platform")

	// ErrUpcallUnbound is what an engine sees when it calls back into a
	// connection outside of an upcall-capable operation.
	ErrUpcallUnbound = errors.New("sslsock: no callbacks bound to connection")

	errNilEngine = errors.New("sslsock: nil engine")
)

// ConfigError reports a setup step that failed before the engine was asked
// to do anything.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "sslsock: " + e.Step
	}
	return "sslsock: " + e.Step + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configError(step string, err error) error {
	return &ConfigError{Step: step, Err: err}
}

// ProtocolError is a fatal engine condition. Queue holds the engine's
// diagnostic queue at the time of failure, oldest first.
type ProtocolError struct {
	Op    string
	Code  ErrorCode
	Queue []error
	Err   error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("sslsock: ")
	b.WriteString(e.Op)
	if e.Code != ErrorNone {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	for _, q := range e.Queue {
		b.WriteString("; ")
		b.WriteString(q.Error())
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() []error {
	errs := make([]error, 0, len(e.Queue)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return append(errs, e.Queue...)
}

// TimeoutError implements net.Error so callers using the net idiom can tell
// a timeout from a failure.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string   { return "sslsock: " + e.Op + " timed out" }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return true }

// IsTimeout reports whether err is, or wraps, a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// protocolError drains the engine's diagnostic queue into a *ProtocolError.
// The queue is left empty.
func protocolError(op string, code ErrorCode, cause error, q *ErrorQueue) error {
	pe := &ProtocolError{Op: op, Code: code, Err: cause}
	if q != nil {
		pe.Queue = q.Drain()
	}
	return pe
}
