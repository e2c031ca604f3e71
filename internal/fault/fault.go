// Package fault defines the probe error taxonomy. Every per-attempt error is
// one of these types (possibly wrapped), and Reason maps it to the stable
// string recorded in a failed attempt.
package fault

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Phase names the timeout budget an operation ran out of.
type Phase string

const (
	PhaseConnect   Phase = "connect"
	PhaseHandshake Phase = "handshake"
	PhaseResponse  Phase = "response"
	PhaseAttempt   Phase = "attempt"
)

// ErrPrematureClose means the peer closed the stream before the response was complete.
var ErrPrematureClose = errors.New("connection closed before response completed")

// ErrBusy means the endpoint's pooled connection is still checked out by an
// earlier attempt.
var ErrBusy = errors.New("connection is checked out")

// ConnectError wraps a failed transport connect.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// TLSError wraps a failed TLS handshake.
type TLSError struct {
	Addr       string
	ServerName string
	Err        error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls handshake %s (sni=%q): %v", e.Addr, e.ServerName, e.Err)
}
func (e *TLSError) Unwrap() error { return e.Err }

// TimeoutError is a phase-tagged deadline expiry.
type TimeoutError struct {
	Phase Phase
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s timeout", e.Phase)
	}
	return fmt.Sprintf("%s timeout: %v", e.Phase, e.Err)
}
func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError is a malformed or unexpected exchange.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Msg
	}
	return fmt.Sprintf("protocol: %s: %v", e.Msg, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// UnexpectedStatusError is returned when the status line is not the expected success status.
type UnexpectedStatusError struct {
	StatusLine string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("protocol: unexpected status %q", e.StatusLine)
}

// HandshakeError is returned when the tunnel handshake response does not validate.
type HandshakeError struct {
	Msg  string
	Code int
}

func (e *HandshakeError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("protocol: handshake %s (code=%d)", e.Msg, e.Code)
	}
	return "protocol: handshake " + e.Msg
}

// IOError is a socket read/write failure that is neither a timeout nor a clean close.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is any kind of deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Timeout converts deadline expiries into a TimeoutError for the given phase
// and returns other errors unchanged.
func Timeout(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if IsTimeout(err) {
		return &TimeoutError{Phase: phase, Err: err}
	}
	return err
}

// Reason maps an attempt error to the short reason recorded in a Failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var (
		timeoutErr   *TimeoutError
		statusErr    *UnexpectedStatusError
		handshakeErr *HandshakeError
		protoErr     *ProtocolError
		tlsErr       *TLSError
		connErr      *ConnectError
		ioErr        *IOError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout:" + string(timeoutErr.Phase)
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsTimeout(err):
		return "timeout"
	case errors.As(err, &statusErr):
		return "status"
	case errors.As(err, &handshakeErr):
		return "handshake"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &tlsErr):
		return "tls"
	case errors.As(err, &connErr):
		return "connect"
	case errors.Is(err, ErrPrematureClose):
		return "closed"
	case errors.As(err, &ioErr):
		return "io"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "error"
	}
}
