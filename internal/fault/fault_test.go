package fault

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/pkg/errors"
)

func TestReason(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "connect_timeout", err: &TimeoutError{Phase: PhaseConnect, Err: context.DeadlineExceeded}, want: "timeout:connect"},
		{name: "wrapped_timeout", err: errors.Wrap(&TimeoutError{Phase: PhaseResponse}, "trace"), want: "timeout:response"},
		{name: "raw_deadline", err: os.ErrDeadlineExceeded, want: "timeout"},
		{name: "connect", err: &ConnectError{Addr: "1.1.1.1:80", Err: errors.New("refused")}, want: "connect"},
		{name: "tls", err: &TLSError{Addr: "1.1.1.1:443", Err: errors.New("alert")}, want: "tls"},
		{name: "status", err: &UnexpectedStatusError{StatusLine: "HTTP/1.1 403 Forbidden"}, want: "status"},
		{name: "handshake", err: &HandshakeError{Msg: "rejected", Code: 1}, want: "handshake"},
		{name: "protocol", err: &ProtocolError{Msg: "bad chunk"}, want: "protocol"},
		{name: "premature_close", err: errors.WithMessage(ErrPrematureClose, "read"), want: "closed"},
		{name: "io", err: &IOError{Op: "read", Err: io.ErrClosedPipe}, want: "io"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "busy", err: errors.WithMessage(ErrBusy, "pool"), want: "busy"},
		{name: "other", err: errors.New("boom"), want: "error"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Reason(testCase.err); got != testCase.want {
				t.Fatalf("unexpected reason: got=%s want=%s", got, testCase.want)
			}
		})
	}
}

func TestTimeoutWrapsOnlyDeadlines(t *testing.T) {
	err := Timeout(PhaseHandshake, os.ErrDeadlineExceeded)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Phase != PhaseHandshake {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	plain := errors.New("reset")
	if Timeout(PhaseHandshake, plain) != plain {
		t.Fatal("non-timeout error must pass through unchanged")
	}
	if Timeout(PhaseHandshake, nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
