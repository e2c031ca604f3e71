package rawhttp

import (
	"io"
	"strings"

	"edge-endpoint-probe/internal/fault"
)

// Request is the single diagnostic GET this package knows how to send.
type Request struct {
	Host      string
	Path      string
	UserAgent string
}

// Bytes renders the request line and the fixed header set.
func (r Request) Bytes() []byte {
	path := r.Path
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.Grow(128 + len(r.Host) + len(path) + len(r.UserAgent))
	b.WriteString("GET ")
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(r.Host)
	b.WriteString("\r\n")
	if r.UserAgent != "" {
		b.WriteString("User-Agent: ")
		b.WriteString(r.UserAgent)
		b.WriteString("\r\n")
	}
	b.WriteString("Accept: */*\r\nConnection: keep-alive\r\n\r\n")
	return []byte(b.String())
}

// WriteRequest writes the request in one call.
func WriteRequest(w io.Writer, r Request) error {
	if _, err := w.Write(r.Bytes()); err != nil {
		if fault.IsTimeout(err) {
			return fault.Timeout(fault.PhaseResponse, err)
		}
		return &fault.IOError{Op: "write request", Err: err}
	}
	return nil
}
