// Package rawhttp speaks just enough HTTP/1.x over a raw byte stream to run
// a diagnostic GET and collect its body: a fixed request, a two-phase
// incremental response assembler and a minimal chunked decoder.
package rawhttp

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"edge-endpoint-probe/internal/fault"
)

const maxHeaderBytes = 64 << 10

var (
	crlf       = []byte("\r\n")
	headersEnd = []byte("\r\n\r\n")
)

// Response is a fully assembled 200 response.
type Response struct {
	StatusLine string
	Header     map[string]string
	Body       []byte
	Chunked    bool
	// Reusable is false when the body was delimited by connection close, the
	// server asked to close, or extra bytes followed the response.
	Reusable bool
}

type bodyMode int

const (
	bodyUnknown bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// Assembler parses one response from bytes fed in arbitrary slices.
type Assembler struct {
	buf    []byte
	mode   bodyMode
	length int
	chunks chunkDecoder
	resp   *Response
	done   bool
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed consumes p and reports whether the response is complete.
func (a *Assembler) Feed(p []byte) (bool, error) {
	if a.done {
		if len(p) > 0 {
			a.resp.Reusable = false
		}
		return true, nil
	}
	if a.mode == bodyUnknown {
		a.buf = append(a.buf, p...)
		end := bytes.Index(a.buf, headersEnd)
		if end < 0 {
			if len(a.buf) > maxHeaderBytes {
				return false, &fault.ProtocolError{Msg: "response header too large"}
			}
			return false, nil
		}
		if err := a.parseHeader(a.buf[:end]); err != nil {
			return false, err
		}
		p = a.buf[end+len(headersEnd):]
		a.buf = nil
	}

	switch a.mode {
	case bodyLength:
		need := a.length - len(a.resp.Body)
		if len(p) > need {
			a.resp.Reusable = false
			p = p[:need]
		}
		a.resp.Body = append(a.resp.Body, p...)
		if len(a.resp.Body) == a.length {
			a.done = true
		}
	case bodyChunked:
		rest, err := a.chunks.feed(p)
		if err != nil {
			return false, err
		}
		if a.chunks.done() {
			a.resp.Body = a.chunks.body
			if len(rest) > 0 {
				a.resp.Reusable = false
			}
			a.done = true
		}
	case bodyUntilClose:
		a.resp.Body = append(a.resp.Body, p...)
	}
	return a.done, nil
}

// EOF tells the assembler the peer closed the stream. Only a close-delimited
// body can complete this way.
func (a *Assembler) EOF() error {
	if a.done {
		return nil
	}
	if a.mode == bodyUntilClose {
		a.done = true
		return nil
	}
	return fault.ErrPrematureClose
}

// Response returns the assembled response once Feed or EOF reported completion.
func (a *Assembler) Response() (*Response, bool) {
	if !a.done {
		return nil, false
	}
	if a.resp.Body == nil {
		a.resp.Body = []byte{}
	}
	return a.resp, true
}

func (a *Assembler) parseHeader(head []byte) error {
	lines := strings.Split(string(head), "\r\n")
	status := lines[0]
	proto, rest, _ := strings.Cut(status, " ")
	code, _, _ := strings.Cut(rest, " ")
	if (proto != "HTTP/1.1" && proto != "HTTP/1.0") || code != "200" {
		return &fault.UnexpectedStatusError{StatusLine: status}
	}

	resp := &Response{
		StatusLine: status,
		Header:     make(map[string]string, len(lines)-1),
		Reusable:   proto == "HTTP/1.1",
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return &fault.ProtocolError{Msg: "malformed header line " + strconv.Quote(line)}
		}
		resp.Header[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	switch strings.ToLower(resp.Header["connection"]) {
	case "close":
		resp.Reusable = false
	case "keep-alive":
		resp.Reusable = true
	}

	a.resp = resp
	if te := resp.Header["transfer-encoding"]; strings.Contains(strings.ToLower(te), "chunked") {
		a.mode = bodyChunked
		resp.Chunked = true
		return nil
	}
	if cl, ok := resp.Header["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return &fault.ProtocolError{Msg: "invalid content-length " + strconv.Quote(cl)}
		}
		a.mode = bodyLength
		a.length = n
		if n == 0 {
			a.done = true
		}
		return nil
	}
	a.mode = bodyUntilClose
	resp.Reusable = false
	return nil
}

// DeadlineReader is a stream whose reads can be bounded by a deadline.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ReadResponse assembles one response from r within timeout. The read
// deadline is cleared again before returning.
func ReadResponse(r DeadlineReader, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, &fault.IOError{Op: "set read deadline", Err: err}
		}
		defer r.SetReadDeadline(time.Time{})
	}

	a := NewAssembler()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			done, ferr := a.Feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if done {
				resp, _ := a.Response()
				return resp, nil
			}
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			if eerr := a.EOF(); eerr != nil {
				return nil, eerr
			}
			resp, _ := a.Response()
			return resp, nil
		}
		if fault.IsTimeout(err) {
			return nil, &fault.TimeoutError{Phase: fault.PhaseResponse, Err: err}
		}
		return nil, &fault.IOError{Op: "read response", Err: err}
	}
}
