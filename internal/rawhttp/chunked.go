package rawhttp

import (
	"bytes"
	"strconv"

	"edge-endpoint-probe/internal/fault"
)

const maxChunkSize = 16 << 20

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCRLF
	chunkTerminalCRLF
	chunkDone
)

// chunkDecoder consumes chunked framing incrementally. It keeps only the
// bytes of the frame it has not finished yet.
type chunkDecoder struct {
	state   chunkState
	pending []byte
	remain  int
	body    []byte
}

// feed appends p and decodes as far as possible. It returns any bytes that
// arrived after the terminal chunk.
func (d *chunkDecoder) feed(p []byte) (rest []byte, err error) {
	d.pending = append(d.pending, p...)
	for {
		switch d.state {
		case chunkSize:
			i := bytes.Index(d.pending, crlf)
			if i < 0 {
				if len(d.pending) > 32 {
					return nil, &fault.ProtocolError{Msg: "chunk size line too long"}
				}
				return nil, nil
			}
			size, err := parseChunkSize(d.pending[:i])
			if err != nil {
				return nil, err
			}
			d.pending = d.pending[i+2:]
			if size == 0 {
				d.state = chunkTerminalCRLF
				continue
			}
			d.remain = size
			d.state = chunkData
		case chunkData:
			if len(d.pending) == 0 {
				return nil, nil
			}
			n := min(d.remain, len(d.pending))
			d.body = append(d.body, d.pending[:n]...)
			d.pending = d.pending[n:]
			d.remain -= n
			if d.remain > 0 {
				return nil, nil
			}
			d.state = chunkDataCRLF
		case chunkDataCRLF, chunkTerminalCRLF:
			if len(d.pending) < 2 {
				return nil, nil
			}
			if !bytes.Equal(d.pending[:2], crlf) {
				if d.state == chunkTerminalCRLF {
					return nil, &fault.ProtocolError{Msg: "chunked trailers are not supported"}
				}
				return nil, &fault.ProtocolError{Msg: "missing CRLF after chunk data"}
			}
			d.pending = d.pending[2:]
			if d.state == chunkTerminalCRLF {
				d.state = chunkDone
				continue
			}
			d.state = chunkSize
		case chunkDone:
			rest, d.pending = d.pending, nil
			return rest, nil
		}
	}
}

func (d *chunkDecoder) done() bool {
	return d.state == chunkDone
}

func parseChunkSize(line []byte) (int, error) {
	if bytes.IndexByte(line, ';') >= 0 {
		return 0, &fault.ProtocolError{Msg: "chunk extensions are not supported"}
	}
	s := string(bytes.TrimSpace(line))
	size, err := strconv.ParseUint(s, 16, 32)
	if err != nil || s == "" {
		return 0, &fault.ProtocolError{Msg: "invalid chunk size " + strconv.Quote(s)}
	}
	if size > maxChunkSize {
		return 0, &fault.ProtocolError{Msg: "chunk too large"}
	}
	return int(size), nil
}

// EncodeChunked frames data into chunks of at most size bytes followed by
// the terminal zero chunk.
func EncodeChunked(data []byte, size int) []byte {
	if size <= 0 {
		size = len(data)
	}
	var b bytes.Buffer
	for len(data) > 0 {
		n := min(size, len(data))
		b.WriteString(strconv.FormatInt(int64(n), 16))
		b.Write(crlf)
		b.Write(data[:n])
		b.Write(crlf)
		data = data[n:]
	}
	b.WriteString("0\r\n\r\n")
	return b.Bytes()
}

// DecodeChunked decodes a complete chunked body. Bytes after the terminal
// chunk are an error.
func DecodeChunked(b []byte) ([]byte, error) {
	var d chunkDecoder
	rest, err := d.feed(b)
	if err != nil {
		return nil, err
	}
	if !d.done() {
		return nil, fault.ErrPrematureClose
	}
	if len(rest) > 0 {
		return nil, &fault.ProtocolError{Msg: "trailing bytes after terminal chunk"}
	}
	if d.body == nil {
		return []byte{}, nil
	}
	return d.body, nil
}
