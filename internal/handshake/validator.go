package handshake

import "edge-endpoint-probe/internal/fault"

type validatorState int

const (
	awaitingHeader validatorState = iota
	accepted
	rejected
)

// Validator checks the response header as bytes arrive. Once accepted,
// every later byte is payload.
type Validator struct {
	state  validatorState
	header []byte
}

// Feed consumes p and returns any payload bytes after the header.
func (v *Validator) Feed(p []byte) ([]byte, error) {
	switch v.state {
	case accepted:
		return p, nil
	case rejected:
		return nil, &fault.HandshakeError{Msg: "already rejected", Code: -1}
	}

	need := responseHeaderLen - len(v.header)
	if len(p) < need {
		v.header = append(v.header, p...)
		return nil, nil
	}
	v.header = append(v.header, p[:need]...)
	if v.header[1] != 0 {
		v.state = rejected
		return nil, &fault.HandshakeError{Msg: "rejected", Code: int(v.header[1])}
	}
	v.state = accepted
	return p[need:], nil
}

// Done reports whether the header has been accepted.
func (v *Validator) Done() bool {
	return v.state == accepted
}
