// Package handshake encodes the binary tunnel request sent as the first
// message of an upgraded stream and validates the relay's response header.
//
// Request layout:
//
//	version(1) | client id(16) | addon length(1)=0 | [command(1)] |
//	port(2, big-endian) | address type(1) | address
//
// The address is 4 bytes (IPv4), 16 bytes (IPv6) or a 1-byte length
// followed by the domain name. The command byte is written only when
// non-zero.
package handshake

import (
	"encoding/binary"
	"net/netip"

	"edge-endpoint-probe/internal/fault"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	AddrIPv4   byte = 1
	AddrDomain byte = 2
	AddrIPv6   byte = 3

	CommandTCP byte = 1

	maxDomainLen = 255
	// version + addon length
	responseHeaderLen = 2
)

// Request is the tunnel handshake sent by the client.
type Request struct {
	Version  byte
	ClientID uuid.UUID
	Command  byte
	Port     uint16
	Address  string
}

// AddressType selects the encoding for r.Address.
func (r Request) AddressType() byte {
	if addr, err := netip.ParseAddr(r.Address); err == nil {
		if addr.Unmap().Is4() {
			return AddrIPv4
		}
		return AddrIPv6
	}
	return AddrDomain
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r Request) MarshalBinary() ([]byte, error) {
	if r.Address == "" {
		return nil, errors.New("handshake: empty target address")
	}
	b := make([]byte, 0, 1+16+1+1+2+1+1+len(r.Address))
	b = append(b, r.Version)
	b = append(b, r.ClientID[:]...)
	b = append(b, 0)
	if r.Command != 0 {
		b = append(b, r.Command)
	}
	b = binary.BigEndian.AppendUint16(b, r.Port)

	switch atyp := r.AddressType(); atyp {
	case AddrIPv4:
		a4 := netip.MustParseAddr(r.Address).Unmap().As4()
		b = append(b, atyp)
		b = append(b, a4[:]...)
	case AddrIPv6:
		a16 := netip.MustParseAddr(r.Address).As16()
		b = append(b, atyp)
		b = append(b, a16[:]...)
	default:
		if len(r.Address) > maxDomainLen {
			return nil, errors.Errorf("handshake: domain too long (%d bytes)", len(r.Address))
		}
		b = append(b, atyp, byte(len(r.Address)))
		b = append(b, r.Address...)
	}
	return b, nil
}

// Encode is MarshalBinary followed by an optional initial payload that the
// relay forwards to the target once the stream is open.
func (r Request) Encode(payload []byte) ([]byte, error) {
	b, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// Validate checks a complete first response message and returns the bytes
// following its header.
func Validate(msg []byte) ([]byte, error) {
	var v Validator
	payload, err := v.Feed(msg)
	if err != nil {
		return nil, err
	}
	if !v.Done() {
		return nil, &fault.HandshakeError{Msg: "short response", Code: -1}
	}
	return payload, nil
}
