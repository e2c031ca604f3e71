package transport

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"hash"
	"net"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/model"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// WireGuard handshake initiation (https://www.wireguard.com/protocol/):
//
//	type(4) | sender index(4) | ephemeral(32) | static(32+16) |
//	timestamp(12+16) | mac1(16) | mac2(16)
const (
	wgMessageInitiation = 1
	wgMessageResponse   = 2
	wgInitiationSize    = 148
	wgResponseSize      = 92

	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	wgLabelMAC1       = "mac1----"
)

// WARPPublicKey is the Cloudflare WARP relay public key.
const WARPPublicKey = "bmXOC+F1FxEMF9dyiK2H5/1SUtzH0JuVo51h2wPfgyo="

type WireGuardConfig struct {
	// PeerPublicKey is base64; empty means WARPPublicKey.
	PeerPublicKey string
	Timeout       time.Duration
}

// WireGuard sends a handshake initiation with a throwaway identity and times
// the relay's handshake response. It reports latency only.
type WireGuard struct {
	peer    [32]byte
	timeout time.Duration
}

func NewWireGuard(cfg WireGuardConfig) (*WireGuard, error) {
	key := cfg.PeerPublicKey
	if key == "" {
		key = WARPPublicKey
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		return nil, errors.Errorf("invalid wireguard public key %q", key)
	}
	w := &WireGuard{timeout: cfg.Timeout}
	if w.timeout <= 0 {
		w.timeout = 2 * time.Second
	}
	copy(w.peer[:], raw)
	return w, nil
}

func (w *WireGuard) Name() string { return "wireguard" }

func (w *WireGuard) Probe(ctx context.Context, ep model.Endpoint) (model.Success, error) {
	packet, err := buildInitiation(w.peer)
	if err != nil {
		return model.Success{}, errors.Wrap(err, "build wireguard initiation")
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(probeCtx, "udp", ep.HostPort())
	if err != nil {
		return model.Success{}, &fault.ConnectError{Addr: ep.HostPort(), Err: err}
	}
	defer conn.Close()
	stop := context.AfterFunc(probeCtx, func() { _ = conn.Close() })
	defer stop()

	deadline, _ := probeCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	start := time.Now()
	if _, err := conn.Write(packet); err != nil {
		return model.Success{}, &fault.IOError{Op: "send handshake initiation", Err: err}
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil && (fault.IsTimeout(err) || probeCtx.Err() != nil) {
			return model.Success{}, &fault.TimeoutError{Phase: fault.PhaseResponse, Err: err}
		}
		return model.Success{}, &fault.IOError{Op: "read handshake response", Err: err}
	}
	if n < 4 || buf[0] != wgMessageResponse {
		return model.Success{}, &fault.HandshakeError{Msg: "not a wireguard handshake response", Code: int(buf[0])}
	}
	return model.Success{Latency: latency}, nil
}

// buildInitiation builds the first Noise IK message toward peer using a
// fresh ephemeral and a fresh static key.
func buildInitiation(peer [32]byte) ([]byte, error) {
	var ephPriv, ephPub, staticPriv, staticPub [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(staticPriv[:]); err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)
	curve25519.ScalarBaseMult(&staticPub, &staticPriv)

	ck := blake2sSum([]byte(noiseConstruction))
	h := blake2sSum(ck[:], []byte(wgIdentifier))
	h = blake2sSum(h[:], peer[:])

	msg := make([]byte, wgInitiationSize)
	msg[0] = wgMessageInitiation
	if _, err := rand.Read(msg[4:8]); err != nil {
		return nil, err
	}

	copy(msg[8:40], ephPub[:])
	h = blake2sSum(h[:], ephPub[:])
	ck, _ = kdf2(ck[:], ephPub[:])

	ss, err := curve25519.X25519(ephPriv[:], peer[:])
	if err != nil {
		return nil, err
	}
	var k [32]byte
	ck, k = kdf2(ck[:], ss)
	if err := seal(msg[40:88], k, 0, staticPub[:], h[:]); err != nil {
		return nil, err
	}
	h = blake2sSum(h[:], msg[40:88])

	ss, err = curve25519.X25519(staticPriv[:], peer[:])
	if err != nil {
		return nil, err
	}
	_, k = kdf2(ck[:], ss)
	ts := tai64n(time.Now())
	if err := seal(msg[88:116], k, 0, ts[:], h[:]); err != nil {
		return nil, err
	}

	mac1Key := blake2sSum([]byte(wgLabelMAC1), peer[:])
	mac, err := blake2s.New128(mac1Key[:])
	if err != nil {
		return nil, err
	}
	mac.Write(msg[:116])
	copy(msg[116:132], mac.Sum(nil))
	// mac2 stays zero: no cookie
	return msg, nil
}

func seal(dst []byte, key [32]byte, counter uint64, plaintext, ad []byte) error {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	copy(dst, aead.Seal(nil, nonce[:], plaintext, ad))
	return nil
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func blake2sSum(data ...[]byte) [32]byte {
	h := newBlake2s()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func hmacBlake2s(key []byte, data ...[]byte) [32]byte {
	mac := hmac.New(newBlake2s, key)
	for _, d := range data {
		mac.Write(d)
	}
	var out [32]byte
	mac.Sum(out[:0])
	return out
}

// kdf2 is the two-output HKDF used by the Noise handshake.
func kdf2(ck, input []byte) ([32]byte, [32]byte) {
	prk := hmacBlake2s(ck, input)
	t1 := hmacBlake2s(prk[:], []byte{0x01})
	t2 := hmacBlake2s(prk[:], t1[:], []byte{0x02})
	return t1, t2
}

// tai64n encodes t as a 12-byte TAI64N label.
func tai64n(t time.Time) [12]byte {
	var ts [12]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(t.Unix())+4611686018427387914)
	binary.BigEndian.PutUint32(ts[8:], uint32(t.Nanosecond()))
	return ts
}
