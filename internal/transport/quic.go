package transport

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/model"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

type QUICConfig struct {
	ServerName string
	Timeout    time.Duration
}

// QUIC measures QUIC handshake RTT with h3 ALPN. It reports latency only.
type QUIC struct {
	cfg QUICConfig
}

func NewQUIC(cfg QUICConfig) *QUIC {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &QUIC{cfg: cfg}
}

func (q *QUIC) Name() string { return "quic" }

// Probe counts a handshake the server rejected (e.g. for a missing client
// certificate) as a valid RTT sample: the server answered the ClientHello.
// Only a handshake that never got a reply before the timeout fails.
func (q *QUIC) Probe(ctx context.Context, ep model.Endpoint) (model.Success, error) {
	probeCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	tlsConf := &tls.Config{
		ServerName:         q.cfg.ServerName,
		InsecureSkipVerify: true,
		NextProtos:         []string{"h3"},
	}
	quicConf := &quic.Config{
		HandshakeIdleTimeout: q.cfg.Timeout,
	}

	start := time.Now()
	conn, err := quic.DialAddr(probeCtx, ep.HostPort(), tlsConf, quicConf)
	latency := time.Since(start)
	if conn != nil {
		_ = conn.CloseWithError(0, "probe")
	}
	if err == nil {
		return model.Success{Latency: latency}, nil
	}

	if !rejectedByPeer(err) {
		if fault.IsTimeout(err) || probeCtx.Err() != nil {
			if ctx.Err() != nil {
				return model.Success{}, errors.Wrap(ctx.Err(), "quic handshake")
			}
			return model.Success{}, &fault.TimeoutError{Phase: fault.PhaseHandshake, Err: err}
		}
		return model.Success{}, &fault.ConnectError{Addr: ep.HostPort(), Err: err}
	}
	if latency >= q.cfg.Timeout-50*time.Millisecond {
		return model.Success{}, &fault.TimeoutError{Phase: fault.PhaseHandshake, Err: err}
	}
	return model.Success{Latency: latency}, nil
}

func rejectedByPeer(err error) bool {
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) && transportErr.Remote {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "CRYPTO_ERROR") || strings.Contains(s, "APPLICATION_ERROR")
}
