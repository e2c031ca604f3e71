package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/handshake"
	"edge-endpoint-probe/internal/logging"
	"edge-endpoint-probe/internal/model"
	"edge-endpoint-probe/internal/pool"
	"edge-endpoint-probe/internal/rawhttp"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type TunnelConfig struct {
	Request handshake.Request
	// Path and Host of the websocket upgrade request. Host defaults to the endpoint address.
	Path string
	Host string
	// EgressProbe sends Trace as the initial payload and parses the relayed response.
	EgressProbe      bool
	Trace            rawhttp.Request
	SecurePorts      SecurePorts
	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration
	Logger           logrus.FieldLogger
}

// Tunnel upgrades a pooled connection to a websocket, sends the binary
// handshake as the first message and waits for the relay to accept it.
type Tunnel struct {
	pool *pool.Pool
	cfg  TunnelConfig
	log  logrus.FieldLogger
}

func NewTunnel(p *pool.Pool, cfg TunnelConfig) (*Tunnel, error) {
	if _, err := cfg.Request.MarshalBinary(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &Tunnel{pool: p, cfg: cfg, log: logging.Component(cfg.Logger, "tunnel")}, nil
}

func (t *Tunnel) Name() string { return "tunnel" }

// Probe latency runs from upgrade completion to the validating response.
// An upgraded stream cannot go back to plain HTTP, so the pooled
// connection is always discarded.
func (t *Tunnel) Probe(ctx context.Context, ep model.Endpoint) (model.Success, error) {
	secure := t.cfg.SecurePorts.Has(ep.Port)
	c, err := t.pool.Acquire(ctx, ep, secure)
	if err != nil {
		return model.Success{}, err
	}
	defer t.pool.Discard(c)

	ws, err := t.upgrade(ctx, ep, c.NetConn(), secure)
	if err != nil {
		return model.Success{}, err
	}
	upgradedAt := time.Now()
	deadline := upgradedAt.Add(t.cfg.ResponseTimeout)

	var payload []byte
	if t.cfg.EgressProbe {
		payload = t.cfg.Trace.Bytes()
	}
	msg, err := t.cfg.Request.Encode(payload)
	if err != nil {
		return model.Success{}, err
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return model.Success{}, &fault.IOError{Op: "write handshake", Err: err}
	}

	_ = ws.SetReadDeadline(deadline)
	_, first, err := ws.ReadMessage()
	if err != nil {
		return model.Success{}, firstMessageError(err)
	}
	rest, err := handshake.Validate(first)
	latency := time.Since(upgradedAt)
	if err != nil {
		return model.Success{}, err
	}
	if !t.cfg.EgressProbe {
		return model.Success{Latency: latency}, nil
	}

	stream := &wsStream{conn: ws, pending: rest}
	resp, err := rawhttp.ReadResponse(stream, time.Until(deadline))
	if err != nil {
		return model.Success{}, errors.WithMessage(err, "relayed trace")
	}
	trace, err := rawhttp.ParseTrace(resp.Body)
	if err != nil {
		return model.Success{}, err
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(100*time.Millisecond))
	return model.Success{Latency: latency, EgressIP: trace.IP, EgressCode: trace.Colo}, nil
}

// upgrade runs the websocket handshake over conn. gorilla skips its own
// dial and TLS handshake because both dial hooks return conn.
func (t *Tunnel) upgrade(ctx context.Context, ep model.Endpoint, conn net.Conn, secure bool) (*websocket.Conn, error) {
	reuse := func(context.Context, string, string) (net.Conn, error) { return conn, nil }
	dialer := websocket.Dialer{
		NetDialContext:    reuse,
		NetDialTLSContext: reuse,
		HandshakeTimeout:  t.cfg.HandshakeTimeout,
	}

	host := t.cfg.Host
	if host == "" {
		host = ep.Address
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(ep.Port)), Path: t.cfg.Path}
	if secure {
		u.Scheme = "wss"
	}
	if (secure && ep.Port == 443) || (!secure && ep.Port == 80) {
		u.Host = host
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			u.Host = "[" + host + "]"
		}
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if fault.IsTimeout(err) && ctx.Err() == nil {
			return nil, &fault.TimeoutError{Phase: fault.PhaseHandshake, Err: err}
		}
		if resp != nil {
			return nil, &fault.ProtocolError{Msg: "websocket upgrade refused: " + resp.Status, Err: err}
		}
		return nil, &fault.ProtocolError{Msg: "websocket upgrade", Err: err}
	}
	return ws, nil
}

func firstMessageError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case fault.IsTimeout(err):
		return &fault.HandshakeError{Msg: "no response within window", Code: -1}
	case errors.As(err, &closeErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &fault.HandshakeError{Msg: "stream closed before response", Code: -1}
	default:
		return &fault.IOError{Op: "read handshake response", Err: err}
	}
}

// wsStream presents successive websocket messages as one byte stream,
// starting with bytes left over from the handshake response.
type wsStream struct {
	conn    *websocket.Conn
	pending []byte
	r       io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			return n, nil
		}
		if s.r != nil {
			n, err := s.r.Read(p)
			if err == io.EOF {
				s.r = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		_, r, err := s.conn.NextReader()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, io.EOF
			}
			return 0, err
		}
		s.r = r
	}
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}
