// Package transport holds the per-attempt probe strategies. Each strategy
// runs exactly one exchange against an endpoint and reports its latency,
// plus the egress identity when the exchange reveals it.
package transport

import (
	"context"
	"time"

	"edge-endpoint-probe/internal/logging"
	"edge-endpoint-probe/internal/model"
	"edge-endpoint-probe/internal/pool"
	"edge-endpoint-probe/internal/rawhttp"

	"github.com/sirupsen/logrus"
)

// SecurePorts is the set of ports spoken to over TLS.
type SecurePorts map[int]struct{}

func NewSecurePorts(ports []int) SecurePorts {
	s := make(SecurePorts, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

func (s SecurePorts) Has(port int) bool {
	_, ok := s[port]
	return ok
}

type TraceConfig struct {
	Request         rawhttp.Request
	SecurePorts     SecurePorts
	ResponseTimeout time.Duration
	Logger          logrus.FieldLogger
}

// Trace sends the diagnostic GET over a pooled connection and reads the
// egress IP and datacenter code from the body.
type Trace struct {
	pool *pool.Pool
	cfg  TraceConfig
	log  logrus.FieldLogger
}

func NewTrace(p *pool.Pool, cfg TraceConfig) *Trace {
	return &Trace{pool: p, cfg: cfg, log: logging.Component(cfg.Logger, "trace")}
}

func (t *Trace) Name() string { return "trace" }

// Probe measures from request write to the last response byte. The
// connection goes back to the pool only after a clean, reusable exchange.
func (t *Trace) Probe(ctx context.Context, ep model.Endpoint) (model.Success, error) {
	c, err := t.pool.Acquire(ctx, ep, t.cfg.SecurePorts.Has(ep.Port))
	if err != nil {
		return model.Success{}, err
	}
	conn := c.NetConn()

	start := time.Now()
	_ = conn.SetWriteDeadline(start.Add(t.cfg.ResponseTimeout))
	if err := rawhttp.WriteRequest(conn, t.cfg.Request); err != nil {
		t.discard(c, ep, err)
		return model.Success{}, err
	}
	_ = conn.SetWriteDeadline(time.Time{})

	resp, err := rawhttp.ReadResponse(conn, t.cfg.ResponseTimeout)
	latency := time.Since(start)
	if err != nil {
		t.discard(c, ep, err)
		return model.Success{}, err
	}
	trace, err := rawhttp.ParseTrace(resp.Body)
	if err != nil {
		t.discard(c, ep, err)
		return model.Success{}, err
	}

	if resp.Reusable {
		t.pool.Release(c)
	} else {
		t.pool.Discard(c)
	}
	t.log.WithFields(logrus.Fields{"endpoint": ep.String(), "colo": trace.Colo, "latency": latency}).Trace("trace ok")
	return model.Success{Latency: latency, EgressIP: trace.IP, EgressCode: trace.Colo}, nil
}

// discard drops a connection after a failed exchange. Reused connections are
// not checked for liveness, so their age goes into the log.
func (t *Trace) discard(c *pool.Conn, ep model.Endpoint, err error) {
	t.log.WithFields(logrus.Fields{
		"endpoint": ep.String(),
		"conn_age": time.Since(c.CreatedAt()).Round(time.Millisecond),
	}).Debugf("exchange failed: %v", err)
	t.pool.Discard(c)
}
