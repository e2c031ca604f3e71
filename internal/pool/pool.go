// Package pool keeps at most one live connection per endpoint so successive
// probe rounds can reuse an already-connected (and already TLS-upgraded)
// socket. A connection is checked out exclusively by Acquire and returned
// with Release, or destroyed with Discard.
package pool

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/logging"
	"edge-endpoint-probe/internal/model"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy means the endpoint's connection is already checked out.
	ErrBusy = fault.ErrBusy
	// ErrClosed is returned by Acquire after Shutdown.
	ErrClosed = errors.New("pool: shut down")
)

// DialFunc opens the transport connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds pool parameters.
type Config struct {
	ConnectTimeout   time.Duration // default 2s
	HandshakeTimeout time.Duration // default 2s
	IdleTimeout      time.Duration // default 30s
	MaxSize          int           // default 256
	EvictInterval    time.Duration // default 5s
	ServerName       string
	Fingerprint      string
	Dial             DialFunc
	Logger           logrus.FieldLogger
}

// Stats are cumulative pool counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Created uint64
	Closed  uint64
	Errors  uint64
	Size    int
}

// Conn is one pooled connection: the raw socket plus an optional TLS layer.
type Conn struct {
	key        string
	raw        net.Conn
	tls        *utls.UConn
	createdAt  time.Time
	lastUsedAt time.Time
	busy       bool
	destroyed  atomic.Bool
	stop       func() bool
}

// NetConn returns the outermost layer: the TLS conn when upgraded, else the raw socket.
func (c *Conn) NetConn() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

func (c *Conn) Secure() bool { return c.tls != nil }

func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// destroy closes the socket once; reports whether this call closed it.
// The raw socket is closed directly so a stuck peer cannot block the close.
func (c *Conn) destroy() bool {
	if !c.destroyed.CompareAndSwap(false, true) {
		return false
	}
	_ = c.raw.Close()
	return true
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg         Config
	fingerprint utls.ClientHelloID
	log         logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*Conn
	closed  bool

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
	closes  atomic.Uint64
	errs    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool and starts the idle eviction goroutine.
func New(cfg Config) (*Pool, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 256
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = 5 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	id, err := ParseFingerprint(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		fingerprint: id,
		log:         logging.Component(cfg.Logger, "pool"),
		entries:     make(map[string]*Conn),
		cancel:      cancel,
	}
	p.wg.Add(1)
	go p.cleanup(ctx, cfg.EvictInterval)
	return p, nil
}

// Acquire checks out the endpoint's connection, creating it on a miss.
// With wantSecure, a plain cached connection is upgraded in place. Cancelling
// ctx while the connection is checked out destroys the socket, which
// unblocks any pending read or write.
func (p *Pool) Acquire(ctx context.Context, ep model.Endpoint, wantSecure bool) (*Conn, error) {
	key := ep.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	c := p.entries[key]
	if c != nil && c.destroyed.Load() {
		delete(p.entries, key)
		c = nil
	}
	if c != nil {
		if c.busy {
			p.mu.Unlock()
			return nil, ErrBusy
		}
		c.busy = true
		p.mu.Unlock()
		p.hits.Add(1)

		if wantSecure && c.tls == nil {
			if err := p.upgrade(ctx, c); err != nil {
				p.errs.Add(1)
				p.remove(c)
				return nil, err
			}
		}
		p.arm(ctx, c)
		return c, nil
	}
	p.mu.Unlock()
	p.misses.Add(1)

	c, err := p.open(ctx, ep, wantSecure)
	if err != nil {
		p.errs.Add(1)
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.destroy()
		return nil, ErrClosed
	}
	if old := p.entries[key]; old != nil && old.destroy() {
		p.closes.Add(1)
	}
	p.entries[key] = c
	p.created.Add(1)
	p.evictLocked(time.Now(), len(p.entries) > p.cfg.MaxSize)
	p.mu.Unlock()

	p.arm(ctx, c)
	return c, nil
}

func (p *Pool) open(ctx context.Context, ep model.Endpoint, wantSecure bool) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	raw, err := p.cfg.Dial(dialCtx, "tcp", ep.HostPort())
	if err != nil {
		connErr := &fault.ConnectError{Addr: ep.HostPort(), Err: err}
		if ctx.Err() == nil && (dialCtx.Err() != nil || fault.IsTimeout(err)) {
			return nil, &fault.TimeoutError{Phase: fault.PhaseConnect, Err: connErr}
		}
		return nil, connErr
	}

	now := time.Now()
	c := &Conn{key: ep.Key(), raw: raw, createdAt: now, lastUsedAt: now, busy: true}
	if wantSecure {
		if err := p.upgrade(ctx, c); err != nil {
			c.destroy()
			return nil, err
		}
	}
	return c, nil
}

func (p *Pool) upgrade(ctx context.Context, c *Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()

	uconn, err := newUConn(c.raw, p.cfg.ServerName, p.fingerprint)
	if err != nil {
		return &fault.TLSError{Addr: c.key, ServerName: p.cfg.ServerName, Err: err}
	}
	if err := uconn.HandshakeContext(hsCtx); err != nil {
		tlsErr := &fault.TLSError{Addr: c.key, ServerName: p.cfg.ServerName, Err: err}
		if ctx.Err() == nil && (hsCtx.Err() != nil || fault.IsTimeout(err)) {
			return &fault.TimeoutError{Phase: fault.PhaseHandshake, Err: tlsErr}
		}
		return tlsErr
	}
	c.tls = uconn
	return nil
}

// arm destroys the socket if ctx ends before the connection is returned.
func (p *Pool) arm(ctx context.Context, c *Conn) {
	c.stop = context.AfterFunc(ctx, func() {
		if c.destroy() {
			p.closes.Add(1)
		}
	})
}

func (c *Conn) disarm() {
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
}

// Release returns a checked-out connection for reuse. A connection destroyed
// while checked out is dropped instead.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	c.disarm()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[c.key] != c {
		if c.destroy() {
			p.closes.Add(1)
		}
		return
	}
	if c.destroyed.Load() {
		delete(p.entries, c.key)
		return
	}
	c.busy = false
	c.lastUsedAt = time.Now()
}

// Discard destroys a checked-out connection and drops its entry.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}
	c.disarm()
	p.remove(c)
}

func (p *Pool) remove(c *Conn) {
	if c.destroy() {
		p.closes.Add(1)
	}
	p.mu.Lock()
	if p.entries[c.key] == c {
		delete(p.entries, c.key)
	}
	p.mu.Unlock()
}

// EvictIdle drops idle connections older than the idle timeout. With force
// it also trims the oldest idle entries until the pool is within MaxSize.
// Checked-out connections are never evicted.
func (p *Pool) EvictIdle(force bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictLocked(time.Now(), force)
}

// evictLocked must be called with p.mu held.
func (p *Pool) evictLocked(now time.Time, force bool) int {
	evicted := 0
	for k, c := range p.entries {
		if c.busy {
			continue
		}
		if c.destroyed.Load() || now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout {
			if c.destroy() {
				p.closes.Add(1)
			}
			delete(p.entries, k)
			evicted++
		}
	}
	if !force || len(p.entries) <= p.cfg.MaxSize {
		return evicted
	}

	idle := make([]*Conn, 0, len(p.entries))
	for _, c := range p.entries {
		if !c.busy {
			idle = append(idle, c)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastUsedAt.Before(idle[j].lastUsedAt)
	})
	for _, c := range idle {
		if len(p.entries) <= p.cfg.MaxSize {
			break
		}
		if c.destroy() {
			p.closes.Add(1)
		}
		delete(p.entries, c.key)
		evicted++
	}
	return evicted
}

func (p *Pool) cleanup(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictIdle(true); n > 0 {
				p.log.Debugf("evicted %d idle connections, %d remaining", n, p.Len())
			}
		}
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Hits:    p.hits.Load(),
		Misses:  p.misses.Load(),
		Created: p.created.Load(),
		Closed:  p.closes.Load(),
		Errors:  p.errs.Load(),
		Size:    p.Len(),
	}
}

// Shutdown stops eviction and destroys every connection. It is safe to call twice.
func (p *Pool) Shutdown() Stats {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for k, c := range p.entries {
			if c.destroy() {
				p.closes.Add(1)
			}
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	st := p.Stats()
	p.log.WithFields(logrus.Fields{
		"hits":    st.Hits,
		"misses":  st.Misses,
		"created": st.Created,
		"closed":  st.Closed,
		"errors":  st.Errors,
	}).Info("connection pool stopped")
	return st
}
