package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/model"
	"edge-endpoint-probe/internal/rawhttp"

	"github.com/pkg/errors"
)

// sinkListener accepts connections and keeps them open until the test ends.
func sinkListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(io.Discard, c) }()
		}
	}()
	return ln
}

// dialTo ignores the endpoint address and always dials ln.
func dialTo(ln net.Listener) DialFunc {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, ln.Addr().String())
	}
}

func endpoint(port int) model.Endpoint {
	return model.Endpoint{Address: "192.0.2.1", Port: port}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func TestAcquireAfterReleaseReturnsSameConn(t *testing.T) {
	p := newTestPool(t, Config{Dial: dialTo(sinkListener(t))})
	ctx := context.Background()

	first, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p.Release(first)

	second, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first != second {
		t.Fatal("expected the released connection to be reused")
	}
	p.Release(second)

	st := p.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Created != 1 || st.Size != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestAcquireBusyAndDiscard(t *testing.T) {
	p := newTestPool(t, Config{Dial: dialTo(sinkListener(t))})
	ctx := context.Background()

	c, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := p.Acquire(ctx, endpoint(1), false); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	p.Discard(c)
	if p.Len() != 0 {
		t.Fatalf("discarded entry still pooled: len=%d", p.Len())
	}
	fresh, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if fresh == c {
		t.Fatal("discarded connection was handed out again")
	}
	if st := p.Stats(); st.Created != 2 || st.Closed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestConnectTimeout(t *testing.T) {
	blocking := func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	const timeout = 100 * time.Millisecond
	p := newTestPool(t, Config{ConnectTimeout: timeout, Dial: blocking})

	start := time.Now()
	_, err := p.Acquire(context.Background(), endpoint(1), false)
	elapsed := time.Since(start)

	if got := fault.Reason(err); got != "timeout:connect" {
		t.Fatalf("unexpected reason: got=%s want=timeout:connect (err=%v)", got, err)
	}
	var connErr *fault.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("timeout should wrap a ConnectError, got %v", err)
	}
	if elapsed > timeout+200*time.Millisecond {
		t.Fatalf("connect timeout took too long: %s", elapsed)
	}
	if p.Len() != 0 {
		t.Fatal("failed connect left a stale entry")
	}
	if st := p.Stats(); st.Errors != 1 {
		t.Fatalf("errors: got=%d want=1", st.Errors)
	}
}

func TestEvictIdle(t *testing.T) {
	p := newTestPool(t, Config{IdleTimeout: 20 * time.Millisecond, EvictInterval: time.Hour, Dial: dialTo(sinkListener(t))})
	ctx := context.Background()

	idle, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(idle)
	busy, err := p.Acquire(ctx, endpoint(2), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := p.EvictIdle(false); n != 1 {
		t.Fatalf("evicted: got=%d want=1", n)
	}
	if p.Len() != 1 {
		t.Fatalf("checked-out connection must survive eviction, len=%d", p.Len())
	}
	p.Release(busy)
}

func TestInsertEvictsOldestIdleOverCap(t *testing.T) {
	p := newTestPool(t, Config{MaxSize: 2, EvictInterval: time.Hour, Dial: dialTo(sinkListener(t))})
	ctx := context.Background()

	for port := 1; port <= 3; port++ {
		c, err := p.Acquire(ctx, endpoint(port), false)
		if err != nil {
			t.Fatalf("acquire %d: %v", port, err)
		}
		p.Release(c)
		time.Sleep(5 * time.Millisecond)
	}
	if p.Len() != 2 {
		t.Fatalf("pool over cap: len=%d want=2", p.Len())
	}

	// the oldest idle entry (port 1) was evicted, so this is a fresh miss
	before := p.Stats().Created
	c, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)
	if p.Stats().Created != before+1 {
		t.Fatal("expected port 1 to have been evicted")
	}
}

func TestInsertEvictsExpiredIdle(t *testing.T) {
	p := newTestPool(t, Config{IdleTimeout: 20 * time.Millisecond, EvictInterval: time.Hour, Dial: dialTo(sinkListener(t))})
	ctx := context.Background()

	c, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)
	time.Sleep(40 * time.Millisecond)

	// well under MaxSize; the expired entry still goes on this insert
	fresh, err := p.Acquire(ctx, endpoint(2), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(fresh)
	if p.Len() != 1 {
		t.Fatalf("expired idle entry survived the insert: len=%d want=1", p.Len())
	}
	if st := p.Stats(); st.Closed != 1 {
		t.Fatalf("closed: got=%d want=1", st.Closed)
	}
}

func TestCancelDestroysCheckedOutConn(t *testing.T) {
	p := newTestPool(t, Config{Dial: dialTo(sinkListener(t))})
	ctx, cancel := context.WithCancel(context.Background())

	c, err := p.Acquire(ctx, endpoint(1), false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := c.NetConn().Read(make([]byte, 1))
		readErr <- err
	}()
	cancel()

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected read on destroyed conn to fail")
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock the pending read")
	}

	p.Release(c)
	if p.Len() != 0 {
		t.Fatal("destroyed connection went back into the pool")
	}
}

func TestSecureUpgradeInPlace(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ip=198.51.100.9\ncolo=SJC\n")
	}))
	defer srv.Close()

	_, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ep := model.Endpoint{Address: "127.0.0.1", Port: port}

	p := newTestPool(t, Config{ServerName: "example.com", Fingerprint: "golang"})
	ctx := context.Background()

	plain, err := p.Acquire(ctx, ep, false)
	if err != nil {
		t.Fatalf("plain acquire: %v", err)
	}
	if plain.Secure() {
		t.Fatal("plain acquire should not upgrade")
	}
	p.Release(plain)

	secure, err := p.Acquire(ctx, ep, true)
	if err != nil {
		t.Fatalf("secure acquire: %v", err)
	}
	if secure != plain || !secure.Secure() {
		t.Fatal("expected the cached connection to be upgraded in place")
	}

	req := rawhttp.Request{Host: "example.com", Path: "/cdn-cgi/trace", UserAgent: "pool-test"}
	if err := rawhttp.WriteRequest(secure.NetConn(), req); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := rawhttp.ReadResponse(secure.NetConn(), time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	trace, err := rawhttp.ParseTrace(resp.Body)
	if err != nil || trace.Colo != "SJC" {
		t.Fatalf("unexpected trace: %+v err=%v", trace, err)
	}
	p.Release(secure)
}

func TestUnknownFingerprint(t *testing.T) {
	if _, err := New(Config{Fingerprint: "netscape"}); err == nil {
		t.Fatal("expected unknown fingerprint to fail")
	}
}
