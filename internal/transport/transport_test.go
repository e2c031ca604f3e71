package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"edge-endpoint-probe/internal/fault"
	"edge-endpoint-probe/internal/handshake"
	"edge-endpoint-probe/internal/model"
	"edge-endpoint-probe/internal/pool"
	"edge-endpoint-probe/internal/rawhttp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
)

const traceBody = "fl=1\nip=203.0.113.7\ncolo=HKG\nloc=HK\nhttp=http/1.1\ntls=off\n"

var traceRequest = rawhttp.Request{Host: "speed.cloudflare.com", Path: "/cdn-cgi/trace", UserAgent: "transport-test"}

func serverEndpoint(t *testing.T, addr string) model.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return model.Endpoint{Address: host, Port: port, Tag: "HK1"}
}

func newPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{ServerName: "speed.cloudflare.com", Fingerprint: "golang"})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func TestTracePlainReusesConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cdn-cgi/trace" || r.Host != "speed.cloudflare.com" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, traceBody)
	}))
	defer srv.Close()

	p := newPool(t)
	tr := NewTrace(p, TraceConfig{Request: traceRequest, ResponseTimeout: time.Second})
	ep := serverEndpoint(t, srv.Listener.Addr().String())

	for round := 0; round < 2; round++ {
		s, err := tr.Probe(context.Background(), ep)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if s.EgressIP != "203.0.113.7" || s.EgressCode != "HKG" || s.Latency <= 0 {
			t.Fatalf("round %d: unexpected success %+v", round, s)
		}
	}
	if st := p.Stats(); st.Created != 1 || st.Hits != 1 {
		t.Fatalf("expected connection reuse, stats=%+v", st)
	}
}

func TestTraceChunkedOverTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "fl=1\nip=203.0.113.7\n")
		flusher.Flush()
		fmt.Fprint(w, "colo=NRT\n")
		flusher.Flush()
	}))
	defer srv.Close()

	ep := serverEndpoint(t, srv.Listener.Addr().String())
	tr := NewTrace(newPool(t), TraceConfig{
		Request:         traceRequest,
		SecurePorts:     NewSecurePorts([]int{ep.Port}),
		ResponseTimeout: time.Second,
	})
	s, err := tr.Probe(context.Background(), ep)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.EgressCode != "NRT" {
		t.Fatalf("unexpected colo: got=%s want=NRT", s.EgressCode)
	}
}

func TestTraceUnexpectedStatusDiscards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	p := newPool(t)
	tr := NewTrace(p, TraceConfig{Request: traceRequest, ResponseTimeout: time.Second})
	_, err := tr.Probe(context.Background(), serverEndpoint(t, srv.Listener.Addr().String()))
	if got := fault.Reason(err); got != "status" {
		t.Fatalf("unexpected reason: got=%s want=status (err=%v)", got, err)
	}
	if p.Len() != 0 {
		t.Fatal("failed exchange must not return its connection to the pool")
	}
}

var testClientID = uuid.MustParse("b831381d-6324-4d53-ad4f-8cda48b30811")

// relayServer upgrades to a websocket, checks the handshake header and
// answers according to reply.
func relayServer(t *testing.T, reply func(ws *websocket.Conn, first []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, first, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(first) < 17 || uuid.UUID(first[1:17]) != testClientID {
			_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0, 9})
			return
		}
		reply(ws, first)
	}))
}

func newTunnel(t *testing.T, egress bool) *Tunnel {
	t.Helper()
	tun, err := NewTunnel(newPool(t), TunnelConfig{
		Request: handshake.Request{
			ClientID: testClientID,
			Port:     80,
			Address:  "speed.cloudflare.com",
		},
		Path:             "/ws",
		Host:             "relay.example.com",
		EgressProbe:      egress,
		Trace:            traceRequest,
		HandshakeTimeout: time.Second,
		ResponseTimeout:  300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new tunnel: %v", err)
	}
	return tun
}

func TestTunnelHandshakeWithEgress(t *testing.T) {
	srv := relayServer(t, func(ws *websocket.Conn, first []byte) {
		resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(traceBody)) + "\r\n\r\n"
		_ = ws.WriteMessage(websocket.BinaryMessage, append([]byte{0, 0}, resp[:10]...))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte(resp[10:]+traceBody))
	})
	defer srv.Close()

	s, err := newTunnel(t, true).Probe(context.Background(), serverEndpoint(t, srv.Listener.Addr().String()))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.EgressIP != "203.0.113.7" || s.EgressCode != "HKG" {
		t.Fatalf("unexpected egress: %+v", s)
	}
}

func TestTunnelHandshakeFailures(t *testing.T) {
	testCases := []struct {
		name  string
		reply func(ws *websocket.Conn, first []byte)
	}{
		{name: "rejected", reply: func(ws *websocket.Conn, _ []byte) {
			_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0, 1})
		}},
		{name: "silent", reply: func(ws *websocket.Conn, _ []byte) {
			time.Sleep(time.Second)
		}},
		{name: "closed", reply: func(ws *websocket.Conn, _ []byte) {
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			srv := relayServer(t, testCase.reply)
			defer srv.Close()

			_, err := newTunnel(t, false).Probe(context.Background(), serverEndpoint(t, srv.Listener.Addr().String()))
			if got := fault.Reason(err); got != "handshake" {
				t.Fatalf("unexpected reason: got=%s want=handshake (err=%v)", got, err)
			}
		})
	}
}

func TestTunnelUpgradeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTunnel(t, false).Probe(context.Background(), serverEndpoint(t, srv.Listener.Addr().String()))
	if got := fault.Reason(err); got != "protocol" {
		t.Fatalf("unexpected reason: got=%s want=protocol (err=%v)", got, err)
	}
}

func TestBuildInitiation(t *testing.T) {
	w, err := NewWireGuard(WireGuardConfig{})
	if err != nil {
		t.Fatalf("new wireguard: %v", err)
	}
	packet, err := buildInitiation(w.peer)
	if err != nil {
		t.Fatalf("buildInitiation failed: %v", err)
	}
	if len(packet) != wgInitiationSize {
		t.Fatalf("unexpected packet size: got=%d want=%d", len(packet), wgInitiationSize)
	}
	if packet[0] != wgMessageInitiation {
		t.Fatalf("unexpected message type: got=%d want=%d", packet[0], wgMessageInitiation)
	}
	for _, b := range packet[132:] {
		if b != 0 {
			t.Fatal("mac2 must be zero without a cookie")
		}
	}
}

func TestWireGuardProbe(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 512)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil || n != wgInitiationSize || buf[0] != wgMessageInitiation {
			return
		}
		resp := make([]byte, wgResponseSize)
		resp[0] = wgMessageResponse
		_, _ = pc.WriteTo(resp, addr)
	}()

	w, err := NewWireGuard(WireGuardConfig{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new wireguard: %v", err)
	}
	s, err := w.Probe(context.Background(), serverEndpoint(t, pc.LocalAddr().String()))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.Latency <= 0 || s.EgressCode != "" {
		t.Fatalf("unexpected success: %+v", s)
	}
}

func TestWireGuardInvalidKey(t *testing.T) {
	if _, err := NewWireGuard(WireGuardConfig{PeerPublicKey: "c2hvcnQ="}); err == nil {
		t.Fatal("expected short key to fail")
	}
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "probe.test"},
		DNSNames:     []string{"probe.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{"h3"},
	}
}

func TestQUICHandshake(t *testing.T) {
	ln, err := quic.ListenAddr("127.0.0.1:0", selfSignedTLS(t), nil)
	if err != nil {
		t.Fatalf("listen quic: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				<-conn.Context().Done()
			}()
		}
	}()

	q := NewQUIC(QUICConfig{ServerName: "probe.test", Timeout: time.Second})
	s, err := q.Probe(context.Background(), serverEndpoint(t, ln.Addr().String()))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.Latency <= 0 || s.Latency >= time.Second {
		t.Fatalf("unexpected latency: %s", s.Latency)
	}
}

func TestQUICSilentPeerTimesOut(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer pc.Close()

	q := NewQUIC(QUICConfig{ServerName: "probe.test", Timeout: 200 * time.Millisecond})
	start := time.Now()
	_, err = q.Probe(context.Background(), serverEndpoint(t, pc.LocalAddr().String()))
	if got := fault.Reason(err); got != "timeout:handshake" {
		t.Fatalf("unexpected reason: got=%s want=timeout:handshake (err=%v)", got, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("silent peer took too long: %s", elapsed)
	}
}
