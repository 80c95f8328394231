package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/freeviewer/internal/certutil"
)

func newServerTLS(t *testing.T) (*certutil.Cert, *Endpoint, *QUICListener) {
	t.Helper()
	cert, err := certutil.GenerateSelfSigned(certutil.DefaultOptions("test"))
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	tlsConfig, err := ServerTLSConfig(cert)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	ep, err := NewEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	ln, err := ep.Listen(ListenOptions{TLSConfig: tlsConfig})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return cert, ep, ln
}

func echoOnce(t *testing.T, ln Listener) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}
		stream.Write(buf)
	}()
}

func roundTrip(t *testing.T, conn PeerConn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want hello", buf)
	}
}

func TestQUICEndpointEcho(t *testing.T) {
	cert, _, ln := newServerTLS(t)
	echoOnce(t, ln)

	client, err := NewEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer client.Close()

	conn, err := client.Dial(context.Background(), ln.Addr().String(), DialOptions{
		PinnedFingerprint: cert.Fingerprint(),
		Timeout:           5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if !conn.Multiplexed() {
		t.Error("QUIC connection should be multiplexed")
	}
	if !conn.IsDialer() {
		t.Error("IsDialer should be true on the dialing side")
	}
	roundTrip(t, conn)
}

func TestQUICPinMismatch(t *testing.T) {
	_, _, ln := newServerTLS(t)

	client, err := NewEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer client.Close()

	_, err = client.Dial(context.Background(), ln.Addr().String(), DialOptions{
		PinnedFingerprint: "sha256:00",
		Timeout:           3 * time.Second,
	})
	if err == nil {
		t.Fatal("Dial should fail with a mismatched pin")
	}
}

func TestDialFirstPicksReachableCandidate(t *testing.T) {
	_, _, ln := newServerTLS(t)
	echoOnce(t, ln)

	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer silent.Close()

	client, err := NewEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer client.Close()

	conn, addr, err := client.DialFirst(context.Background(),
		[]string{silent.LocalAddr().String(), ln.Addr().String()},
		DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("DialFirst: %v", err)
	}
	defer conn.Close()

	if addr != ln.Addr().String() {
		t.Errorf("winner = %s, want %s", addr, ln.Addr())
	}
	roundTrip(t, conn)
}

func TestDialFirstAllUnreachable(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer silent.Close()

	client, err := NewEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer client.Close()

	start := time.Now()
	_, _, err = client.DialFirst(context.Background(), []string{silent.LocalAddr().String()},
		DialOptions{Timeout: 300 * time.Millisecond})
	if err == nil {
		t.Fatal("DialFirst should fail")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("DialFirst took %v", time.Since(start))
	}
}

func TestPunchSendsDatagram(t *testing.T) {
	target, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer target.Close()

	ep, err := NewEndpoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	defer ep.Close()

	if n := ep.Punch([]string{target.LocalAddr().String(), "not an address"}); n != 1 {
		t.Fatalf("Punch sent %d, want 1", n)
	}

	target.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, from, err := target.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if buf[0] != 0x00 || n != len(punchPayload) {
		t.Errorf("unexpected punch packet %x", buf[:n])
	}
	if from.Port != ep.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("punch came from port %d, want endpoint port", from.Port)
	}
}

func TestWebSocketPlainTextEcho(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{PlainText: true})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	echoOnce(t, ln)

	conn, err := tr.Dial(context.Background(), "ws://"+ln.Addr().String()+wsDefaultPath, DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.Multiplexed() {
		t.Error("WebSocket connection should not be multiplexed")
	}
	roundTrip(t, conn)

	if _, err := conn.OpenStream(context.Background()); err != ErrSingleStream {
		t.Errorf("second OpenStream err = %v, want ErrSingleStream", err)
	}
}

func TestWebSocketListenRequiresTLS(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Fatal("Listen without TLS or PlainText should fail")
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		addr, path, want string
	}{
		{"relay.example.com:443", "", "wss://relay.example.com:443/freeviewer"},
		{"relay.example.com:443", "/fv", "wss://relay.example.com:443/fv"},
		{"ws://127.0.0.1:8080/x", "", "ws://127.0.0.1:8080/x"},
	}
	for _, tt := range tests {
		if got := webSocketURL(tt.addr, tt.path); got != tt.want {
			t.Errorf("webSocketURL(%q, %q) = %q, want %q", tt.addr, tt.path, got, tt.want)
		}
	}
}

func TestParseTransportType(t *testing.T) {
	if tt, ok := ParseTransportType("quic"); !ok || tt != TransportQUIC {
		t.Errorf("quic: got %v %v", tt, ok)
	}
	if _, ok := ParseTransportType("h2"); ok {
		t.Error("h2 should be rejected")
	}
}

func TestHalfCloses(t *testing.T) {
	if HalfCloses(&WebSocketStream{}) {
		t.Error("WebSocket stream reported half-close")
	}
	if !HalfCloses(&QUICStream{}) {
		t.Error("QUIC stream did not report half-close")
	}
}
