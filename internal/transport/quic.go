package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout     = 30 * time.Second
	DefaultKeepAlivePeriod    = 10 * time.Second
	DefaultMaxIncomingStreams = 256
)

// punchPayload is sent to open NAT mappings. Its first byte has the QUIC
// fixed bit cleared so receivers treat it as a non-QUIC packet.
var punchPayload = []byte{0x00, 'f', 'v', '-', 'p', 'u', 'n', 'c', 'h'}

var errTransportClosed = errors.New("transport closed")

func quicConfig(maxStreams int) *quic.Config {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxIncomingStreams
	}
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    int64(maxStreams),
		MaxIncomingUniStreams: -1,
	}
}

// Endpoint is a single UDP socket shared by every QUIC connection of a
// process. Dialing the relay, listening for direct sessions and sending
// hole-punch packets all use the same local port, so the address the relay
// observes is the one a peer can reach.
type Endpoint struct {
	conn *net.UDPConn
	tr   *quic.Transport

	mu       sync.Mutex
	listener *QUICListener
	closed   bool
}

// NewEndpoint binds a UDP socket on addr (e.g. ":0").
func NewEndpoint(addr string) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return &Endpoint{
		conn: conn,
		tr:   &quic.Transport{Conn: conn},
	}, nil
}

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Dial opens a QUIC connection from this endpoint.
func (e *Endpoint) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errTransportClosed
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := e.tr.Dial(ctx, udpAddr, dialTLSConfig(opts), quicConfig(0))
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s failed: %w", addr, err)
	}
	return &QUICPeerConn{conn: conn, isDialer: true}, nil
}

// DialFirst dials every candidate concurrently and returns the first
// connection to complete. Losing connections are closed.
func (e *Endpoint) DialFirst(ctx context.Context, candidates []string, opts DialOptions) (PeerConn, string, error) {
	if len(candidates) == 0 {
		return nil, "", errors.New("no candidates")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once    sync.Once
		mu      sync.Mutex
		winner  PeerConn
		winAddr string
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, candidate := range candidates {
		candidate := candidate
		g.Go(func() error {
			conn, err := e.Dial(gctx, candidate, opts)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}
			won := false
			once.Do(func() {
				winner, winAddr, won = conn, candidate, true
				cancel()
			})
			if !won {
				conn.Close()
			}
			return nil
		})
	}
	g.Wait()

	if winner != nil {
		return winner, winAddr, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, "", lastErr
}

// Listen starts accepting QUIC connections on this endpoint.
func (e *Endpoint) Listen(opts ListenOptions) (*QUICListener, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errTransportClosed
	}
	if e.listener != nil {
		return nil, errors.New("endpoint already listening")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	ln, err := e.tr.Listen(tlsConfig, quicConfig(opts.MaxConnections))
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}
	e.listener = &QUICListener{listener: ln}
	return e.listener, nil
}

// Punch sends a small datagram to each address so that NAT devices on the
// path create a mapping for the peer's incoming handshake.
func (e *Endpoint) Punch(addrs []string) int {
	sent := 0
	for _, addr := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			continue
		}
		if _, err := e.tr.WriteTo(punchPayload, udpAddr); err == nil {
			sent++
		}
	}
	return sent
}

// LocalCandidates lists this endpoint's port on every non-loopback unicast
// interface address.
func (e *Endpoint) LocalCandidates() []string {
	port := e.conn.LocalAddr().(*net.UDPAddr).Port
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipNet.IP.To4() == nil {
			continue
		}
		out = append(out, net.JoinHostPort(ipNet.IP.String(), fmt.Sprint(port)))
	}
	return out
}

// Close shuts down the listener, all connections and the socket.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ln := e.listener
	e.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	err := e.tr.Close()
	e.conn.Close()
	return err
}

// QUICTransport implements Transport on top of Endpoints.
type QUICTransport struct {
	mu        sync.Mutex
	dialer    *Endpoint
	ownDialer bool
	endpoints []*Endpoint
	closed    bool
}

// NewQUICTransport creates a QUIC transport. When ep is non-nil, dials use it;
// otherwise an ephemeral endpoint is bound on first dial.
func NewQUICTransport(ep *Endpoint) *QUICTransport {
	return &QUICTransport{dialer: ep}
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

// Dial connects to a remote peer using QUIC.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	if t.dialer == nil {
		ep, err := NewEndpoint(":0")
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.dialer = ep
		t.ownDialer = true
	}
	ep := t.dialer
	t.mu.Unlock()

	return ep.Dial(ctx, addr, opts)
}

// Listen creates a QUIC listener on a new endpoint bound to addr.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errTransportClosed
	}

	ep, err := NewEndpoint(addr)
	if err != nil {
		return nil, err
	}
	ln, err := ep.Listen(opts)
	if err != nil {
		ep.Close()
		return nil, err
	}
	t.endpoints = append(t.endpoints, ep)
	return ln, nil
}

// Close shuts down the transport and every endpoint it created.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, ep := range t.endpoints {
		if err := ep.Close(); err != nil {
			lastErr = err
		}
	}
	t.endpoints = nil
	if t.ownDialer && t.dialer != nil {
		t.dialer.Close()
	}
	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	closed   bool
	mu       sync.Mutex
}

// Accept waits for and returns the next QUIC connection.
func (l *QUICListener) Accept(ctx context.Context) (PeerConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICPeerConn{conn: conn}, nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// QUICPeerConn implements PeerConn for QUIC.
type QUICPeerConn struct {
	conn     quic.Connection
	isDialer bool
}

// OpenStream creates a new outgoing QUIC stream.
func (c *QUICPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	return &QUICStream{stream: stream}, nil
}

// AcceptStream waits for an incoming QUIC stream.
func (c *QUICPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICStream{stream: stream}, nil
}

// Close terminates the QUIC connection.
func (c *QUICPeerConn) Close() error {
	return c.conn.CloseWithError(0, "connection closed")
}

// Done is closed when the connection terminates.
func (c *QUICPeerConn) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

// LocalAddr returns the local address.
func (c *QUICPeerConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *QUICPeerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (c *QUICPeerConn) IsDialer() bool {
	return c.isDialer
}

// Multiplexed is always true for QUIC.
func (c *QUICPeerConn) Multiplexed() bool {
	return true
}

// TransportType returns the transport protocol type.
func (c *QUICPeerConn) TransportType() TransportType {
	return TransportQUIC
}

// QUICStream implements Stream for QUIC.
type QUICStream struct {
	stream quic.Stream
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Read reads data from the stream.
func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write writes data to the stream.
func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends a half-close (FIN) on the write side.
func (s *QUICStream) CloseWrite() error {
	return s.stream.Close()
}

// Close fully closes the stream.
func (s *QUICStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// SetDeadline sets read and write deadlines.
func (s *QUICStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (s *QUICStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (s *QUICStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

var _ Transport = (*QUICTransport)(nil)
