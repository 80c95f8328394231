package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/freeviewer"
	wsDefaultReadLimit = 128 * 1024
)

// ErrSingleStream is returned when a second stream is opened on a
// WebSocket connection.
var ErrSingleStream = errors.New("websocket connection carries a single stream")

// WebSocketTransport implements Transport over WebSocket. A WebSocket
// connection carries exactly one stream; callers needing another stream
// dial a new connection.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to a remote peer using WebSocket. addr is either a full
// ws:// or wss:// URL or a host:port, which is dialed as wss.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.mu.Unlock()

	wsURL := webSocketURL(addr, opts.Path)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{WSSubprotocol},
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: dialTLSConfig(opts),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial %s failed: %w", wsURL, err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return newWebSocketPeerConn(conn, true, nil, stringAddr{"ws", addr}), nil
}

// Listen creates a WebSocket listener.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errTransportClosed
	}
	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for WebSocket listener")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	listener := &WebSocketListener{
		path:    path,
		connCh:  make(chan *WebSocketPeerConn, 16),
		closeCh: make(chan struct{}),
	}
	if err := listener.start(addr, opts); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil
	return lastErr
}

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	path    string
	server  *http.Server
	netLn   net.Listener
	connCh  chan *WebSocketPeerConn
	closeCh chan struct{}
	closed  atomic.Bool
}

func (l *WebSocketListener) start(addr string, opts ListenOptions) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	if opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConnections)
	}
	l.netLn = ln

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         opts.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if opts.TLSConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()
	return nil
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WSSubprotocol},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	peerConn := newWebSocketPeerConn(conn, false, l.netLn.Addr(), stringAddr{"ws", r.RemoteAddr})

	select {
	case l.connCh <- peerConn:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept(ctx context.Context) (PeerConn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the listener. Established connections are not affected.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.netLn.Close()
}

// WebSocketPeerConn implements PeerConn for WebSocket.
type WebSocketPeerConn struct {
	conn     *websocket.Conn
	stream   *WebSocketStream
	isDialer bool
	local    net.Addr
	remote   net.Addr

	taken  atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newWebSocketPeerConn(conn *websocket.Conn, isDialer bool, local, remote net.Addr) *WebSocketPeerConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketPeerConn{
		conn:     conn,
		isDialer: isDialer,
		local:    local,
		remote:   remote,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.stream = &WebSocketStream{
		Conn:  websocket.NetConn(ctx, conn, websocket.MessageBinary),
		owner: c,
	}
	return c
}

// OpenStream returns the connection's stream. It fails if the stream was
// already handed out.
func (c *WebSocketPeerConn) OpenStream(ctx context.Context) (Stream, error) {
	if c.taken.Swap(true) {
		return nil, ErrSingleStream
	}
	return c.stream, nil
}

// AcceptStream returns the connection's stream on the first call. Later
// calls block until ctx is done or the connection closes.
func (c *WebSocketPeerConn) AcceptStream(ctx context.Context) (Stream, error) {
	if !c.taken.Swap(true) {
		return c.stream, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close terminates the WebSocket connection.
func (c *WebSocketPeerConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "connection closed")
	c.cancel()
	return err
}

// LocalAddr returns the listener address on the accepting side; dialers
// have no usable local address.
func (c *WebSocketPeerConn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the remote address.
func (c *WebSocketPeerConn) RemoteAddr() net.Addr {
	return c.remote
}

// IsDialer returns true if this side initiated the connection.
func (c *WebSocketPeerConn) IsDialer() bool {
	return c.isDialer
}

// Multiplexed is always false for WebSocket.
func (c *WebSocketPeerConn) Multiplexed() bool {
	return false
}

// TransportType returns the transport protocol type.
func (c *WebSocketPeerConn) TransportType() TransportType {
	return TransportWebSocket
}

// WebSocketStream is the single stream of a WebSocket connection. Each
// Write becomes one binary message; deadlines are supported.
type WebSocketStream struct {
	net.Conn
	owner *WebSocketPeerConn
}

// StreamID returns the stream ID.
func (s *WebSocketStream) StreamID() uint64 {
	return 1
}

// CloseWrite is a no-op; WebSocket has no half-close.
func (s *WebSocketStream) CloseWrite() error {
	return nil
}

// Close closes the stream and its connection.
func (s *WebSocketStream) Close() error {
	s.Conn.Close()
	return s.owner.Close()
}

func webSocketURL(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if path == "" {
		path = wsDefaultPath
	}
	return "wss://" + addr + path
}

var _ Transport = (*WebSocketTransport)(nil)
