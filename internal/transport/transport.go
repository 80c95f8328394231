// Package transport provides the reliable, ordered stream transports that
// carry relay control traffic and session frames: QUIC (with a shared UDP
// endpoint for NAT hole punching) and WebSocket.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportQUIC      TransportType = "quic"
	TransportWebSocket TransportType = "ws"
)

// ParseTransportType validates a configured transport name.
func ParseTransportType(s string) (TransportType, bool) {
	switch TransportType(s) {
	case TransportQUIC, TransportWebSocket:
		return TransportType(s), true
	default:
		return "", false
	}
}

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (PeerConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// PeerConn represents a connection to a peer.
type PeerConn interface {
	// OpenStream creates a new outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close terminates the connection.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// Multiplexed reports whether more than one stream can be opened.
	Multiplexed() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// Stream is a reliable, ordered, bidirectional byte stream.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the stream identifier.
	StreamID() uint64

	// CloseWrite sends a half-close (FIN).
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// HalfCloses reports whether CloseWrite on s is seen by the peer as end of
// stream. WebSocket streams have no half-close.
func HalfCloses(s Stream) bool {
	_, ws := s.(*WebSocketStream)
	return !ws
}

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig overrides the default client TLS configuration.
	TLSConfig *tls.Config

	// PinnedFingerprint, when set, requires the server certificate to match
	// this "sha256:<hex>" fingerprint.
	PinnedFingerprint string

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Path is the HTTP path for WebSocket dials without a full URL.
	Path string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	TLSConfig *tls.Config

	// Path is the HTTP path for WebSocket listeners.
	Path string

	// MaxConnections caps concurrent connections (WebSocket) or incoming
	// streams per connection (QUIC). Zero uses the default.
	MaxConnections int

	// PlainText allows WebSocket listeners without TLS, for deployments
	// behind a TLS-terminating reverse proxy.
	PlainText bool
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// New returns a transport of the given type.
func New(t TransportType) Transport {
	if t == TransportWebSocket {
		return NewWebSocketTransport()
	}
	return NewQUICTransport(nil)
}

// stringAddr is a net.Addr for transports that only expose a textual address.
type stringAddr struct {
	network string
	addr    string
}

func (a stringAddr) Network() string { return a.network }
func (a stringAddr) String() string  { return a.addr }
