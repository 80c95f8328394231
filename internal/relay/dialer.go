package relay

import (
	"context"
	"sync"

	"github.com/postalsys/freeviewer/internal/transport"
)

// Dialer opens streams to a relay. Over QUIC all streams share one
// connection; over WebSocket each stream is its own connection.
type Dialer struct {
	Transport transport.Transport
	Address   string
	Options   transport.DialOptions

	mu   sync.Mutex
	conn transport.PeerConn
}

// NewDialer creates a relay dialer.
func NewDialer(tr transport.Transport, addr string, opts transport.DialOptions) *Dialer {
	return &Dialer{Transport: tr, Address: addr, Options: opts}
}

// OpenStream returns a new stream to the relay, redialing if the shared
// connection has gone away.
func (d *Dialer) OpenStream(ctx context.Context) (transport.Stream, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn != nil {
		if stream, err := conn.OpenStream(ctx); err == nil {
			return stream, nil
		}
		d.drop(conn)
	}

	conn, err := d.Transport.Dial(ctx, d.Address, d.Options)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if conn.Multiplexed() {
		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.conn = conn
		d.mu.Unlock()
	}
	return stream, nil
}

func (d *Dialer) drop(conn transport.PeerConn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	conn.Close()
}

// Close closes the shared connection, if any.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}
