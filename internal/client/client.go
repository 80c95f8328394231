// Package client connects to a host by MachineID and password: it asks the
// relay to broker the attempt, races a direct QUIC path against the relay
// fallback, and runs the session with its channels once it is active.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/freeviewer/internal/crypto"
	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/filetransfer"
	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/mux"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
	"github.com/postalsys/freeviewer/internal/relay"
	"github.com/postalsys/freeviewer/internal/session"
	"github.com/postalsys/freeviewer/internal/transport"
)

// DefaultDirectTimeout bounds the direct attempt when the relay does not
// announce one.
const DefaultDirectTimeout = 3 * time.Second

// Config configures a Client.
type Config struct {
	Relay relay.StreamOpener

	// Endpoint is the UDP socket used for the direct attempt. Without it
	// every connection is relayed.
	Endpoint *transport.Endpoint

	// Name is announced to the host.
	Name         string
	Capabilities protocol.Capabilities

	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	HandshakeTimeout  time.Duration
	Argon2            crypto.Argon2Params

	// Display collaborators. Nil sinks discard their channel.
	Frames    desktop.FrameSink
	Clipboard desktop.ClipboardSink
	Chat      desktop.ChatSink

	// DownloadDir receives pulled files. Empty disables pulls.
	DownloadDir string
	FileRate    int64

	OnStateChange func(from, to session.State)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client opens sessions to hosts.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if cfg.Capabilities.Version == 0 {
		cfg.Capabilities.Version = protocol.Version
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "client"),
	}, nil
}

// Conn is an active session with a host.
type Conn struct {
	sess  *session.Session
	mux   *mux.Mux
	files *filetransfer.Manager
	done  chan struct{}
}

// Connect reaches target and authenticates with password. It returns once
// the session is active, or with the reason it failed.
func (c *Client) Connect(ctx context.Context, target identity.MachineID, password string) (*Conn, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid machine ID %d", target)
	}
	logger := c.logger.With(logging.KeyMachineID, target.Format())

	sess := session.New(session.Config{
		Role:              crypto.RoleClient,
		MachineID:         target,
		ClientName:        c.cfg.Name,
		Password:          password,
		Capabilities:      c.cfg.Capabilities,
		KeepaliveInterval: c.cfg.KeepaliveInterval,
		KeepaliveMisses:   c.cfg.KeepaliveMisses,
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		Argon2:            c.cfg.Argon2,
		OnStateChange:     c.cfg.OnStateChange,
		Logger:            c.logger,
		Metrics:           c.cfg.Metrics,
	})
	m := mux.New(sess, mux.Handlers{
		Frames:    c.cfg.Frames,
		Clipboard: c.cfg.Clipboard,
		Chat:      c.cfg.Chat,
	}, mux.Config{Name: c.cfg.Name, Logger: c.logger, Metrics: c.cfg.Metrics})
	files := filetransfer.NewManager(m, filetransfer.Config{
		Dir:           c.cfg.DownloadDir,
		OnlyRequested: true,
		Throttle:      filetransfer.NewThrottle(c.cfg.FileRate),
		Logger:        c.logger,
		Metrics:       c.cfg.Metrics,
	})
	m.HandleFile(files.Handle)

	fail := func(err error) (*Conn, error) {
		sess.Abort(err)
		files.Close()
		c.cfg.Metrics.RecordConnect("failed")
		return nil, err
	}

	if err := sess.BeginConnect(); err != nil {
		return fail(err)
	}

	var candidates []string
	if c.cfg.Endpoint != nil {
		candidates = c.cfg.Endpoint.LocalCandidates()
	}
	b, err := relay.RequestConnect(ctx, c.cfg.Relay, target, candidates)
	if err != nil {
		return fail(fmt.Errorf("broker: %w", err))
	}

	stream, path, peer, err := c.establish(ctx, b, logger)
	if err != nil {
		return fail(err)
	}
	sess.SetPath(path, peer)
	c.cfg.Metrics.RecordConnect(string(path))

	if err := sess.Handshake(ctx, stream); err != nil {
		files.Close()
		return nil, err
	}
	m.Start()

	conn := &Conn{sess: sess, mux: m, files: files, done: make(chan struct{})}
	recovery.Go(nil, c.logger, "client.session", func() {
		defer close(conn.done)
		<-sess.Done()
		files.Close()
		m.Wait()
	})
	logger.Info("connected", logging.KeyPath, path, logging.KeySessionID, sess.ID())
	return conn, nil
}

// establish tries the host's candidates directly for the relay's direct
// timeout and falls back to the relay when none answers.
func (c *Client) establish(ctx context.Context, b *relay.Brokered, logger *slog.Logger) (transport.Stream, session.Path, string, error) {
	if c.cfg.Endpoint != nil && len(b.HostCandidates) > 0 {
		timeout := b.DirectTimeout
		if timeout <= 0 {
			timeout = DefaultDirectTimeout
		}
		stream, addr, err := c.dialDirect(ctx, b.HostCandidates, timeout)
		if err == nil {
			if err := b.ReportDirect(); err != nil {
				logger.Debug("failed to report direct path", logging.KeyError, err)
			}
			return stream, session.PathDirect, addr, nil
		}
		if ctx.Err() != nil {
			b.Close()
			return nil, "", "", ctx.Err()
		}
		logger.Info("direct path failed, using relay",
			logging.KeyBrokerID, b.BrokerID,
			logging.KeyDuration, timeout,
			logging.KeyError, err)
	}

	stream, err := b.Fallback(ctx)
	if err != nil {
		return nil, "", "", fmt.Errorf("relay fallback: %w", err)
	}
	return stream, session.PathRelayed, "relay", nil
}

func (c *Client) dialDirect(ctx context.Context, candidates []string, timeout time.Duration) (transport.Stream, string, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pc, addr, err := c.cfg.Endpoint.DialFirst(dctx, candidates, transport.DialOptions{Timeout: timeout})
	if err != nil {
		return nil, "", err
	}
	stream, err := pc.OpenStream(dctx)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	return &directStream{Stream: stream, conn: pc}, addr, nil
}

// directStream closes its QUIC connection along with the stream.
type directStream struct {
	transport.Stream
	conn transport.PeerConn
}

func (s *directStream) Close() error {
	err := s.Stream.Close()
	s.conn.Close()
	return err
}

// Session returns the underlying session.
func (c *Conn) Session() *session.Session {
	return c.sess
}

// Path reports whether the session runs direct or through the relay.
func (c *Conn) Path() session.Path {
	return c.sess.Path()
}

// Agreed returns the negotiated capabilities.
func (c *Conn) Agreed() *protocol.Agreed {
	return c.sess.Agreed()
}

// SendInput sends one input event.
func (c *Conn) SendInput(ctx context.Context, ev desktop.InputEvent) error {
	return c.mux.SendInput(ctx, ev)
}

// SendClipboard pushes clipboard text to the host.
func (c *Conn) SendClipboard(ctx context.Context, text string) error {
	return c.mux.SendClipboard(ctx, text)
}

// SendChat sends a chat message.
func (c *Conn) SendChat(ctx context.Context, text string) error {
	return c.mux.SendChat(ctx, text)
}

// Files returns the file transfer manager for this session.
func (c *Conn) Files() *filetransfer.Manager {
	return c.files
}

// Quality returns the current video quality level.
func (c *Conn) Quality() int {
	return c.mux.Quality().Level()
}

// Close ends the session. It returns once the session is terminal.
func (c *Conn) Close() error {
	c.sess.Close()
	<-c.done
	return c.sess.Err()
}

// Done is closed once the session has ended and its channels are drained.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended, or nil after an orderly close.
func (c *Conn) Err() error {
	return c.sess.Err()
}
