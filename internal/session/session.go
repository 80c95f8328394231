package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/freeviewer/internal/crypto"
	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
)

// Path describes how the transport reached the peer.
type Path string

// Transport paths.
const (
	PathDirect  Path = "direct"
	PathRelayed Path = "relayed"
)

// Session defaults.
const (
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultKeepaliveMisses   = 3
	DefaultHandshakeTimeout  = 30 * time.Second

	maxSessionIDLen = 64
)

var (
	// ErrNotActive is returned by Send before the session is active or
	// after it started closing.
	ErrNotActive = errors.New("session not active")

	// ErrChannelNotAgreed is returned by Send for a channel outside the
	// agreed set.
	ErrChannelNotAgreed = errors.New("channel not agreed")

	// ErrClosed is returned by Handshake when the session was closed
	// locally before it became active.
	ErrClosed = errors.New("session closed")
)

// Handler consumes the inbound messages of one channel. Each channel has
// its own dispatcher, so a handler only delays its own channel.
type Handler func(payload []byte)

// Config configures a session.
type Config struct {
	// Role selects the client or host side of the handshake.
	Role crypto.Role

	// MachineID is the host's ID: the target on the client, our own ID on
	// the host.
	MachineID identity.MachineID

	// SessionID identifies the connection attempt. The client generates
	// one when empty; the host learns it from Hello.
	SessionID string

	// ClientName is announced by the client.
	ClientName string

	// Password is the password the client entered.
	Password string

	// Passwords returns the host's current password. It is called once per
	// handshake, when Hello arrives.
	Passwords func() string

	// Capabilities is this side's offer.
	Capabilities protocol.Capabilities

	// Path and PeerAddr describe the transport. The host keys
	// authentication backoff by PeerAddr.
	Path     Path
	PeerAddr string

	// Backoff throttles failed authentication on the host. Nil disables it.
	Backoff *AuthBackoff

	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	HandshakeTimeout  time.Duration
	Argon2            crypto.Argon2Params

	// OnStateChange is called synchronously after every transition.
	OnStateChange func(from, to State)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a config with default timings.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveMisses:   DefaultKeepaliveMisses,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		Argon2:            crypto.DefaultArgon2Params(),
	}
}

// Info is a snapshot of a session for status endpoints.
type Info struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	State      string    `json:"state"`
	Path       Path      `json:"path"`
	PeerAddr   string    `json:"peer_addr,omitempty"`
	ClientName string    `json:"client_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ActiveAt   time.Time `json:"active_at,omitempty"`
	RTT        string    `json:"rtt,omitempty"`
	Channels   []string  `json:"channels,omitempty"`
	Codec      string    `json:"codec,omitempty"`
}

// Session is one client-host association. It owns its stream from
// Handshake until it reaches Closed or Failed.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	sm      stateMachine

	mu         sync.Mutex
	id         string
	clientName string
	conn       io.ReadWriteCloser
	agreed     *protocol.Agreed
	err        error
	createdAt  time.Time
	activeAt   time.Time
	handlers   map[protocol.ChannelType]Handler
	control    map[protocol.MsgType]func(body []byte)

	fr  *protocol.FrameReader
	fw  *protocol.FrameWriter
	key *crypto.SessionKey

	out        *outbox
	inboxes    map[protocol.ChannelType]*inbox
	inbound    atomic.Uint64
	lastSeen   atomic.Int64
	rtt        atomic.Int64
	wasActive  atomic.Bool
	writerDone chan struct{}
	readerDone chan struct{}

	done       chan struct{}
	finishOnce sync.Once
	wg         sync.WaitGroup
}

// New creates a session in the Idle state.
func New(cfg Config) *Session {
	def := DefaultConfig()
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.KeepaliveMisses <= 0 {
		cfg.KeepaliveMisses = def.KeepaliveMisses
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Argon2.Time == 0 || cfg.Argon2.Memory == 0 {
		cfg.Argon2 = def.Argon2
	}
	if cfg.Capabilities.Version == 0 {
		cfg.Capabilities.Version = protocol.Version
	}
	if cfg.Role == crypto.RoleClient && cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Path == "" {
		cfg.Path = PathDirect
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Session{
		cfg:        cfg,
		metrics:    cfg.Metrics,
		id:         cfg.SessionID,
		clientName: cfg.ClientName,
		createdAt:  time.Now(),
		handlers:   make(map[protocol.ChannelType]Handler),
		control:    make(map[protocol.MsgType]func(body []byte)),
		inboxes:    make(map[protocol.ChannelType]*inbox),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.logger = logger.With(
		logging.KeyComponent, "session",
		"role", cfg.Role.String(),
		logging.KeyMachineID, cfg.MachineID.String(),
	)
	if s.id != "" {
		s.logger = s.logger.With(logging.KeySessionID, s.id)
	}
	s.sm.onChange = s.stateChanged
	return s
}

// ID returns the session ID. On the host it is empty until Hello arrives.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Role returns this side's role.
func (s *Session) Role() crypto.Role {
	return s.cfg.Role
}

// State returns the current state.
func (s *Session) State() State {
	return s.sm.current()
}

// Path returns how the transport reached the peer.
func (s *Session) Path() Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Path
}

// PeerAddr returns the peer's transport address.
func (s *Session) PeerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PeerAddr
}

// Abort fails a session whose transport could not be established. It has
// no effect once Handshake has started.
func (s *Session) Abort(err error) {
	if st := s.State(); st != StateIdle && st != StateConnecting {
		return
	}
	s.finish(StateFailed, err)
}

// SetPath records the transport the client ended up on. It only has an
// effect before Handshake.
func (s *Session) SetPath(p Path, peerAddr string) {
	if st := s.State(); st != StateIdle && st != StateConnecting {
		return
	}
	s.mu.Lock()
	s.cfg.Path = p
	s.cfg.PeerAddr = peerAddr
	s.mu.Unlock()
}

// ClientName returns the name announced by the client.
func (s *Session) ClientName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName
}

// Agreed returns the negotiated capabilities, or nil before Active.
func (s *Session) Agreed() *protocol.Agreed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreed
}

// RTT returns the most recent keepalive round-trip time.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.rtt.Load())
}

// LastActivity returns when the last authenticated frame arrived.
func (s *Session) LastActivity() time.Time {
	ns := s.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session failed. It is nil while running and after a
// graceful close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns a status snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:         s.id,
		Role:       s.cfg.Role.String(),
		State:      s.State().String(),
		Path:       s.cfg.Path,
		PeerAddr:   s.cfg.PeerAddr,
		ClientName: s.clientName,
		CreatedAt:  s.createdAt,
		ActiveAt:   s.activeAt,
	}
	if rtt := s.RTT(); rtt > 0 {
		info.RTT = rtt.String()
	}
	if s.agreed != nil {
		info.Channels = append([]string(nil), s.agreed.Channels...)
		info.Codec = s.agreed.Codec
	}
	return info
}

// Handle registers the handler for inbound messages on ch. Messages that
// arrive for a channel without a handler are discarded.
func (s *Session) Handle(ch protocol.ChannelType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[ch] = h
}

// HandleControl registers a handler for a control message type that the
// session itself does not consume, such as WindowUpdate.
func (s *Session) HandleControl(t protocol.MsgType, fn func(body []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control[t] = fn
}

// BeginConnect records that the client has asked to reach its target.
func (s *Session) BeginConnect() error {
	return s.sm.transition(StateConnecting)
}

// Handshake runs key exchange, key confirmation and negotiation over conn,
// and on success starts the session's goroutines. The session takes
// ownership of conn and closes it when the session ends.
func (s *Session) Handshake(ctx context.Context, conn io.ReadWriteCloser) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.State() == StateIdle {
		if err := s.sm.transition(StateConnecting); err != nil {
			conn.Close()
			return err
		}
	}
	if err := s.sm.transition(StateAuthenticating); err != nil {
		conn.Close()
		if s.State() == StateClosing {
			s.finish(StateClosed, nil)
			return ErrClosed
		}
		return err
	}

	s.fr = protocol.NewFrameReader(conn)
	s.fw = protocol.NewFrameWriter(conn)

	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { conn.Close() })

	var err error
	if s.cfg.Role == crypto.RoleClient {
		err = s.clientHandshake()
	} else {
		err = s.hostHandshake()
	}
	if !stop() {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case err == nil || !isProtocolError(err):
			err = fmt.Errorf("%w: handshake exceeded %s", protocol.ErrTimeout, s.cfg.HandshakeTimeout)
		}
	}
	if err != nil {
		if s.State() == StateClosing {
			s.finish(StateClosed, nil)
			return ErrClosed
		}
		s.metrics.RecordHandshakeError(errorKind(err))
		s.logger.Warn("session handshake failed",
			logging.KeyRemoteAddr, s.cfg.PeerAddr,
			logging.KeyError, err)
		s.finish(StateFailed, err)
		return err
	}

	return s.activate(time.Since(start))
}

// activate creates the channel queues, enters Active and starts the
// reader, writer, dispatcher and keepalive goroutines.
func (s *Session) activate(handshake time.Duration) error {
	s.out = newOutbox()
	for _, name := range s.agreed.Channels {
		ch, err := protocol.ParseChannel(name)
		if err != nil {
			continue
		}
		s.inboxes[ch] = newInbox(ch)
	}

	s.mu.Lock()
	s.activeAt = time.Now()
	s.mu.Unlock()
	s.lastSeen.Store(time.Now().UnixNano())

	if err := s.sm.transition(StateActive); err != nil {
		s.finish(StateClosed, nil)
		return ErrClosed
	}
	s.wasActive.Store(true)
	s.metrics.RecordSessionActive(string(s.cfg.Path), handshake.Seconds())
	s.logger.Info("session active",
		logging.KeyPath, s.cfg.Path,
		logging.KeyRemoteAddr, s.cfg.PeerAddr,
		"codec", s.agreed.Codec,
		"channels", s.agreed.Channels,
		logging.KeyDuration, handshake)

	for ch, q := range s.inboxes {
		ch, q := ch, q
		recovery.Go(&s.wg, s.logger, "session-dispatch-"+ch.String(), func() { s.dispatch(ch, q) })
	}
	recovery.Go(&s.wg, s.logger, "session-writer", s.writeLoop)
	recovery.Go(&s.wg, s.logger, "session-reader", s.readLoop)
	recovery.Go(&s.wg, s.logger, "session-keepalive", s.keepaliveLoop)
	return nil
}

// Send queues payload on a data channel. Input is sent before video, video
// before bulk channels. It fails with ErrOutboxFull when the channel's
// priority class is full.
func (s *Session) Send(ch protocol.ChannelType, payload []byte) error {
	if err := s.checkSend(ch, payload); err != nil {
		return err
	}
	return outboxErr(s.out.push(ch, payload))
}

// SendWait is Send that waits for room in the outbox until ctx is done or
// the session ends.
func (s *Session) SendWait(ctx context.Context, ch protocol.ChannelType, payload []byte) error {
	if err := s.checkSend(ch, payload); err != nil {
		return err
	}
	return outboxErr(s.out.pushWait(ctx, ch, payload, s.Done()))
}

func (s *Session) checkSend(ch protocol.ChannelType, payload []byte) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	if ch == protocol.ChannelControl || !ch.Sealed() {
		return fmt.Errorf("cannot send on %s channel", ch)
	}
	if !s.agreed.HasChannel(ch) {
		return fmt.Errorf("%w: %s", ErrChannelNotAgreed, ch)
	}
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	if len(payload) > protocol.MaxPlaintextSize {
		return protocol.ErrFrameTooLarge
	}
	return nil
}

func outboxErr(err error) error {
	if errors.Is(err, errOutboxClosed) {
		return ErrNotActive
	}
	return err
}

// SendControl queues a control message such as WindowUpdate or
// QualityReport.
func (s *Session) SendControl(t protocol.MsgType, body any) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	payload, err := protocol.EncodeMessage(t, body)
	if err != nil {
		return err
	}
	if err := s.out.push(protocol.ChannelControl, payload); err != nil {
		return ErrNotActive
	}
	return nil
}

// Close starts a graceful teardown: the peer is told, queued data is
// flushed, the key is wiped. Close returns without waiting; use Done or
// Wait to observe Closed.
func (s *Session) Close() error {
	s.shutdown("closed", true)
	return nil
}

func (s *Session) shutdown(reason string, local bool) {
	cur := s.State()
	switch {
	case cur.Terminal() || cur == StateClosing:
		return

	case cur == StateIdle:
		s.finish(StateClosed, nil)

	case cur == StateActive:
		if !s.sm.transitionFrom(StateActive, StateClosing) {
			return
		}
		var payload []byte
		if local {
			payload, _ = protocol.EncodeMessage(protocol.MsgClose, &protocol.Close{Reason: reason})
		}
		s.out.pushFinal(protocol.ChannelControl, payload)
		recovery.Go(nil, s.logger, "session-close", func() { s.closeAfterDrain(local) })

	default:
		if !s.sm.transitionFrom(cur, StateClosing) {
			return
		}
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			s.finish(StateClosed, nil)
			return
		}
		// The handshake goroutine observes the closed stream and finishes.
		conn.Close()
	}
}

// closeAfterDrain waits for the writer to flush, half-closes the stream
// and, when we initiated the close, waits for the peer to finish. Both
// waits share one keepalive interval.
func (s *Session) closeAfterDrain(local bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KeepaliveInterval)
	defer cancel()

	select {
	case <-s.writerDone:
	case <-ctx.Done():
	}
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	if local {
		select {
		case <-s.readerDone:
		case <-ctx.Done():
		}
	}
	s.finish(StateClosed, nil)
}

// lost handles a broken transport.
func (s *Session) lost(err error) {
	if s.State() == StateClosing {
		s.finish(StateClosed, nil)
		return
	}
	s.finish(StateFailed, fmt.Errorf("%w: transport lost: %v", protocol.ErrTimeout, err))
}

// finish moves to a terminal state and releases everything the session
// holds. Only the first call has an effect.
func (s *Session) finish(state State, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		conn := s.conn
		s.mu.Unlock()

		if state == StateClosed && s.State() != StateIdle && s.State() != StateClosing {
			s.sm.transition(StateClosing)
		}
		if terr := s.sm.transition(state); terr != nil && state == StateClosed {
			s.sm.transition(StateFailed)
		}

		if s.out != nil {
			s.out.close()
		}
		if conn != nil {
			conn.Close()
		}
		if s.key != nil {
			s.key.Zero()
		}
		for _, q := range s.inboxes {
			q.close()
		}
		close(s.done)

		s.metrics.RecordSessionEnd(strings.ToLower(s.State().String()), s.wasActive.Load())
		if err != nil {
			s.logger.Warn("session failed", logging.KeyError, err)
		} else {
			s.logger.Info("session closed")
		}
	})
}

func (s *Session) stateChanged(from, to State) {
	s.logger.Debug("session state changed", "from", from.String(), logging.KeyState, to.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		msg, ok := s.out.next()
		if !ok {
			return
		}
		if err := s.writeSealed(msg.channel, msg.payload); err != nil {
			if !errors.Is(err, crypto.ErrKeyZeroed) {
				s.lost(err)
			}
			return
		}
	}
}

// writeSealed seals payload and writes it as one frame. The channel byte is
// authenticated as associated data.
func (s *Session) writeSealed(ch protocol.ChannelType, payload []byte) error {
	nonce, sealed, err := s.key.Seal([]byte{byte(ch)}, payload)
	if err != nil {
		return err
	}
	if err := s.fw.Write(&protocol.Frame{Channel: ch, Nonce: nonce, Payload: sealed}); err != nil {
		return err
	}
	s.metrics.RecordFrameSent(ch.String(), len(sealed))
	return nil
}

func (s *Session) writeControl(t protocol.MsgType, body any) error {
	payload, err := protocol.EncodeMessage(t, body)
	if err != nil {
		return err
	}
	return s.writeSealed(protocol.ChannelControl, payload)
}

// open authenticates and decrypts a sealed frame.
func (s *Session) open(f *protocol.Frame) ([]byte, error) {
	return s.key.Open(f.Nonce, []byte{byte(f.Channel)}, f.Payload)
}

// dropForged records a frame that failed authentication. Only the channel
// and length are logged.
func (s *Session) dropForged(f *protocol.Frame) {
	s.metrics.RecordForgedFrame()
	s.logger.Warn("dropped unauthenticated frame",
		logging.KeyChannel, f.Channel.String(),
		logging.KeyBytes, len(f.Payload))
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		f, err := s.fr.Read()
		if err != nil {
			s.lost(err)
			return
		}
		if !f.Channel.Sealed() {
			s.logger.Debug("ignoring plaintext frame", logging.KeyChannel, f.Channel.String())
			continue
		}
		payload, err := s.open(f)
		if err != nil {
			if errors.Is(err, crypto.ErrKeyZeroed) {
				return
			}
			s.dropForged(f)
			continue
		}

		s.inbound.Add(1)
		s.lastSeen.Store(time.Now().UnixNano())
		s.metrics.RecordFrameReceived(f.Channel.String(), len(f.Payload))

		if f.Channel == protocol.ChannelControl {
			s.handleControl(payload)
			continue
		}
		q, ok := s.inboxes[f.Channel]
		if !ok {
			s.logger.Debug("frame on channel not agreed", logging.KeyChannel, f.Channel.String())
			continue
		}
		if !q.push(payload) {
			s.logger.Warn("inbound queue full, message dropped", logging.KeyChannel, f.Channel.String())
		}
	}
}

func (s *Session) dispatch(ch protocol.ChannelType, q *inbox) {
	for {
		payload, ok := q.pop()
		if !ok {
			return
		}
		s.mu.Lock()
		h := s.handlers[ch]
		s.mu.Unlock()
		if h != nil {
			h(payload)
		}
	}
}

func (s *Session) handleControl(payload []byte) {
	t, body, err := protocol.SplitMessage(payload)
	if err != nil {
		s.logger.Debug("malformed control message", logging.KeyError, err)
		return
	}

	switch t {
	case protocol.MsgKeepalive:
		var ka protocol.Keepalive
		if err := protocol.DecodeBody(body, &ka); err != nil {
			return
		}
		ack, err := protocol.EncodeMessage(protocol.MsgKeepaliveAck, &ka)
		if err == nil {
			s.out.push(protocol.ChannelControl, ack)
		}

	case protocol.MsgKeepaliveAck:
		var ka protocol.Keepalive
		if err := protocol.DecodeBody(body, &ka); err != nil {
			return
		}
		rtt := time.Since(time.Unix(0, ka.Timestamp))
		if rtt >= 0 {
			s.rtt.Store(int64(rtt))
			s.metrics.RecordKeepaliveRTT(rtt.Seconds())
		}

	case protocol.MsgClose:
		var c protocol.Close
		_ = protocol.DecodeBody(body, &c)
		s.logger.Info("peer closed session", "reason", c.Reason)
		s.shutdown(c.Reason, false)

	default:
		s.mu.Lock()
		fn := s.control[t]
		s.mu.Unlock()
		if fn != nil {
			fn(body)
			return
		}
		s.logger.Debug("unhandled control message", "type", t.String())
	}
}

// keepaliveLoop pings the peer every interval. An interval with no
// authenticated inbound frame counts as a miss.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	var seq, seen uint64
	misses := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.State() != StateActive {
			return
		}

		if n := s.inbound.Load(); n == seen {
			misses++
			s.metrics.RecordKeepaliveMiss()
			if misses >= s.cfg.KeepaliveMisses {
				s.finish(StateFailed, fmt.Errorf("%w: %d keepalive intervals without traffic", protocol.ErrTimeout, misses))
				return
			}
		} else {
			seen = n
			misses = 0
		}

		seq++
		ka, err := protocol.EncodeMessage(protocol.MsgKeepalive, &protocol.Keepalive{
			Seq:       seq,
			Timestamp: time.Now().UnixNano(),
		})
		if err == nil {
			s.out.push(protocol.ChannelControl, ka)
		}
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, protocol.ErrAuthFailed) ||
		errors.Is(err, protocol.ErrProtocolMismatch) ||
		errors.Is(err, protocol.ErrUnknownOrOffline)
}

// errorKind labels an error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, protocol.ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, protocol.ErrUnknownOrOffline):
		return "unknown_or_offline"
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
