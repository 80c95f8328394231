package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
	"github.com/postalsys/freeviewer/internal/store"
	"github.com/postalsys/freeviewer/internal/transport"
)

const (
	// firstMessageTimeout bounds how long a new stream may stay silent.
	firstMessageTimeout = 10 * time.Second

	// directGrace is added to the direct timeout before the relay gives up
	// waiting for the client's ConnectResult.
	directGrace = 2 * time.Second

	// limiterIdle is how long an idle source keeps its rate limiter state.
	limiterIdle = 10 * time.Minute
)

// DefaultDrainTimeout is the default Config.DrainTimeout.
const DefaultDrainTimeout = 5 * time.Second

// Config holds relay server settings.
type Config struct {
	HeartbeatInterval time.Duration
	RouteTimeout      time.Duration
	DirectTimeout     time.Duration
	BindTimeout       time.Duration
	MaxForwarded      int
	ConnectRate       float64
	ConnectBurst      int

	// DrainTimeout bounds how long a forwarded direction may keep running
	// after the other one has finished.
	DrainTimeout time.Duration

	// Store persists MachineID claims. Nil uses an in-memory store.
	Store store.Store

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default relay settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		RouteTimeout:      30 * time.Second,
		DirectTimeout:     3 * time.Second,
		BindTimeout:       10 * time.Second,
		MaxForwarded:      1000,
		ConnectRate:       2,
		ConnectBurst:      10,
		DrainTimeout:      DefaultDrainTimeout,
	}
}

// Server is the relay: registry, broker and forwarder.
type Server struct {
	cfg     Config
	table   *RouteTable
	claims  *Claims
	gate    *Gate
	limiter *sourceLimiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	brokers map[string]*broker
	conns   map[transport.PeerConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay server and starts its route sweeper.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		table:   NewRouteTable(cfg.RouteTimeout),
		claims:  NewClaims(cfg.Store),
		gate:    NewGate(cfg.MaxForwarded),
		limiter: newSourceLimiter(cfg.ConnectRate, cfg.ConnectBurst),
		logger:  cfg.Logger.With(logging.KeyComponent, "relay"),
		metrics: cfg.Metrics,
		brokers: make(map[string]*broker),
		conns:   make(map[transport.PeerConn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	recovery.Go(&s.wg, s.logger, "relay.sweeper", s.sweepLoop)
	return s
}

// Table returns the route table.
func (s *Server) Table() *RouteTable {
	return s.table
}

// Gate returns the forwarding admission gate.
func (s *Server) Gate() *Gate {
	return s.gate
}

// Serve accepts connections from ln until ln is closed or the server stops.
func (s *Server) Serve(ln transport.Listener) error {
	s.logger.Info("relay listening", logging.KeyAddress, ln.Addr().String())
	for {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		recovery.Go(&s.wg, s.logger, "relay.conn", func() {
			s.handleConn(conn)
		})
	}
}

// Close stops the server and closes every connection.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for _, r := range s.table.Sweep(now) {
				s.logger.Info("route expired",
					logging.KeyMachineID, r.MachineID.String(),
					logging.KeyGeneration, r.Generation)
				r.Link.Close()
			}
			s.limiter.Prune(now, limiterIdle)
			s.metrics.SetHostsRegistered(s.table.Len())
		}
	}
}

func (s *Server) handleConn(conn transport.PeerConn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		// A WebSocket connection yields one stream; the next AcceptStream
		// returns once the connection closes.
		recovery.Go(&s.wg, s.logger, "relay.stream", func() {
			s.handleStream(stream, remote)
		})
	}
}

// handleStream dispatches on the first message. Each handler owns the
// stream and closes it when done.
func (s *Server) handleStream(stream transport.Stream, remote string) {
	fr := protocol.NewFrameReader(stream)
	fw := protocol.NewFrameWriter(stream)

	stream.SetReadDeadline(time.Now().Add(firstMessageTimeout))
	msgType, body, err := protocol.ReadMessage(fr, protocol.ChannelRelay)
	if err != nil {
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	switch msgType {
	case protocol.MsgRegister:
		var reg protocol.Register
		if err := protocol.DecodeBody(body, &reg); err != nil {
			s.reject(stream, fw, protocol.CodeBadRequest, "malformed register")
			return
		}
		s.serveHost(stream, fr, fw, &reg, remote)

	case protocol.MsgConnectRequest:
		var req protocol.ConnectRequest
		if err := protocol.DecodeBody(body, &req); err != nil {
			s.reject(stream, fw, protocol.CodeBadRequest, "malformed connect request")
			return
		}
		s.serveClient(stream, fr, fw, &req, remote)

	case protocol.MsgForwardBind:
		var bind protocol.ForwardBind
		if err := protocol.DecodeBody(body, &bind); err != nil {
			s.reject(stream, fw, protocol.CodeBadRequest, "malformed bind")
			return
		}
		s.bindLeg(stream, fw, &bind)

	default:
		s.reject(stream, fw, protocol.CodeUnsupportedAction, msgType.String())
	}
}

func (s *Server) reject(stream transport.Stream, fw *protocol.FrameWriter, code protocol.ErrorCode, msg string) {
	protocol.WriteMessage(fw, protocol.ChannelRelay, protocol.MsgRelayError, &protocol.RelayError{Code: code, Message: msg})
	stream.Close()
}

func (s *Server) rejectErr(stream transport.Stream, fw *protocol.FrameWriter, err error) {
	s.reject(stream, fw, protocol.CodeFor(err), err.Error())
}

// hostLink is the control stream of a registered host. Writes come from the
// host's own serve loop and from brokers, so they are serialised.
type hostLink struct {
	mu     sync.Mutex
	fw     *protocol.FrameWriter
	stream transport.Stream
}

func (l *hostLink) Send(t protocol.MsgType, body any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return protocol.WriteMessage(l.fw, protocol.ChannelRelay, t, body)
}

func (l *hostLink) Close() error {
	return l.stream.Close()
}

func (s *Server) serveHost(stream transport.Stream, fr *protocol.FrameReader, fw *protocol.FrameWriter, reg *protocol.Register, remote string) {
	id := identity.MachineID(reg.MachineID)
	logger := s.logger.With(logging.KeyMachineID, id.String(), logging.KeyRemoteAddr, remote)

	if reg.Version != protocol.Version {
		s.metrics.RecordRegistration("version")
		s.rejectErr(stream, fw, fmt.Errorf("%w: relay speaks version %d", protocol.ErrProtocolMismatch, protocol.Version))
		return
	}
	if !id.Valid() {
		s.metrics.RecordRegistration("invalid")
		s.reject(stream, fw, protocol.CodeBadRequest, "invalid machine id")
		return
	}
	if err := s.claims.Claim(id, reg.Secret); err != nil {
		s.metrics.RecordRegistration("collision")
		logger.Warn("registration refused", logging.KeyError, err)
		s.rejectErr(stream, fw, err)
		return
	}

	link := &hostLink{fw: fw, stream: stream}
	gen, old := s.table.Register(id, link, remote, reg.Candidates, time.Now())
	if old != nil {
		logger.Info("registration superseded", logging.KeyGeneration, old.Generation)
		old.Link.Send(protocol.MsgSuperseded, &protocol.Superseded{Generation: gen})
		old.Link.Close()
	}
	defer func() {
		if s.table.Remove(id, gen) {
			logger.Info("host unregistered", logging.KeyGeneration, gen)
		}
		s.metrics.SetHostsRegistered(s.table.Len())
		stream.Close()
	}()

	s.metrics.RecordRegistration("ok")
	s.metrics.SetHostsRegistered(s.table.Len())
	logger.Info("host registered", logging.KeyGeneration, gen)

	ack := &protocol.RegisterAck{
		Generation:          gen,
		ObservedAddr:        remote,
		HeartbeatIntervalMs: protocol.Millis(s.cfg.HeartbeatInterval),
	}
	if err := link.Send(protocol.MsgRegisterAck, ack); err != nil {
		return
	}

	for {
		stream.SetReadDeadline(time.Now().Add(s.cfg.RouteTimeout))
		msgType, body, err := protocol.ReadMessage(fr, protocol.ChannelRelay)
		if err != nil {
			return
		}

		switch msgType {
		case protocol.MsgHeartbeat:
			var hb protocol.Heartbeat
			if err := protocol.DecodeBody(body, &hb); err != nil {
				return
			}
			if err := s.table.Heartbeat(id, hb.Generation, time.Now()); err != nil {
				link.Send(protocol.MsgSuperseded, &protocol.Superseded{Generation: gen})
				return
			}
			if err := link.Send(protocol.MsgHeartbeatAck, &protocol.HeartbeatAck{Generation: gen}); err != nil {
				return
			}

		case protocol.MsgConnectAnswer:
			var ans protocol.ConnectAnswer
			if err := protocol.DecodeBody(body, &ans); err != nil {
				return
			}
			s.deliverAnswer(id, &ans)

		default:
			logger.Debug("ignoring host message", "type", msgType.String())
		}
	}
}
