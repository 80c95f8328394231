// Package host runs the controlled side: it keeps the machine registered
// with the relay, answers brokered connection attempts, accepts direct and
// relayed sessions and serves the desktop over them.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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
	"github.com/postalsys/freeviewer/internal/store"
	"github.com/postalsys/freeviewer/internal/transport"
)

// DefaultMaxSessions bounds concurrent sessions per host.
const DefaultMaxSessions = 4

// ErrAtCapacity is returned when the host already runs MaxSessions sessions.
var ErrAtCapacity = errors.New("host at session capacity")

// Config configures a Host.
type Config struct {
	// MachineID is this host's ID. Zero claims one through the relay and
	// persists it in Store.
	MachineID identity.MachineID
	Store     store.Store
	Secret    []byte

	// Relay opens streams to the rendezvous relay.
	Relay     relay.StreamOpener
	Reconnect relay.ReconnectConfig

	// Endpoint, when set, accepts direct QUIC sessions and sends hole-punch
	// packets. Without it every session is relayed.
	Endpoint  *transport.Endpoint
	TLSConfig *tls.Config
	Advertise []string

	Credentials *identity.Credentials

	// RotateAfterSession issues a new password whenever the last active
	// session ends.
	RotateAfterSession bool

	MaxSessions  int
	Capabilities protocol.Capabilities

	KeepaliveInterval time.Duration
	KeepaliveMisses   int
	HandshakeTimeout  time.Duration
	Argon2            crypto.Argon2Params
	Backoff           *session.AuthBackoff

	// Desktop collaborators. Nil sinks discard their channel.
	Source    desktop.FrameSource
	Input     desktop.InputSink
	Clipboard desktop.ClipboardSink
	Chat      desktop.ChatSink

	// FileRoot is shared for listing, pulls and uploads. Empty disables
	// file transfer.
	FileRoot string
	FileRate int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Host serves sessions for one machine.
type Host struct {
	cfg       Config
	logger    *slog.Logger
	registrar *relay.Registrar
	fileRoot  *filetransfer.Root

	mu       sync.Mutex
	id       identity.MachineID
	sessions map[*session.Session]*served
	ctx      context.Context

	wg sync.WaitGroup
}

// served is one session with its channel handlers.
type served struct {
	sess  *session.Session
	mux   *mux.Mux
	files *filetransfer.Manager
}

// New validates cfg and creates a Host.
func New(cfg Config) (*Host, error) {
	if cfg.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if len(cfg.Secret) == 0 {
		secret, err := identity.LoadOrCreateSecret(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("load registration secret: %w", err)
		}
		cfg.Secret = secret
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Backoff == nil {
		cfg.Backoff = session.NewAuthBackoff(0, 0)
	}
	if cfg.Capabilities.Version == 0 {
		cfg.Capabilities.Version = protocol.Version
	}
	if cfg.Source != nil && len(cfg.Capabilities.Monitors) == 0 {
		for _, m := range cfg.Source.Monitors() {
			cfg.Capabilities.Monitors = append(cfg.Capabilities.Monitors, protocol.Monitor{
				Index:   m.Index,
				Width:   m.Width,
				Height:  m.Height,
				Primary: m.Primary,
			})
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	h := &Host{
		cfg:      cfg,
		logger:   logger.With(logging.KeyComponent, "host"),
		id:       cfg.MachineID,
		sessions: make(map[*session.Session]*served),
		ctx:      context.Background(),
	}
	if cfg.FileRoot != "" {
		root, err := filetransfer.NewRoot(cfg.FileRoot)
		if err != nil {
			return nil, fmt.Errorf("file root: %w", err)
		}
		h.fileRoot = root
	}

	h.registrar = relay.NewRegistrar(relay.RegistrarConfig{
		Relay:      cfg.Relay,
		MachineID:  cfg.MachineID,
		Secret:     cfg.Secret,
		Candidates: h.candidates,
		Reconnect:  cfg.Reconnect,
		OnOffer:    h.onOffer,
		OnForward:  h.onForward,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	return h, nil
}

// MachineID returns the host's ID, or zero before Run has claimed one.
func (h *Host) MachineID() identity.MachineID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Registrar exposes the relay registration state.
func (h *Host) Registrar() *relay.Registrar {
	return h.registrar
}

// WaitRegistered blocks until the host is reachable through the relay.
func (h *Host) WaitRegistered(ctx context.Context) error {
	return h.registrar.WaitRegistered(ctx)
}

// Password returns the current password and its generation.
func (h *Host) Password() (string, uint64) {
	return h.cfg.Credentials.Current()
}

// RotatePassword issues a new password under the current policy. Sessions
// that are already past key confirmation are unaffected.
func (h *Host) RotatePassword() (string, error) {
	return h.RotatePasswordWith(h.cfg.Credentials.Policy())
}

// RotatePasswordWith issues a new password under policy and keeps policy
// for later rotations.
func (h *Host) RotatePasswordWith(policy identity.PasswordPolicy) (string, error) {
	pw, err := h.cfg.Credentials.Rotate(policy)
	if err != nil {
		return "", err
	}
	h.logger.Info("password rotated", "length", policy.Length)
	return pw, nil
}

// Claim makes sure the host has a MachineID, claiming and persisting a new
// one through the relay when needed.
func (h *Host) Claim(ctx context.Context) (identity.MachineID, error) {
	h.mu.Lock()
	id := h.id
	h.mu.Unlock()
	if id.Valid() {
		return id, nil
	}

	id, created, err := identity.GetOrCreateMachineID(ctx, h.cfg.Store, h.registrar.Claim)
	if err != nil {
		return 0, err
	}
	if created {
		h.logger.Info("claimed machine ID", logging.KeyMachineID, id.Format())
	}
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
	h.registrar.SetMachineID(id)
	return id, nil
}

// Run serves until ctx ends: relay registration, the direct listener and
// idle password rotation. Open sessions are closed on return.
func (h *Host) Run(ctx context.Context) error {
	if _, err := h.Claim(ctx); err != nil {
		return fmt.Errorf("claim machine ID: %w", err)
	}
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.registrar.Run(gctx)
	})
	g.Go(func() error {
		err := h.cfg.Credentials.Run(gctx, h.Idle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if h.cfg.Endpoint != nil && h.cfg.TLSConfig != nil {
		ln, err := h.cfg.Endpoint.Listen(transport.ListenOptions{TLSConfig: h.cfg.TLSConfig})
		if err != nil {
			return fmt.Errorf("direct listener: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			h.acceptDirect(gctx, ln)
			return nil
		})
	}

	err := g.Wait()
	h.closeAll()
	h.wg.Wait()
	return err
}

// candidates returns the addresses a client may try for a direct session.
func (h *Host) candidates() []string {
	if len(h.cfg.Advertise) > 0 {
		return h.cfg.Advertise
	}
	if h.cfg.Endpoint == nil {
		return nil
	}
	out := h.cfg.Endpoint.LocalCandidates()
	if observed := h.registrar.ObservedAddr(); observed != "" {
		out = append(out, observed)
	}
	return out
}

// onOffer punches toward the client and returns our candidates, or refuses
// when no session slot is free.
func (h *Host) onOffer(_ context.Context, offer *protocol.ConnectOffer) *protocol.ConnectAnswer {
	logger := h.logger.With(logging.KeyBrokerID, offer.BrokerID, logging.KeyRemoteAddr, offer.ClientAddr)
	if h.activeCount() >= h.cfg.MaxSessions {
		logger.Warn("refusing connection offer, at capacity")
		return &protocol.ConnectAnswer{Code: protocol.CodeCapacityExceeded}
	}

	cands := h.candidates()
	if h.cfg.Endpoint != nil && h.cfg.TLSConfig != nil {
		targets := append([]string{}, offer.ClientCandidates...)
		if offer.ClientAddr != "" {
			targets = append(targets, offer.ClientAddr)
		}
		sent := h.cfg.Endpoint.Punch(targets)
		logger.Debug("punched toward client", logging.KeyCount, sent)
	}
	logger.Info("answering connection offer", "candidates", len(cands))
	return &protocol.ConnectAnswer{Candidates: cands}
}

// onForward serves a relayed session leg.
func (h *Host) onForward(stream transport.Stream, clientAddr string) {
	h.wg.Add(1)
	defer h.wg.Done()
	if err := h.Serve(h.context(), stream, session.PathRelayed, clientAddr); err != nil {
		h.logger.Info("relayed session ended", logging.KeyRemoteAddr, clientAddr, logging.KeyError, err)
	}
}

func (h *Host) acceptDirect(ctx context.Context, ln transport.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("direct accept failed", logging.KeyError, err)
			}
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer recovery.RecoverWithLog(h.logger, "host.direct")
			defer conn.Close()

			actx, cancel := context.WithTimeout(ctx, session.DefaultHandshakeTimeout)
			stream, err := conn.AcceptStream(actx)
			cancel()
			if err != nil {
				h.logger.Debug("direct connection without stream", logging.KeyRemoteAddr, conn.RemoteAddr().String(), logging.KeyError, err)
				return
			}
			peer := conn.RemoteAddr().String()
			if err := h.Serve(ctx, stream, session.PathDirect, peer); err != nil {
				h.logger.Info("direct session ended", logging.KeyRemoteAddr, peer, logging.KeyError, err)
			}
		}()
	}
}

func (h *Host) context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// Serve runs one session over conn until it ends. It returns the session's
// terminal error, or nil after an orderly close.
func (h *Host) Serve(ctx context.Context, conn io.ReadWriteCloser, path session.Path, peerAddr string) error {
	h.mu.Lock()
	if len(h.sessions) >= h.cfg.MaxSessions {
		h.mu.Unlock()
		conn.Close()
		return ErrAtCapacity
	}
	id := h.id
	h.mu.Unlock()

	sess := session.New(session.Config{
		Role:      crypto.RoleHost,
		MachineID: id,
		Passwords: func() string {
			pw, _ := h.cfg.Credentials.Current()
			return pw
		},
		Capabilities:      h.cfg.Capabilities,
		Path:              path,
		PeerAddr:          peerAddr,
		Backoff:           h.cfg.Backoff,
		KeepaliveInterval: h.cfg.KeepaliveInterval,
		KeepaliveMisses:   h.cfg.KeepaliveMisses,
		HandshakeTimeout:  h.cfg.HandshakeTimeout,
		Argon2:            h.cfg.Argon2,
		Logger:            h.logger,
		Metrics:           h.cfg.Metrics,
	})
	m := mux.New(sess, mux.Handlers{
		Input:     h.cfg.Input,
		Clipboard: h.cfg.Clipboard,
		Chat:      h.cfg.Chat,
	}, mux.Config{Name: "host", Logger: h.logger, Metrics: h.cfg.Metrics})

	s := &served{sess: sess, mux: m}
	if h.fileRoot != nil {
		s.files = filetransfer.NewManager(m, filetransfer.Config{
			Root:     h.fileRoot,
			Dir:      h.fileRoot.Dir(),
			Throttle: filetransfer.NewThrottle(h.cfg.FileRate),
			Logger:   h.logger,
			Metrics:  h.cfg.Metrics,
		})
		m.HandleFile(s.files.Handle)
	}

	h.mu.Lock()
	h.sessions[sess] = s
	h.mu.Unlock()
	defer h.remove(s)

	if err := sess.Handshake(ctx, conn); err != nil {
		return err
	}
	m.Start()

	vctx, stopVideo := context.WithCancel(ctx)
	defer stopVideo()
	if h.cfg.Source != nil && sess.Agreed().HasChannel(protocol.ChannelVideo) {
		monitor := sess.Agreed().Monitors[0].Index
		recovery.Go(&h.wg, h.logger, "host.video", func() {
			err := m.RunVideo(vctx, h.cfg.Source, monitor)
			if err != nil && !errors.Is(err, mux.ErrSessionDone) && !errors.Is(err, context.Canceled) {
				h.logger.Warn("video stopped", logging.KeyError, err)
			}
		})
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Close()
		<-sess.Done()
	}
	return sess.Err()
}

func (h *Host) remove(s *served) {
	if s.files != nil {
		s.files.Close()
	}
	s.mux.Wait()

	h.mu.Lock()
	delete(h.sessions, s.sess)
	idle := h.idleLocked()
	h.mu.Unlock()

	if idle && h.cfg.RotateAfterSession && s.sess.Err() == nil {
		if _, err := h.RotatePassword(); err != nil {
			h.logger.Error("password rotation failed", logging.KeyError, err)
		}
	}
}

// activeCount counts sessions that are not yet terminal.
func (h *Host) activeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Idle reports whether no session is in progress.
func (h *Host) Idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idleLocked()
}

func (h *Host) idleLocked() bool {
	for sess := range h.sessions {
		if !sess.State().Terminal() {
			return false
		}
	}
	return true
}

// Sessions returns a snapshot of every session in progress, oldest first.
func (h *Host) Sessions() []session.Info {
	h.mu.Lock()
	out := make([]session.Info, 0, len(h.sessions))
	for sess := range h.sessions {
		out = append(out, sess.Info())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats summarises the host for health endpoints.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	_, gen := h.cfg.Credentials.Current()
	return Stats{
		MachineID:          h.MachineID().Format(),
		Registered:         h.registrar.Registered(),
		ObservedAddr:       h.registrar.ObservedAddr(),
		Sessions:           n,
		PasswordGeneration: gen,
	}
}

// Stats is a host status summary.
type Stats struct {
	MachineID          string `json:"machine_id"`
	Registered         bool   `json:"registered"`
	ObservedAddr       string `json:"observed_addr,omitempty"`
	Sessions           int    `json:"sessions"`
	PasswordGeneration uint64 `json:"password_generation"`
}

func (h *Host) closeAll() {
	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
