// Package agent assembles a FreeViewer process from its configuration: the
// relay, the host and the client roles share one store, logger, metrics
// registry and health server.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/freeviewer/internal/certutil"
	"github.com/postalsys/freeviewer/internal/client"
	"github.com/postalsys/freeviewer/internal/config"
	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/health"
	"github.com/postalsys/freeviewer/internal/host"
	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/recovery"
	"github.com/postalsys/freeviewer/internal/relay"
	"github.com/postalsys/freeviewer/internal/session"
	"github.com/postalsys/freeviewer/internal/store"
	"github.com/postalsys/freeviewer/internal/transport"
)

// relayDialTimeout bounds each connection attempt to the relay.
const relayDialTimeout = 10 * time.Second

// ErrNoRelay is returned when a host or client has no relay address.
var ErrNoRelay = errors.New("no relay address configured")

// Desktop bundles the local screen and input collaborators. Nil members
// disable the matching channel.
type Desktop struct {
	Source    desktop.FrameSource
	Frames    desktop.FrameSink
	Input     desktop.InputSink
	Clipboard desktop.ClipboardSink
	Chat      desktop.ChatSink
}

// StartOptions selects the roles Start brings up.
type StartOptions struct {
	Relay bool
	Host  bool

	// Desktop serves host sessions.
	Desktop Desktop

	// OnPassword is called with the initial host password and every
	// rotation.
	OnPassword func(password string, generation uint64)
}

// Agent is one FreeViewer process.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   store.Store

	// Relay role
	relaySrv   *relay.Server
	listeners  []transport.Listener
	transports []transport.Transport

	// Host role
	host       *host.Host
	endpoint   *transport.Endpoint
	hostDialer *relay.Dialer
	hostCancel context.CancelFunc

	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the agent's store and prepares logging and metrics.
func New(cfg *config.Config) (*Agent, error) {
	kv, err := store.OpenBolt(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &Agent{
		cfg:     cfg,
		logger:  logging.NewLogger(cfg.Log.Level, cfg.Log.Format),
		metrics: metrics.Default(),
		store:   kv,
	}, nil
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// Store returns the persistent key-value store.
func (a *Agent) Store() store.Store {
	return a.store
}

// Start brings up the selected roles and, when configured, the health
// server.
func (a *Agent) Start(opts StartOptions) error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}
	if !opts.Relay && !opts.Host {
		return fmt.Errorf("no role selected")
	}
	a.running.Store(true)

	if opts.Relay {
		if err := a.startRelay(); err != nil {
			a.Stop()
			return fmt.Errorf("start relay: %w", err)
		}
	}
	if opts.Host {
		if err := a.startHost(opts); err != nil {
			a.Stop()
			return fmt.Errorf("start host: %w", err)
		}
	}

	if a.cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
		}, &agentStatsProvider{agent: a})
		if a.relaySrv != nil {
			a.healthServer.SetRouteProvider(a.relaySrv.Table())
		}
		if a.host != nil {
			a.healthServer.SetSessionProvider(a.host)
		}
		if err := a.healthServer.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthServer.Address())
	}

	return nil
}

// startRelay opens every configured listener and serves it.
func (a *Agent) startRelay() error {
	if len(a.cfg.Relay.Listeners) == 0 {
		return fmt.Errorf("relay.listeners is empty")
	}

	c := a.cfg.Relay
	a.relaySrv = relay.NewServer(relay.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		RouteTimeout:      c.RouteTimeout,
		DirectTimeout:     c.DirectTimeout,
		BindTimeout:       c.BindTimeout,
		MaxForwarded:      c.MaxForwarded,
		ConnectRate:       c.ConnectRate,
		ConnectBurst:      c.ConnectBurst,
		Store:             a.store,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})

	var tlsConfig *tls.Config
	for _, l := range c.Listeners {
		opts := transport.ListenOptions{
			Path:           l.Path,
			MaxConnections: l.MaxConnections,
			PlainText:      l.PlainText,
		}
		if l.PlainText {
			a.logger.Warn("starting plaintext WebSocket listener (no TLS)",
				logging.KeyAddress, l.Address,
				"warning", "only use behind trusted reverse proxy")
		} else {
			if tlsConfig == nil {
				var err error
				if tlsConfig, err = a.relayTLSConfig(); err != nil {
					return err
				}
			}
			opts.TLSConfig = tlsConfig
		}

		tt, _ := transport.ParseTransportType(l.Transport)
		tr := transport.New(tt)
		a.transports = append(a.transports, tr)
		ln, err := tr.Listen(l.Address, opts)
		if err != nil {
			return fmt.Errorf("listen %s: %w", l.Address, err)
		}
		a.listeners = append(a.listeners, ln)

		recovery.Go(&a.wg, a.logger, "relay.serve", func() {
			a.relaySrv.Serve(ln)
		})
		a.logger.Info("listener started",
			logging.KeyAddress, ln.Addr().String(),
			logging.KeyTransport, l.Transport)
	}
	return nil
}

// relayTLSConfig loads the relay certificate, generating and persisting a
// self-signed one on first start.
func (a *Agent) relayTLSConfig() (*tls.Config, error) {
	certFile, keyFile := a.cfg.RelayCertPaths()
	cert, created, err := certutil.LoadOrGenerate(certFile, keyFile, "freeviewer-relay")
	if err != nil {
		return nil, fmt.Errorf("load relay certificate: %w", err)
	}
	if created {
		a.logger.Info("generated relay certificate", logging.KeyFile, certFile)
	}
	a.logger.Info("relay certificate", "fingerprint", cert.Fingerprint())
	return transport.ServerTLSConfig(cert)
}

// relayDialer connects to ep. QUIC relays are dialed from udp so the relay
// observes the address clients will punch toward.
func relayDialer(ep config.RelayEndpoint, udp *transport.Endpoint) (*relay.Dialer, error) {
	if ep.Address == "" {
		return nil, ErrNoRelay
	}
	var tr transport.Transport
	if tt, _ := transport.ParseTransportType(ep.Transport); tt == transport.TransportWebSocket {
		tr = transport.NewWebSocketTransport()
	} else {
		tr = transport.NewQUICTransport(udp)
	}
	return relay.NewDialer(tr, ep.Address, transport.DialOptions{
		PinnedFingerprint: ep.Fingerprint,
		Timeout:           relayDialTimeout,
	}), nil
}

func (a *Agent) startHost(opts StartOptions) error {
	hc := a.cfg.Host
	ep, err := transport.NewEndpoint(hc.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind %s: %w", hc.ListenAddress, err)
	}
	a.endpoint = ep

	dialer, err := relayDialer(hc.Relay, ep)
	if err != nil {
		return err
	}
	a.hostDialer = dialer

	tlsConfig, err := transport.SelfSignedTLSConfig("freeviewer-host")
	if err != nil {
		return fmt.Errorf("direct listener certificate: %w", err)
	}

	creds, err := identity.NewCredentials(hc.Password)
	if err != nil {
		return fmt.Errorf("password: %w", err)
	}
	if opts.OnPassword != nil {
		creds.OnRotate(opts.OnPassword)
		opts.OnPassword(creds.Current())
	}

	sc := a.cfg.Session
	h, err := host.New(host.Config{
		Store:              a.store,
		Relay:              dialer,
		Reconnect:          relay.DefaultReconnectConfig(),
		Endpoint:           ep,
		TLSConfig:          tlsConfig,
		Advertise:          hc.Advertise,
		Credentials:        creds,
		RotateAfterSession: hc.RotateAfterSession,
		MaxSessions:        hc.MaxSessions,
		Capabilities:       hc.Capabilities.Protocol(),
		KeepaliveInterval:  sc.KeepaliveInterval,
		KeepaliveMisses:    sc.KeepaliveMisses,
		HandshakeTimeout:   sc.HandshakeTimeout,
		Argon2:             sc.Argon2,
		Backoff:            session.NewAuthBackoff(sc.AuthBackoffBase, sc.AuthBackoffMax),
		Source:             opts.Desktop.Source,
		Input:              opts.Desktop.Input,
		Clipboard:          opts.Desktop.Clipboard,
		Chat:               opts.Desktop.Chat,
		FileRoot:           hc.FileRoot,
		FileRate:           hc.FileRate,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
	if err != nil {
		return err
	}
	a.host = h

	ctx, cancel := context.WithCancel(context.Background())
	a.hostCancel = cancel
	recovery.Go(&a.wg, a.logger, "host.run", func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("host stopped", logging.KeyError, err)
		}
	})

	a.logger.Info("host started",
		logging.KeyLocalAddr, ep.LocalAddr().String(),
		"relay", hc.Relay.Address)
	return nil
}

// Host returns the host role, or nil when it is not running.
func (a *Agent) Host() *host.Host {
	return a.host
}

// Relay returns the relay role, or nil when it is not running.
func (a *Agent) Relay() *relay.Server {
	return a.relaySrv
}

// HealthAddress returns the health server's listen address, or "" when it
// is disabled.
func (a *Agent) HealthAddress() string {
	if a.healthServer == nil || a.healthServer.Address() == nil {
		return ""
	}
	return a.healthServer.Address().String()
}

// MachineID returns the persisted host ID, or zero before one was claimed.
func (a *Agent) MachineID() identity.MachineID {
	if a.host != nil {
		if id := a.host.MachineID(); id.Valid() {
			return id
		}
	}
	id, err := identity.LoadMachineID(a.store)
	if err != nil {
		return 0
	}
	return id
}

// Client is a client role bound to its own relay connection and UDP
// endpoint. Close releases both.
type Client struct {
	*client.Client

	dialer   *relay.Dialer
	endpoint *transport.Endpoint
}

// Close releases the relay connection and endpoint.
func (c *Client) Close() error {
	c.dialer.Close()
	return c.endpoint.Close()
}

// NewClient creates a client using the client section of the config.
func (a *Agent) NewClient(d Desktop, onState func(from, to session.State)) (*Client, error) {
	cc := a.cfg.Client
	ep, err := transport.NewEndpoint(cc.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cc.ListenAddress, err)
	}
	dialer, err := relayDialer(cc.Relay, ep)
	if err != nil {
		ep.Close()
		return nil, err
	}

	sc := a.cfg.Session
	c, err := client.New(client.Config{
		Relay:             dialer,
		Endpoint:          ep,
		Name:              cc.Name,
		Capabilities:      cc.Capabilities.Protocol(),
		KeepaliveInterval: sc.KeepaliveInterval,
		KeepaliveMisses:   sc.KeepaliveMisses,
		HandshakeTimeout:  sc.HandshakeTimeout,
		Argon2:            sc.Argon2,
		Frames:            d.Frames,
		Clipboard:         d.Clipboard,
		Chat:              d.Chat,
		DownloadDir:       cc.DownloadDir,
		FileRate:          cc.FileRate,
		OnStateChange:     onState,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		dialer.Close()
		ep.Close()
		return nil, err
	}
	return &Client{Client: c, dialer: dialer, endpoint: ep}, nil
}

// Stop gracefully stops every role and closes the store.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.running.Store(false)

		if a.healthServer != nil {
			a.healthServer.Stop()
		}

		if a.hostCancel != nil {
			a.hostCancel()
		}

		for _, l := range a.listeners {
			l.Close()
		}
		a.listeners = nil
		if a.relaySrv != nil {
			a.relaySrv.Close()
		}

		a.wg.Wait()

		if a.hostDialer != nil {
			a.hostDialer.Close()
		}
		if a.endpoint != nil {
			a.endpoint.Close()
		}
		for _, tr := range a.transports {
			tr.Close()
		}
		err = a.store.Close()

		a.logger.Info("agent stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// HealthStats returns health statistics for the health.StatsProvider interface.
func (a *Agent) HealthStats() health.Stats {
	var st health.Stats
	switch {
	case a.host != nil:
		hs := a.host.Stats()
		st.Role = "host"
		st.MachineID = hs.MachineID
		st.Registered = hs.Registered
		st.Sessions = hs.Sessions
		st.PasswordGeneration = hs.PasswordGeneration
	case a.relaySrv != nil:
		st.Role = "relay"
	}
	if a.relaySrv != nil {
		st.HostsRegistered = a.relaySrv.Table().Len()
		if a.host != nil {
			st.Role = "relay+host"
		}
	}
	return st
}

// agentStatsProvider adapts Agent to health.StatsProvider interface.
type agentStatsProvider struct {
	agent *Agent
}

// IsRunning implements health.StatsProvider.
func (p *agentStatsProvider) IsRunning() bool {
	return p.agent.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *agentStatsProvider) Stats() health.Stats {
	return p.agent.HealthStats()
}
