package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
	"github.com/postalsys/freeviewer/internal/transport"
)

// StreamOpener opens streams to the relay.
type StreamOpener interface {
	OpenStream(ctx context.Context) (transport.Stream, error)
}

// OfferHandler answers a brokered connection attempt. It typically punches
// toward the client and returns the host's candidates.
type OfferHandler func(ctx context.Context, offer *protocol.ConnectOffer) *protocol.ConnectAnswer

// ForwardHandler takes ownership of a bound forwarding leg. clientAddr is the
// client address observed by the relay.
type ForwardHandler func(stream transport.Stream, clientAddr string)

// RegistrarConfig configures the host side of the relay protocol.
type RegistrarConfig struct {
	Relay      StreamOpener
	MachineID  identity.MachineID
	Secret     []byte
	Candidates func() []string
	Reconnect  ReconnectConfig
	OnOffer    OfferHandler
	OnForward  ForwardHandler
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Registrar keeps a host registered with the relay and services its
// offers and forwarding requests.
type Registrar struct {
	cfg    RegistrarConfig
	logger *slog.Logger

	mu         sync.Mutex
	id         identity.MachineID
	generation uint64
	observed   string
	registered bool
	changed    chan struct{}
}

// NewRegistrar creates a registrar. MachineID may be set later with
// SetMachineID, after Claim has picked one.
func NewRegistrar(cfg RegistrarConfig) *Registrar {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Candidates == nil {
		cfg.Candidates = func() []string { return nil }
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	return &Registrar{
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.KeyComponent, "registrar"),
		id:      cfg.MachineID,
		changed: make(chan struct{}),
	}
}

// SetMachineID sets the ID registered by Run.
func (r *Registrar) SetMachineID(id identity.MachineID) {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

// Registered reports whether the host currently holds a live registration.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// ObservedAddr returns the host address as seen by the relay.
func (r *Registrar) ObservedAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed
}

// WaitRegistered blocks until the host is registered or ctx ends.
func (r *Registrar) WaitRegistered(ctx context.Context) error {
	for {
		r.mu.Lock()
		ok, ch := r.registered, r.changed
		r.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registrar) setRegistered(ok bool, gen uint64, observed string) {
	r.mu.Lock()
	r.registered = ok
	if ok {
		r.generation = gen
		r.observed = observed
	}
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Claim registers id once and disconnects. It is the identity.ClaimFunc
// used when a host picks its MachineID.
func (r *Registrar) Claim(ctx context.Context, id identity.MachineID) error {
	stream, _, _, err := r.register(ctx, id)
	if err != nil {
		return err
	}
	stream.Close()
	return nil
}

func (r *Registrar) register(ctx context.Context, id identity.MachineID) (transport.Stream, *protocol.FrameReader, *protocol.RegisterAck, error) {
	stream, err := r.cfg.Relay.OpenStream(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open relay stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	fr := protocol.NewFrameReader(stream)
	fw := protocol.NewFrameWriter(stream)

	reg := &protocol.Register{
		Version:    protocol.Version,
		MachineID:  uint32(id),
		Secret:     r.cfg.Secret,
		Candidates: r.cfg.Candidates(),
	}
	if err := protocol.WriteMessage(fw, protocol.ChannelRelay, protocol.MsgRegister, reg); err != nil {
		stream.Close()
		return nil, nil, nil, err
	}

	msgType, body, err := protocol.ReadMessage(fr, protocol.ChannelRelay)
	if err != nil {
		stream.Close()
		return nil, nil, nil, err
	}
	switch msgType {
	case protocol.MsgRegisterAck:
		var ack protocol.RegisterAck
		if err := protocol.DecodeBody(body, &ack); err != nil {
			stream.Close()
			return nil, nil, nil, err
		}
		return stream, fr, &ack, nil
	case protocol.MsgRelayError:
		stream.Close()
		return nil, nil, nil, decodeRelayError(body)
	default:
		stream.Close()
		return nil, nil, nil, fmt.Errorf("%w: unexpected %s", protocol.ErrProtocolMismatch, msgType)
	}
}

// Run keeps the host registered until ctx ends. It returns early only for
// errors a retry cannot fix: ID collision, version mismatch, or being
// superseded by another instance of the same host.
func (r *Registrar) Run(ctx context.Context) error {
	bo := newBackoff(r.cfg.Reconnect)

	for {
		r.mu.Lock()
		id := r.id
		r.mu.Unlock()

		err := r.session(ctx, id, bo)
		r.setRegistered(false, 0, "")
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, protocol.ErrIDCollision) || errors.Is(err, protocol.ErrProtocolMismatch) || errors.Is(err, ErrSuperseded) {
			r.logger.Error("registration stopped", logging.KeyError, err)
			return err
		}

		r.cfg.Metrics.RecordRegistrationLost()
		delay := bo.Next()
		r.logger.Warn("relay link lost, re-registering",
			logging.KeyError, err,
			logging.KeyDuration, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session registers once and serves the link until it fails.
func (r *Registrar) session(ctx context.Context, id identity.MachineID, bo *backoff) error {
	stream, fr, ack, err := r.register(ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close()

	bo.Reset()
	r.setRegistered(true, ack.Generation, ack.ObservedAddr)
	r.logger.Info("registered with relay",
		logging.KeyMachineID, id.String(),
		logging.KeyGeneration, ack.Generation,
		"observed_addr", ack.ObservedAddr)

	link := &hostLink{fw: protocol.NewFrameWriter(stream), stream: stream}
	interval := protocol.FromMillis(ack.HeartbeatIntervalMs)
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	recovery.Go(nil, r.logger, "registrar.heartbeat", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hb := &protocol.Heartbeat{MachineID: uint32(id), Generation: ack.Generation}
				if err := link.Send(protocol.MsgHeartbeat, hb); err != nil {
					stream.Close()
					return
				}
			}
		}
	})

	for {
		stream.SetReadDeadline(time.Now().Add(3 * interval))
		msgType, body, err := protocol.ReadMessage(fr, protocol.ChannelRelay)
		if err != nil {
			return fmt.Errorf("%w: relay link: %v", protocol.ErrTimeout, err)
		}

		switch msgType {
		case protocol.MsgHeartbeatAck:

		case protocol.MsgSuperseded:
			return ErrSuperseded

		case protocol.MsgConnectOffer:
			var offer protocol.ConnectOffer
			if err := protocol.DecodeBody(body, &offer); err != nil {
				continue
			}
			recovery.Go(nil, r.logger, "registrar.offer", func() {
				r.answer(ctx, link, &offer)
			})

		case protocol.MsgForwardStart:
			var start protocol.ForwardStart
			if err := protocol.DecodeBody(body, &start); err != nil {
				continue
			}
			recovery.Go(nil, r.logger, "registrar.forward", func() {
				r.bind(ctx, &start)
			})

		case protocol.MsgRelayError:
			return decodeRelayError(body)
		}
	}
}

func (r *Registrar) answer(ctx context.Context, link *hostLink, offer *protocol.ConnectOffer) {
	ans := &protocol.ConnectAnswer{BrokerID: offer.BrokerID}
	if r.cfg.OnOffer != nil {
		ans = r.cfg.OnOffer(ctx, offer)
		ans.BrokerID = offer.BrokerID
	}
	if err := link.Send(protocol.MsgConnectAnswer, ans); err != nil {
		r.logger.Debug("failed to answer offer", logging.KeyBrokerID, offer.BrokerID, logging.KeyError, err)
	}
}

// bind opens a forwarding leg for start and hands it to OnForward once the
// relay reports both legs ready.
func (r *Registrar) bind(ctx context.Context, start *protocol.ForwardStart) {
	logger := r.logger.With(logging.KeyBrokerID, start.BrokerID)

	stream, err := BindForward(ctx, r.cfg.Relay, start.BrokerID)
	if err != nil {
		logger.Warn("forward bind failed", logging.KeyError, err)
		return
	}
	if r.cfg.OnForward == nil {
		stream.Close()
		return
	}
	r.cfg.OnForward(stream, start.ClientAddr)
}

// BindForward opens a stream, binds it as the host leg of brokerID and waits
// for ForwardReady. The returned stream carries opaque session frames.
func BindForward(ctx context.Context, relay StreamOpener, brokerID string) (transport.Stream, error) {
	stream, err := relay.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	fr := protocol.NewFrameReader(stream)
	fw := protocol.NewFrameWriter(stream)

	bind := &protocol.ForwardBind{BrokerID: brokerID, Role: protocol.RoleHost}
	if err := protocol.WriteMessage(fw, protocol.ChannelRelay, protocol.MsgForwardBind, bind); err != nil {
		stream.Close()
		return nil, err
	}

	if err := expectReady(fr); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func expectReady(fr *protocol.FrameReader) error {
	msgType, body, err := protocol.ReadMessage(fr, protocol.ChannelRelay)
	if err != nil {
		return err
	}
	switch msgType {
	case protocol.MsgForwardReady:
		return nil
	case protocol.MsgRelayError:
		return decodeRelayError(body)
	default:
		return fmt.Errorf("%w: unexpected %s", protocol.ErrProtocolMismatch, msgType)
	}
}

func decodeRelayError(body []byte) error {
	var re protocol.RelayError
	if err := protocol.DecodeBody(body, &re); err != nil {
		return err
	}
	if re.Code == protocol.CodeSuperseded {
		return ErrSuperseded
	}
	return re.Err()
}
