package relay

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/freeviewer/internal/identity"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
	"github.com/postalsys/freeviewer/internal/transport"
)

// broker is one in-flight connection attempt between a client and a host.
type broker struct {
	id     string
	target identity.MachineID

	answers chan *protocol.ConnectAnswer

	mu       sync.Mutex
	binding  bool
	hostLeg  chan transport.Stream
	hostSeen bool
}

func (s *Server) addBroker(b *broker) {
	s.mu.Lock()
	s.brokers[b.id] = b
	s.mu.Unlock()
}

func (s *Server) removeBroker(id string) {
	s.mu.Lock()
	delete(s.brokers, id)
	s.mu.Unlock()
}

func (s *Server) findBroker(id string) *broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokers[id]
}

// deliverAnswer routes a host's ConnectAnswer to the waiting broker. Answers
// for brokers targeting another machine are ignored.
func (s *Server) deliverAnswer(from identity.MachineID, ans *protocol.ConnectAnswer) {
	b := s.findBroker(ans.BrokerID)
	if b == nil || b.target != from {
		return
	}
	select {
	case b.answers <- ans:
	default:
	}
}

// serveClient runs the brokering flow for one ConnectRequest and, when the
// direct attempt fails, forwards the session over the same stream.
func (s *Server) serveClient(stream transport.Stream, fr *protocol.FrameReader, fw *protocol.FrameWriter, req *protocol.ConnectRequest, remote string) {
	start := time.Now()
	target := identity.MachineID(req.TargetID)
	logger := s.logger.With(logging.KeyMachineID, target.String(), logging.KeyRemoteAddr, remote)

	fail := func(outcome string, err error) {
		s.metrics.RecordBroker(outcome, time.Since(start).Seconds())
		logger.Info("connect request failed", "outcome", outcome, logging.KeyError, err)
		s.rejectErr(stream, fw, err)
	}

	if !s.limiter.Allow(remote, start) {
		s.metrics.RecordRateLimited()
		fail("rate_limited", protocol.ErrRateLimited)
		return
	}
	if req.Version != protocol.Version {
		fail("version", fmt.Errorf("%w: relay speaks version %d", protocol.ErrProtocolMismatch, protocol.Version))
		return
	}

	route, err := s.table.Lookup(target, start)
	if err != nil {
		s.metrics.RecordRouteLookup("miss")
		fail("unknown", err)
		return
	}
	s.metrics.RecordRouteLookup("hit")

	if err := s.gate.TryAcquire(); err != nil {
		fail("capacity", err)
		return
	}
	forwarding := false
	defer func() {
		if !forwarding {
			s.gate.Release()
		}
	}()

	b := &broker{
		id:      uuid.NewString(),
		target:  target,
		answers: make(chan *protocol.ConnectAnswer, 1),
		hostLeg: make(chan transport.Stream, 1),
	}
	s.addBroker(b)
	defer s.removeBroker(b.id)
	logger = logger.With(logging.KeyBrokerID, b.id)

	offer := &protocol.ConnectOffer{
		BrokerID:         b.id,
		ClientAddr:       remote,
		ClientCandidates: req.Candidates,
	}
	if err := route.Link.Send(protocol.MsgConnectOffer, offer); err != nil {
		fail("unknown", fmt.Errorf("%w: host link lost", protocol.ErrUnknownOrOffline))
		return
	}

	var ans *protocol.ConnectAnswer
	select {
	case ans = <-b.answers:
	case <-time.After(s.cfg.BindTimeout):
		fail("timeout", fmt.Errorf("%w: host did not answer", protocol.ErrTimeout))
		return
	case <-s.ctx.Done():
		stream.Close()
		return
	}
	if ans.Code != 0 {
		fail("host_refused", ans.Code.Err("host refused"))
		return
	}

	info := &protocol.ConnectInfo{
		BrokerID:        b.id,
		HostCandidates:  ans.Candidates,
		DirectTimeoutMs: protocol.Millis(s.cfg.DirectTimeout),
	}
	if err := protocol.WriteMessage(fw, protocol.ChannelRelay, protocol.MsgConnectInfo, info); err != nil {
		stream.Close()
		return
	}

	// The client reports the direct attempt; a silent client is dropped.
	results := make(chan *protocol.ConnectResult, 1)
	go func() {
		msgType, body, err := protocol.ReadMessage(fr, protocol.ChannelRelay)
		if err != nil || msgType != protocol.MsgConnectResult {
			close(results)
			return
		}
		var res protocol.ConnectResult
		if protocol.DecodeBody(body, &res) != nil {
			close(results)
			return
		}
		results <- &res
	}()

	var res *protocol.ConnectResult
	select {
	case res = <-results:
	case <-time.After(s.cfg.DirectTimeout + directGrace):
	case <-s.ctx.Done():
	}
	if res == nil {
		s.metrics.RecordBroker("timeout", time.Since(start).Seconds())
		stream.Close()
		return
	}
	if res.Direct {
		s.metrics.RecordBroker("direct", time.Since(start).Seconds())
		logger.Info("direct path established")
		stream.Close()
		return
	}

	// Relay fallback: the client's stream becomes its forwarding leg and
	// the host binds a fresh stream.
	b.mu.Lock()
	b.binding = true
	b.mu.Unlock()

	if err := route.Link.Send(protocol.MsgForwardStart, &protocol.ForwardStart{BrokerID: b.id, ClientAddr: remote}); err != nil {
		fail("unknown", fmt.Errorf("%w: host link lost", protocol.ErrUnknownOrOffline))
		return
	}
	if err := protocol.WriteMessage(fw, protocol.ChannelRelay, protocol.MsgForwardStart, &protocol.ForwardStart{BrokerID: b.id}); err != nil {
		stream.Close()
		return
	}

	var hostLeg transport.Stream
	select {
	case hostLeg = <-b.hostLeg:
	case <-time.After(s.cfg.BindTimeout):
		s.removeBroker(b.id)
		select {
		case late := <-b.hostLeg:
			late.Close()
		default:
		}
		fail("timeout", fmt.Errorf("%w: host did not bind", protocol.ErrTimeout))
		return
	case <-s.ctx.Done():
		stream.Close()
		return
	}

	ready := &protocol.ForwardReady{BrokerID: b.id}
	hostFW := protocol.NewFrameWriter(hostLeg)
	if err := protocol.WriteMessage(hostFW, protocol.ChannelRelay, protocol.MsgForwardReady, ready); err != nil {
		hostLeg.Close()
		fail("unknown", fmt.Errorf("%w: host leg lost", protocol.ErrUnknownOrOffline))
		return
	}
	if err := protocol.WriteMessage(fw, protocol.ChannelRelay, protocol.MsgForwardReady, ready); err != nil {
		hostLeg.Close()
		stream.Close()
		return
	}

	s.metrics.RecordBroker("relayed", time.Since(start).Seconds())
	s.removeBroker(b.id)
	forwarding = true

	logger.Info("forwarding session")
	s.metrics.RecordForwardStart()
	n := s.splice(stream, hostLeg)
	s.metrics.RecordForwardEnd(n)
	s.gate.Release()
	logger.Info("forwarding ended", logging.KeyBytes, n)
}

// bindLeg attaches a host stream to a broker awaiting it. Ownership of the
// stream passes to the broker on success.
func (s *Server) bindLeg(stream transport.Stream, fw *protocol.FrameWriter, bind *protocol.ForwardBind) {
	if bind.Role != protocol.RoleHost {
		s.reject(stream, fw, protocol.CodeBadRequest, "only hosts bind forwarding legs")
		return
	}

	b := s.findBroker(bind.BrokerID)
	if b == nil {
		s.reject(stream, fw, protocol.CodeBadRequest, "unknown broker")
		return
	}

	b.mu.Lock()
	ok := b.binding && !b.hostSeen
	b.hostSeen = b.hostSeen || ok
	b.mu.Unlock()
	if !ok {
		s.reject(stream, fw, protocol.CodeBadRequest, "broker not awaiting a leg")
		return
	}

	b.hostLeg <- stream
}

// splice copies bytes in both directions without inspecting them. When
// one direction ends cleanly its end is passed on with CloseWrite and the
// other direction may drain for up to DrainTimeout. Errors, and legs that
// cannot half-close, close both legs at once.
func (s *Server) splice(a, b transport.Stream) int64 {
	var (
		wg    sync.WaitGroup
		once  sync.Once
		total atomic.Int64
		half  = make(chan struct{}, 2)
	)
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	pipe := func(dst, src transport.Stream) {
		defer wg.Done()
		defer recovery.RecoverWithLog(s.logger, "relay.splice")
		n, err := io.Copy(dst, src)
		total.Add(n)
		if err != nil || !transport.HalfCloses(dst) {
			closeBoth()
			return
		}
		dst.CloseWrite()
		half <- struct{}{}
	}

	wg.Add(2)
	go pipe(a, b)
	go pipe(b, a)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-half:
		timer := time.NewTimer(s.cfg.DrainTimeout)
		select {
		case <-done:
		case <-timer.C:
			s.logger.Debug("forward drain timed out")
		}
		timer.Stop()
	}
	closeBoth()
	<-done
	return total.Load()
}
