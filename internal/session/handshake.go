package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/freeviewer/internal/crypto"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/protocol"
)

// RejectError is a handshake refusal sent by the host. It unwraps to the
// error kind of its code.
type RejectError struct {
	Code       protocol.ErrorCode
	Reason     string
	RetryAfter time.Duration
}

func (e *RejectError) Error() string {
	msg := fmt.Sprintf("rejected by host: %v", e.Code.Err(e.Reason))
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Unwrap returns the error kind of the reject code.
func (e *RejectError) Unwrap() error {
	return e.Code.Err("")
}

func decodeReject(body []byte) error {
	var r protocol.Reject
	if err := protocol.DecodeBody(body, &r); err != nil {
		return err
	}
	return &RejectError{Code: r.Code, Reason: r.Reason, RetryAfter: protocol.FromMillis(r.RetryAfterMs)}
}

// clientHandshake runs the client side:
//
//	-> Hello            <- HelloAck | Reject
//	-> ConfirmKey       <- ConfirmKey | Reject
//	-> Capabilities     <- Agreed | Mismatch
func (s *Session) clientHandshake() error {
	ex, err := crypto.NewExchange(crypto.RoleClient, s.cfg.Password, uint32(s.cfg.MachineID), []byte(s.id), s.cfg.Argon2)
	s.cfg.Password = ""
	if err != nil {
		return err
	}

	hello := &protocol.Hello{
		Version:    protocol.Version,
		SessionID:  s.id,
		TargetID:   uint32(s.cfg.MachineID),
		ClientName: s.cfg.ClientName,
		PAKE:       ex.Message(),
	}
	if err := protocol.WriteMessage(s.fw, protocol.ChannelHandshake, protocol.MsgHello, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	t, body, err := protocol.ReadMessage(s.fr, protocol.ChannelHandshake)
	if err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	switch t {
	case protocol.MsgHelloAck:
	case protocol.MsgReject:
		return decodeReject(body)
	default:
		return fmt.Errorf("%w: expected HELLO_ACK, got %s", protocol.ErrProtocolMismatch, t)
	}
	var ack protocol.HelloAck
	if err := protocol.DecodeBody(body, &ack); err != nil {
		return err
	}
	if ack.SessionID != s.id {
		return fmt.Errorf("%w: session id mismatch", protocol.ErrProtocolMismatch)
	}

	keys, err := ex.Finish(ack.PAKE)
	if err != nil {
		return err
	}
	defer keys.Zero()
	if s.key, err = keys.SessionKey(); err != nil {
		return err
	}

	if err := s.writeControl(protocol.MsgConfirmKey, &protocol.ConfirmKey{MAC: keys.Confirmation()}); err != nil {
		return fmt.Errorf("send key confirmation: %w", err)
	}
	t, body, err = s.readSealed(false)
	if err != nil {
		return err
	}
	if t != protocol.MsgConfirmKey {
		return fmt.Errorf("%w: expected CONFIRM_KEY, got %s", protocol.ErrProtocolMismatch, t)
	}
	var confirm protocol.ConfirmKey
	if err := protocol.DecodeBody(body, &confirm); err != nil {
		return err
	}
	if err := keys.VerifyConfirmation(confirm.MAC); err != nil {
		return fmt.Errorf("%w: host key confirmation", protocol.ErrAuthFailed)
	}

	if err := s.sm.transition(StateNegotiating); err != nil {
		return err
	}
	offer := s.cfg.Capabilities
	if err := s.writeControl(protocol.MsgCapabilities, &offer); err != nil {
		return fmt.Errorf("send capabilities: %w", err)
	}
	t, body, err = s.readSealed(false)
	if err != nil {
		return err
	}
	switch t {
	case protocol.MsgAgreed:
	case protocol.MsgMismatch:
		var m protocol.Mismatch
		_ = protocol.DecodeBody(body, &m)
		return fmt.Errorf("%w: %s", protocol.ErrProtocolMismatch, m.Reason)
	default:
		return fmt.Errorf("%w: expected AGREED, got %s", protocol.ErrProtocolMismatch, t)
	}
	var agreed protocol.Agreed
	if err := protocol.DecodeBody(body, &agreed); err != nil {
		return err
	}
	if err := checkAgreed(&offer, &agreed); err != nil {
		return err
	}
	s.mu.Lock()
	s.agreed = &agreed
	s.mu.Unlock()
	return nil
}

// hostHandshake mirrors clientHandshake. The password is the one current
// when Hello arrives; later rotation does not affect this session.
func (s *Session) hostHandshake() error {
	t, body, err := protocol.ReadMessage(s.fr, protocol.ChannelHandshake)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if t != protocol.MsgHello {
		s.reject(protocol.CodeProtocolMismatch, "expected hello", 0)
		return fmt.Errorf("%w: expected HELLO, got %s", protocol.ErrProtocolMismatch, t)
	}
	var hello protocol.Hello
	if err := protocol.DecodeBody(body, &hello); err != nil {
		s.reject(protocol.CodeBadRequest, "malformed hello", 0)
		return err
	}
	if hello.Version != protocol.Version {
		s.reject(protocol.CodeProtocolMismatch, fmt.Sprintf("unsupported version %d", hello.Version), 0)
		return fmt.Errorf("%w: version: client %d, host %d", protocol.ErrProtocolMismatch, hello.Version, protocol.Version)
	}
	if hello.SessionID == "" || len(hello.SessionID) > maxSessionIDLen {
		s.reject(protocol.CodeBadRequest, "invalid session id", 0)
		return fmt.Errorf("%w: invalid session id", protocol.ErrProtocolMismatch)
	}
	if hello.TargetID != uint32(s.cfg.MachineID) {
		s.reject(protocol.CodeUnknownOrOffline, "", 0)
		return fmt.Errorf("%w: hello for %d", protocol.ErrUnknownOrOffline, hello.TargetID)
	}

	s.mu.Lock()
	s.id = hello.SessionID
	s.clientName = hello.ClientName
	s.mu.Unlock()
	s.logger = s.logger.With(logging.KeySessionID, hello.SessionID)

	peer := PeerKey(s.cfg.PeerAddr)
	if s.cfg.Backoff != nil {
		if wait := s.cfg.Backoff.Check(peer); wait > 0 {
			s.reject(protocol.CodeAuthBackoff, "too many failed attempts", wait)
			return fmt.Errorf("%w: peer backing off for %s", protocol.ErrAuthFailed, wait.Round(time.Millisecond))
		}
	}

	password := ""
	if s.cfg.Passwords != nil {
		password = s.cfg.Passwords()
	}
	ex, err := crypto.NewExchange(crypto.RoleHost, password, uint32(s.cfg.MachineID), []byte(hello.SessionID), s.cfg.Argon2)
	if err != nil {
		return err
	}
	ours := ex.Message()
	keys, err := ex.Finish(hello.PAKE)
	if err != nil {
		s.reject(protocol.CodeProtocolMismatch, "invalid key exchange element", 0)
		return err
	}
	defer keys.Zero()
	if s.key, err = keys.SessionKey(); err != nil {
		return err
	}

	ack := &protocol.HelloAck{SessionID: hello.SessionID, PAKE: ours}
	if err := protocol.WriteMessage(s.fw, protocol.ChannelHandshake, protocol.MsgHelloAck, ack); err != nil {
		return fmt.Errorf("send hello ack: %w", err)
	}

	t, body, err = s.readSealed(true)
	if errors.Is(err, protocol.ErrAuthFailed) {
		return s.authFailure(peer)
	}
	if err != nil {
		return err
	}
	if t != protocol.MsgConfirmKey {
		return fmt.Errorf("%w: expected CONFIRM_KEY, got %s", protocol.ErrProtocolMismatch, t)
	}
	var confirm protocol.ConfirmKey
	if err := protocol.DecodeBody(body, &confirm); err != nil {
		return err
	}
	if err := keys.VerifyConfirmation(confirm.MAC); err != nil {
		return s.authFailure(peer)
	}
	if s.cfg.Backoff != nil {
		s.cfg.Backoff.Success(peer)
	}
	if err := s.writeControl(protocol.MsgConfirmKey, &protocol.ConfirmKey{MAC: keys.Confirmation()}); err != nil {
		return fmt.Errorf("send key confirmation: %w", err)
	}

	if err := s.sm.transition(StateNegotiating); err != nil {
		return err
	}
	t, body, err = s.readSealed(false)
	if err != nil {
		return err
	}
	if t != protocol.MsgCapabilities {
		return fmt.Errorf("%w: expected CAPABILITIES, got %s", protocol.ErrProtocolMismatch, t)
	}
	var offer protocol.Capabilities
	if err := protocol.DecodeBody(body, &offer); err != nil {
		return err
	}
	agreed, err := Intersect(&s.cfg.Capabilities, &offer)
	if err != nil {
		s.writeControl(protocol.MsgMismatch, &protocol.Mismatch{Reason: err.Error()})
		return err
	}
	if err := s.writeControl(protocol.MsgAgreed, agreed); err != nil {
		return fmt.Errorf("send agreed: %w", err)
	}
	s.mu.Lock()
	s.agreed = agreed
	s.mu.Unlock()
	return nil
}

// authFailure records a failed attempt and tells the client how long to
// wait. No channel data has been exchanged at this point.
func (s *Session) authFailure(peer string) error {
	var wait time.Duration
	if s.cfg.Backoff != nil {
		wait = s.cfg.Backoff.Failure(peer)
	}
	s.reject(protocol.CodeAuthFailed, "", wait)
	return fmt.Errorf("%w: key confirmation failed", protocol.ErrAuthFailed)
}

// reject sends a plaintext Reject. Errors are ignored; the session is
// failing anyway.
func (s *Session) reject(code protocol.ErrorCode, reason string, retryAfter time.Duration) {
	_ = protocol.WriteMessage(s.fw, protocol.ChannelHandshake, protocol.MsgReject, &protocol.Reject{
		Code:         code,
		Reason:       reason,
		RetryAfterMs: protocol.Millis(retryAfter),
	})
}

// readSealed reads the next control message during the handshake. A
// plaintext Reject ends the handshake. A frame that fails authentication
// is dropped, unless strict is set: the host's first sealed frame failing
// means the client derived a different key, so the password was wrong.
func (s *Session) readSealed(strict bool) (protocol.MsgType, []byte, error) {
	for {
		f, err := s.fr.Read()
		if err != nil {
			return 0, nil, fmt.Errorf("handshake read: %w", err)
		}
		if f.Channel == protocol.ChannelHandshake {
			t, body, err := protocol.SplitMessage(f.Payload)
			if err != nil {
				return 0, nil, err
			}
			if t == protocol.MsgReject {
				return 0, nil, decodeReject(body)
			}
			return 0, nil, fmt.Errorf("%w: unexpected %s during handshake", protocol.ErrProtocolMismatch, t)
		}
		if f.Channel != protocol.ChannelControl {
			return 0, nil, fmt.Errorf("%w: unexpected %s frame during handshake", protocol.ErrProtocolMismatch, f.Channel)
		}

		payload, err := s.open(f)
		if err != nil {
			if strict {
				return 0, nil, fmt.Errorf("%w: %v", protocol.ErrAuthFailed, err)
			}
			s.dropForged(f)
			continue
		}
		s.inbound.Add(1)
		return protocol.SplitMessage(payload)
	}
}
