package protocol

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MsgType identifies the body of a handshake, control or relay message.
// Message payloads are a one-byte type followed by a CBOR body.
type MsgType uint8

// Handshake messages (plaintext, ChannelHandshake).
const (
	MsgHello    MsgType = 0x01
	MsgHelloAck MsgType = 0x02
	MsgReject   MsgType = 0x03
)

// Control messages (sealed, ChannelControl).
const (
	MsgConfirmKey    MsgType = 0x10
	MsgCapabilities  MsgType = 0x11
	MsgAgreed        MsgType = 0x12
	MsgMismatch      MsgType = 0x13
	MsgKeepalive     MsgType = 0x14
	MsgKeepaliveAck  MsgType = 0x15
	MsgClose         MsgType = 0x16
	MsgWindowUpdate  MsgType = 0x17
	MsgQualityReport MsgType = 0x18
)

// Relay messages (plaintext inside TLS, ChannelRelay).
const (
	MsgRegister       MsgType = 0x40
	MsgRegisterAck    MsgType = 0x41
	MsgHeartbeat      MsgType = 0x42
	MsgHeartbeatAck   MsgType = 0x43
	MsgSuperseded     MsgType = 0x44
	MsgConnectRequest MsgType = 0x45
	MsgConnectOffer   MsgType = 0x46
	MsgConnectAnswer  MsgType = 0x47
	MsgConnectInfo    MsgType = 0x48
	MsgConnectResult  MsgType = 0x49
	MsgForwardStart   MsgType = 0x4A
	MsgForwardBind    MsgType = 0x4B
	MsgForwardReady   MsgType = 0x4C
	MsgRelayError     MsgType = 0x4F
)

var msgNames = map[MsgType]string{
	MsgHello:          "HELLO",
	MsgHelloAck:       "HELLO_ACK",
	MsgReject:         "REJECT",
	MsgConfirmKey:     "CONFIRM_KEY",
	MsgCapabilities:   "CAPABILITIES",
	MsgAgreed:         "AGREED",
	MsgMismatch:       "MISMATCH",
	MsgKeepalive:      "KEEPALIVE",
	MsgKeepaliveAck:   "KEEPALIVE_ACK",
	MsgClose:          "CLOSE",
	MsgWindowUpdate:   "WINDOW_UPDATE",
	MsgQualityReport:  "QUALITY_REPORT",
	MsgRegister:       "REGISTER",
	MsgRegisterAck:    "REGISTER_ACK",
	MsgHeartbeat:      "HEARTBEAT",
	MsgHeartbeatAck:   "HEARTBEAT_ACK",
	MsgSuperseded:     "SUPERSEDED",
	MsgConnectRequest: "CONNECT_REQUEST",
	MsgConnectOffer:   "CONNECT_OFFER",
	MsgConnectAnswer:  "CONNECT_ANSWER",
	MsgConnectInfo:    "CONNECT_INFO",
	MsgConnectResult:  "CONNECT_RESULT",
	MsgForwardStart:   "FORWARD_START",
	MsgForwardBind:    "FORWARD_BIND",
	MsgForwardReady:   "FORWARD_READY",
	MsgRelayError:     "RELAY_ERROR",
}

// String returns the message name.
func (t MsgType) String() string {
	if name, ok := msgNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// EncodeMessage serializes a typed message body.
func EncodeMessage(t MsgType, body any) ([]byte, error) {
	data, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	out := make([]byte, 1+len(data))
	out[0] = byte(t)
	copy(out[1:], data)
	return out, nil
}

// SplitMessage returns the message type and raw body of a payload.
func SplitMessage(payload []byte) (MsgType, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}
	return MsgType(payload[0]), payload[1:], nil
}

// DecodeBody parses a CBOR message body into v.
func DecodeBody(body []byte, v any) error {
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// Millis converts a duration to wire milliseconds.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// FromMillis converts wire milliseconds to a duration.
func FromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ============================================================================
// Handshake
// ============================================================================

// Hello opens a session. PAKE carries the client's SPAKE2 element.
type Hello struct {
	Version    uint16 `cbor:"v"`
	SessionID  string `cbor:"sid"`
	TargetID   uint32 `cbor:"target"`
	ClientName string `cbor:"name,omitempty"`
	PAKE       []byte `cbor:"pake"`
}

// HelloAck answers Hello with the host's SPAKE2 element.
type HelloAck struct {
	SessionID string `cbor:"sid"`
	PAKE      []byte `cbor:"pake"`
}

// Reject refuses a handshake.
type Reject struct {
	Code         ErrorCode `cbor:"code"`
	Reason       string    `cbor:"reason,omitempty"`
	RetryAfterMs int64     `cbor:"retry_after,omitempty"`
}

// ============================================================================
// Control
// ============================================================================

// ConfirmKey carries a key confirmation MAC.
type ConfirmKey struct {
	MAC []byte `cbor:"mac"`
}

// Monitor describes one display of the host.
type Monitor struct {
	Index   uint8  `cbor:"i"`
	Width   uint32 `cbor:"w"`
	Height  uint32 `cbor:"h"`
	Primary bool   `cbor:"p,omitempty"`
}

// Capabilities is what one side offers during negotiation.
type Capabilities struct {
	Version   uint16    `cbor:"v"`
	MaxWidth  uint32    `cbor:"max_w"`
	MaxHeight uint32    `cbor:"max_h"`
	MaxFPS    uint32    `cbor:"max_fps"`
	Codecs    []string  `cbor:"codecs"`
	Channels  []string  `cbor:"channels"`
	Monitors  []Monitor `cbor:"monitors,omitempty"`
}

// Agreed is the negotiated capability set.
type Agreed struct {
	MaxWidth  uint32    `cbor:"max_w"`
	MaxHeight uint32    `cbor:"max_h"`
	MaxFPS    uint32    `cbor:"max_fps"`
	Codec     string    `cbor:"codec"`
	Channels  []string  `cbor:"channels"`
	Monitors  []Monitor `cbor:"monitors"`
}

// HasChannel reports whether ch was agreed.
func (a *Agreed) HasChannel(ch ChannelType) bool {
	if ch == ChannelControl {
		return true
	}
	for _, name := range a.Channels {
		if name == ch.String() {
			return true
		}
	}
	return false
}

// Mismatch reports why negotiation failed.
type Mismatch struct {
	Reason string `cbor:"reason"`
}

// Keepalive checks liveness; the peer echoes it in KeepaliveAck.
type Keepalive struct {
	Seq       uint64 `cbor:"seq"`
	Timestamp int64  `cbor:"ts"`
}

// Close requests graceful teardown.
type Close struct {
	Reason string `cbor:"reason,omitempty"`
}

// WindowUpdate grants send credit on a channel.
type WindowUpdate struct {
	Channel   ChannelType `cbor:"ch"`
	Increment uint32      `cbor:"inc"`
}

// QualityReport is receiver feedback for the video channel. LatencyMs is
// the growth of one-way frame delay over the lowest delay seen, so clock
// offset between the hosts cancels out.
type QualityReport struct {
	FramesReceived uint64 `cbor:"recv"`
	FramesDropped  uint64 `cbor:"dropped"`
	LatencyMs      int64  `cbor:"latency"`
}

// WriteMessage encodes and writes a plaintext message frame.
func WriteMessage(fw *FrameWriter, ch ChannelType, t MsgType, body any) error {
	payload, err := EncodeMessage(t, body)
	if err != nil {
		return err
	}
	return fw.WritePlain(ch, payload)
}

// ReadMessage reads one plaintext message frame on channel ch.
func ReadMessage(fr *FrameReader, ch ChannelType) (MsgType, []byte, error) {
	f, err := fr.Read()
	if err != nil {
		return 0, nil, err
	}
	if f.Channel != ch {
		return 0, nil, fmt.Errorf("%w: expected %s frame, got %s", ErrInvalidFrame, ch, f.Channel)
	}
	return SplitMessage(f.Payload)
}
