package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrame_EncodeLayout(t *testing.T) {
	f := &Frame{Channel: ChannelInput, Payload: []byte{0xAA, 0xBB}}
	for i := range f.Nonce {
		f.Nonce[i] = byte(i + 1)
	}

	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(buf) != HeaderSize+2 {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize+2)
	}
	if got := binary.BigEndian.Uint32(buf[0:4]); got != 1+NonceSize+2 {
		t.Errorf("length field = %d, want %d", got, 1+NonceSize+2)
	}
	if buf[4] != byte(ChannelInput) {
		t.Errorf("channel byte = 0x%02x, want 0x%02x", buf[4], byte(ChannelInput))
	}
	if !bytes.Equal(buf[5:17], f.Nonce[:]) {
		t.Errorf("nonce bytes = %x, want %x", buf[5:17], f.Nonce[:])
	}
	if !bytes.Equal(buf[17:], f.Payload) {
		t.Errorf("payload bytes = %x", buf[17:])
	}

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Channel != f.Channel || decoded.Nonce != f.Nonce || !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("decoded frame %v does not match %v", decoded, f)
	}
}

func TestFrame_MaxSize(t *testing.T) {
	f := &Frame{Channel: ChannelVideo, Payload: make([]byte, MaxPayloadSize)}
	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("max-size frame rejected: %v", err)
	}
	if len(buf) != MaxFrameSize {
		t.Errorf("max frame length = %d, want %d", len(buf), MaxFrameSize)
	}

	f.Payload = make([]byte, MaxPayloadSize+1)
	if _, err := f.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized frame: got %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameReader_RejectsOversizedLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize)
	fr := NewFrameReader(bytes.NewReader(hdr[:]))
	if _, err := fr.Read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameReader_RejectsShortLength(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 5)
	fr := NewFrameReader(bytes.NewReader(hdr[:]))
	if _, err := fr.Read(); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("got %v, want ErrInvalidFrame", err)
	}
}

func TestFrameReader_Truncated(t *testing.T) {
	f := &Frame{Channel: ChannelChat, Payload: []byte("hello")}
	buf, _ := f.Encode()

	fr := NewFrameReader(bytes.NewReader(buf[:len(buf)-2]))
	if _, err := fr.Read(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}

	fr = NewFrameReader(bytes.NewReader(nil))
	if _, err := fr.Read(); err != io.EOF {
		t.Errorf("empty stream: got %v, want io.EOF", err)
	}
}

func TestFrameReader_DoesNotOverread(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WritePlain(ChannelRelay, []byte("first")); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("raw tail")

	fr := NewFrameReader(&buf)
	f, err := fr.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Payload) != "first" {
		t.Errorf("payload = %q", f.Payload)
	}
	if buf.String() != "raw tail" {
		t.Errorf("reader consumed past frame end, remaining %q", buf.String())
	}
}

func TestMessage_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	fr := NewFrameReader(&buf)

	req := ConnectRequest{Version: Version, TargetID: 123456789, Candidates: []string{"10.0.0.2:4000"}}
	if err := WriteMessage(fw, ChannelRelay, MsgConnectRequest, &req); err != nil {
		t.Fatal(err)
	}

	mt, body, err := ReadMessage(fr, ChannelRelay)
	if err != nil {
		t.Fatal(err)
	}
	if mt != MsgConnectRequest {
		t.Fatalf("type = %s", mt)
	}
	var got ConnectRequest
	if err := DecodeBody(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.TargetID != req.TargetID || len(got.Candidates) != 1 {
		t.Errorf("decoded %+v, want %+v", got, req)
	}
}

func TestMessage_WrongChannel(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := WriteMessage(fw, ChannelHandshake, MsgHello, &Hello{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadMessage(NewFrameReader(&buf), ChannelRelay); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("got %v, want ErrInvalidFrame", err)
	}
}

func TestChannelPriority(t *testing.T) {
	tests := []struct {
		ch   ChannelType
		want Priority
	}{
		{ChannelControl, PriorityControl},
		{ChannelInput, PriorityInput},
		{ChannelVideo, PriorityVideo},
		{ChannelClipboard, PriorityBulk},
		{ChannelFile, PriorityBulk},
		{ChannelChat, PriorityBulk},
	}
	for _, tt := range tests {
		if got := tt.ch.Priority(); got != tt.want {
			t.Errorf("%s priority = %d, want %d", tt.ch, got, tt.want)
		}
	}
	if !(PriorityInput < PriorityVideo && PriorityVideo < PriorityBulk) {
		t.Error("input must outrank video, video must outrank bulk")
	}
}

func TestChannelWindowSize(t *testing.T) {
	for _, ch := range DataChannels {
		if ch.WindowSize() < MaxPlaintextSize {
			t.Errorf("%s window %d is smaller than one frame", ch, ch.WindowSize())
		}
	}
	if ChannelControl.WindowSize() != 0 {
		t.Errorf("control window = %d, want 0", ChannelControl.WindowSize())
	}
}

func TestChannelSealed(t *testing.T) {
	for _, ch := range DataChannels {
		if !ch.Sealed() {
			t.Errorf("%s should be sealed", ch)
		}
	}
	if ChannelHandshake.Sealed() || ChannelRelay.Sealed() {
		t.Error("handshake and relay channels are plaintext")
	}
}

func TestErrorCodes(t *testing.T) {
	sentinels := []error{
		ErrAuthFailed, ErrUnknownOrOffline, ErrCapacityExceeded,
		ErrTimeout, ErrProtocolMismatch, ErrIDCollision, ErrRateLimited,
	}
	for _, want := range sentinels {
		code := CodeFor(want)
		if code == CodeInternal {
			t.Errorf("%v has no wire code", want)
			continue
		}
		if err := code.Err("detail"); !errors.Is(err, want) {
			t.Errorf("code %d round trip = %v, want %v", code, err, want)
		}
	}

	if err := CodeInternal.Err("boom"); err.Error() != "boom" {
		t.Errorf("internal error = %v", err)
	}
}
