// Package desktop defines the boundary between the session protocol and the
// platform: captured frames, input events, clipboard and chat, and the
// interfaces that capture and injection backends implement.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PixelFormat describes how Frame.Pixels is laid out.
type PixelFormat uint8

// Pixel formats.
const (
	FormatBGRA PixelFormat = 1
	FormatRGBA PixelFormat = 2
)

// BytesPerPixel returns the pixel size of the format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatBGRA, FormatRGBA:
		return 4
	default:
		return 0
	}
}

// ErrInvalidFrame is returned for a frame whose buffer does not match its
// dimensions.
var ErrInvalidFrame = errors.New("invalid frame")

// Monitor describes one display.
type Monitor struct {
	Index   uint8
	Width   uint32
	Height  uint32
	Primary bool
}

// Frame is one captured image of a monitor. Stride is the number of bytes
// per row in Pixels and may exceed Width times the pixel size.
type Frame struct {
	Monitor   uint8
	Width     uint32
	Height    uint32
	Format    PixelFormat
	Stride    uint32
	Pixels    []byte
	Timestamp time.Time
}

// Validate checks that the pixel buffer covers the frame.
func (f *Frame) Validate() error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("%w: unknown pixel format %d", ErrInvalidFrame, f.Format)
	}
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}
	if f.Stride < f.Width*uint32(bpp) {
		return fmt.Errorf("%w: stride %d shorter than row", ErrInvalidFrame, f.Stride)
	}
	need := uint64(f.Stride)*uint64(f.Height-1) + uint64(f.Width)*uint64(bpp)
	if uint64(len(f.Pixels)) < need {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrInvalidFrame, len(f.Pixels), f.Width, f.Height)
	}
	return nil
}

// InputKind distinguishes input events.
type InputKind uint8

// Input event kinds.
const (
	InputKey InputKind = iota + 1
	InputMouseMove
	InputMouseButton
	InputMouseWheel
)

// String returns the kind name.
func (k InputKind) String() string {
	switch k {
	case InputKey:
		return "key"
	case InputMouseMove:
		return "mouse_move"
	case InputMouseButton:
		return "mouse_button"
	case InputMouseWheel:
		return "mouse_wheel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Modifier key bits.
const (
	ModShift uint8 = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

// Mouse buttons.
const (
	ButtonLeft   uint8 = 1
	ButtonMiddle uint8 = 2
	ButtonRight  uint8 = 3
)

// InputEvent is one keyboard or mouse event from the client.
type InputEvent struct {
	Kind      InputKind `cbor:"k"`
	Key       uint32    `cbor:"key,omitempty"`
	Pressed   bool      `cbor:"down,omitempty"`
	Modifiers uint8     `cbor:"mod,omitempty"`
	X         int32     `cbor:"x,omitempty"`
	Y         int32     `cbor:"y,omitempty"`
	Button    uint8     `cbor:"btn,omitempty"`
	DeltaX    int32     `cbor:"dx,omitempty"`
	DeltaY    int32     `cbor:"dy,omitempty"`
	Timestamp int64     `cbor:"ts"`
}

// ChatMessage is a text message between the two users.
type ChatMessage struct {
	From string    `cbor:"from,omitempty"`
	Text string    `cbor:"text"`
	Sent time.Time `cbor:"sent"`
}

// FrameSource captures frames on the host.
type FrameSource interface {
	Monitors() []Monitor
	Capture(ctx context.Context, monitor uint8) (*Frame, error)
}

// FrameSink displays frames on the client.
type FrameSink interface {
	ShowFrame(f *Frame)
}

// InputSink injects input events on the host.
type InputSink interface {
	Inject(ev InputEvent) error
}

// ClipboardSink applies clipboard content received from the peer.
type ClipboardSink interface {
	SetClipboard(text string) error
}

// ChatSink receives chat messages.
type ChatSink interface {
	ShowChat(msg ChatMessage)
}
