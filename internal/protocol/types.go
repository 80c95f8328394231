// Package protocol defines the FreeViewer wire protocol: frame layout,
// channel types, control, handshake and relay messages, and the error kinds
// shared by every component.
package protocol

import "fmt"

// Version is the protocol version carried in Hello and Register messages.
const Version uint16 = 1

// ChannelType identifies the logical channel a frame belongs to.
type ChannelType uint8

// Channel types. Sealed channels carry AEAD ciphertext; Handshake and Relay
// carry plaintext bodies with a zero nonce.
const (
	ChannelControl   ChannelType = 0x00
	ChannelVideo     ChannelType = 0x01
	ChannelInput     ChannelType = 0x02
	ChannelClipboard ChannelType = 0x03
	ChannelFile      ChannelType = 0x04
	ChannelChat      ChannelType = 0x05

	ChannelHandshake ChannelType = 0x10
	ChannelRelay     ChannelType = 0x7F
)

// DataChannels lists the channels that carry session data after negotiation.
var DataChannels = []ChannelType{
	ChannelVideo,
	ChannelInput,
	ChannelClipboard,
	ChannelFile,
	ChannelChat,
}

// Sealed reports whether frames on this channel are AEAD-protected.
func (c ChannelType) Sealed() bool {
	return c <= ChannelChat
}

// Valid reports whether c is a known channel type.
func (c ChannelType) Valid() bool {
	return c <= ChannelChat || c == ChannelHandshake || c == ChannelRelay
}

// Priority is a scheduling class. Lower values are sent first.
type Priority int

// Priority classes, highest first.
const (
	PriorityControl Priority = iota
	PriorityInput
	PriorityVideo
	PriorityBulk

	NumPriorities = int(PriorityBulk) + 1
)

// Priority returns the scheduling class of the channel.
func (c ChannelType) Priority() Priority {
	switch c {
	case ChannelControl, ChannelHandshake, ChannelRelay:
		return PriorityControl
	case ChannelInput:
		return PriorityInput
	case ChannelVideo:
		return PriorityVideo
	default:
		return PriorityBulk
	}
}

// Initial flow-control credit per data channel in bytes. Both peers use
// the same values, so a sender's credit always matches the receiver's
// buffer.
const (
	VideoWindow     = 4 << 20
	InputWindow     = 256 << 10
	ClipboardWindow = 256 << 10
	FileWindow      = 1 << 20
	ChatWindow      = 256 << 10
)

// WindowSize returns the initial credit of the channel, or zero for
// channels without flow control.
func (c ChannelType) WindowSize() int {
	switch c {
	case ChannelVideo:
		return VideoWindow
	case ChannelInput:
		return InputWindow
	case ChannelClipboard:
		return ClipboardWindow
	case ChannelFile:
		return FileWindow
	case ChannelChat:
		return ChatWindow
	default:
		return 0
	}
}

// String returns the channel name.
func (c ChannelType) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelVideo:
		return "video"
	case ChannelInput:
		return "input"
	case ChannelClipboard:
		return "clipboard"
	case ChannelFile:
		return "file"
	case ChannelChat:
		return "chat"
	case ChannelHandshake:
		return "handshake"
	case ChannelRelay:
		return "relay"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(c))
	}
}

// ParseChannel converts a channel name back to its type.
func ParseChannel(name string) (ChannelType, error) {
	for _, c := range append([]ChannelType{ChannelControl}, DataChannels...) {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}
