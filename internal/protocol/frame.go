package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout sizes.
const (
	LengthSize = 4
	NonceSize  = 12
	TagSize    = 16

	// HeaderSize is length + channel + nonce.
	HeaderSize = LengthSize + 1 + NonceSize

	// MaxFrameSize bounds a whole frame including the length field.
	MaxFrameSize = 64 * 1024

	// MaxPayloadSize is the largest payload (ciphertext plus tag) in a frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	// MaxPlaintextSize is the largest plaintext that fits one sealed frame.
	MaxPlaintextSize = MaxPayloadSize - TagSize
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame is one wire message:
//
//	Length   [4 bytes]  - bytes following this field (big-endian)
//	Channel  [1 byte]   - channel type
//	Nonce    [12 bytes] - AEAD nonce, zero for plaintext channels
//	Payload  [N bytes]  - ciphertext and 16-byte tag, or plaintext body
type Frame struct {
	Channel ChannelType
	Nonce   [NonceSize]byte
	Payload []byte
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+NonceSize+len(f.Payload)))
	buf[4] = byte(f.Channel)
	copy(buf[5:HeaderSize], f.Nonce[:])
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses a complete frame from buf.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}
	length, err := checkLength(binary.BigEndian.Uint32(buf[0:4]))
	if err != nil {
		return nil, err
	}
	if len(buf) < LengthSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	f := &Frame{Channel: ChannelType(buf[4])}
	copy(f.Nonce[:], buf[5:HeaderSize])
	f.Payload = make([]byte, int(length)-1-NonceSize)
	copy(f.Payload, buf[HeaderSize:LengthSize+int(length)])
	return f, nil
}

func checkLength(length uint32) (uint32, error) {
	if length < 1+NonceSize {
		return 0, fmt.Errorf("%w: length %d shorter than header", ErrInvalidFrame, length)
	}
	if length > MaxFrameSize-LengthSize {
		return 0, ErrFrameTooLarge
	}
	return length, nil
}

// String returns a debug representation that never includes payload bytes.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Channel=%s, PayloadLen=%d}", f.Channel, len(f.Payload))
}

// FrameReader reads frames from an io.Reader. It never reads past the end
// of the current frame, so the underlying reader can be handed off between
// frames.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:LengthSize]); err != nil {
		return nil, err
	}
	length, err := checkLength(binary.BigEndian.Uint32(fr.header[:LengthSize]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(fr.r, fr.header[LengthSize:]); err != nil {
		return nil, unexpectedEOF(err)
	}

	f := &Frame{Channel: ChannelType(fr.header[4])}
	copy(f.Nonce[:], fr.header[5:])
	f.Payload = make([]byte, int(length)-1-NonceSize)
	if len(f.Payload) > 0 {
		if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
			return nil, unexpectedEOF(err)
		}
	}
	return f, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// FrameWriter writes frames to an io.Writer. It is not safe for concurrent
// use; callers serialize writes.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame in a single Write call.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WritePlain writes a plaintext frame with a zero nonce.
func (fw *FrameWriter) WritePlain(ch ChannelType, payload []byte) error {
	return fw.Write(&Frame{Channel: ch, Payload: payload})
}
