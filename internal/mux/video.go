package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/protocol"
)

// Video fragment layout:
//
//	FrameID  [8 bytes]
//	Index    [2 bytes]
//	Count    [2 bytes]
//	Meta     [19 bytes, first fragment only]
//	  Width [4] Height [4] Format [1] Monitor [1] Timestamp [8] Compressed [1]
//	Data     [N bytes]
const (
	MaxFragmentSize = 60 * 1024

	fragHeaderSize = 12
	fragMetaSize   = 19
)

// Video codecs.
const (
	CodecZstd = "zstd"
	CodecRaw  = "raw"
)

var (
	// ErrFrameDropped is returned when a frame does not fit the video
	// window and was discarded.
	ErrFrameDropped = errors.New("video frame dropped")

	// ErrFramePaced is returned when a frame arrives sooner than the
	// current frame rate allows.
	ErrFramePaced = errors.New("video frame paced out")

	errBadFragment = errors.New("malformed video fragment")
)

type frameMeta struct {
	width      uint32
	height     uint32
	format     desktop.PixelFormat
	monitor    uint8
	timestamp  int64
	compressed bool
}

// scaledSize returns the target dimensions for a frame: the quality scale
// applied, then fitted within the agreed maximum keeping aspect ratio.
func scaledSize(w, h uint32, scale float64, maxW, maxH uint32) (uint32, uint32) {
	fw := float64(w) * scale
	fh := float64(h) * scale
	if maxW > 0 && fw > float64(maxW) {
		fh = fh * float64(maxW) / fw
		fw = float64(maxW)
	}
	if maxH > 0 && fh > float64(maxH) {
		fw = fw * float64(maxH) / fh
		fh = float64(maxH)
	}
	return max(uint32(fw), 1), max(uint32(fh), 1)
}

// downscale resamples f to w x h with nearest-neighbour sampling and returns
// tightly packed pixels.
func downscale(f *desktop.Frame, w, h uint32) []byte {
	bpp := uint32(f.Format.BytesPerPixel())
	out := make([]byte, int(w*h*bpp))
	if w == f.Width && h == f.Height {
		for y := uint32(0); y < h; y++ {
			copy(out[y*w*bpp:(y+1)*w*bpp], f.Pixels[y*f.Stride:y*f.Stride+w*bpp])
		}
		return out
	}
	for y := uint32(0); y < h; y++ {
		sy := uint32(uint64(y) * uint64(f.Height) / uint64(h))
		src := f.Pixels[sy*f.Stride:]
		dst := out[y*w*bpp:]
		for x := uint32(0); x < w; x++ {
			sx := uint32(uint64(x) * uint64(f.Width) / uint64(w))
			copy(dst[x*bpp:(x+1)*bpp], src[sx*bpp:(sx+1)*bpp])
		}
	}
	return out
}

// fragment splits an encoded frame into video channel messages.
func fragment(id uint64, meta frameMeta, data []byte) [][]byte {
	firstCap := MaxFragmentSize - fragHeaderSize - fragMetaSize
	restCap := MaxFragmentSize - fragHeaderSize

	count := 1
	if len(data) > firstCap {
		count += (len(data) - firstCap + restCap - 1) / restCap
	}

	frags := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		n := restCap
		hdr := fragHeaderSize
		if i == 0 {
			n = firstCap
			hdr += fragMetaSize
		}
		n = min(n, len(data))

		buf := make([]byte, hdr+n)
		binary.BigEndian.PutUint64(buf[0:8], id)
		binary.BigEndian.PutUint16(buf[8:10], uint16(i))
		binary.BigEndian.PutUint16(buf[10:12], uint16(count))
		if i == 0 {
			m := buf[fragHeaderSize:]
			binary.BigEndian.PutUint32(m[0:4], meta.width)
			binary.BigEndian.PutUint32(m[4:8], meta.height)
			m[8] = byte(meta.format)
			m[9] = meta.monitor
			binary.BigEndian.PutUint64(m[10:18], uint64(meta.timestamp))
			if meta.compressed {
				m[18] = 1
			}
		}
		copy(buf[hdr:], data[:n])
		data = data[n:]
		frags = append(frags, buf)
	}
	return frags
}

type fragmentHeader struct {
	id    uint64
	index uint16
	count uint16
	meta  frameMeta
	data  []byte
}

func parseFragment(p []byte) (*fragmentHeader, error) {
	if len(p) < fragHeaderSize {
		return nil, errBadFragment
	}
	h := &fragmentHeader{
		id:    binary.BigEndian.Uint64(p[0:8]),
		index: binary.BigEndian.Uint16(p[8:10]),
		count: binary.BigEndian.Uint16(p[10:12]),
	}
	if h.count == 0 || h.index >= h.count {
		return nil, errBadFragment
	}
	p = p[fragHeaderSize:]
	if h.index == 0 {
		if len(p) < fragMetaSize {
			return nil, errBadFragment
		}
		h.meta = frameMeta{
			width:      binary.BigEndian.Uint32(p[0:4]),
			height:     binary.BigEndian.Uint32(p[4:8]),
			format:     desktop.PixelFormat(p[8]),
			monitor:    p[9],
			timestamp:  int64(binary.BigEndian.Uint64(p[10:18])),
			compressed: p[18] == 1,
		}
		p = p[fragMetaSize:]
	}
	h.data = p
	return h, nil
}

// videoEncoder turns captured frames into fragments.
type videoEncoder struct {
	mu       sync.Mutex
	encoders map[zstd.EncoderLevel]*zstd.Encoder
}

func (e *videoEncoder) encode(pixels []byte, level zstd.EncoderLevel) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encoders == nil {
		e.encoders = make(map[zstd.EncoderLevel]*zstd.Encoder)
	}
	enc, ok := e.encoders[level]
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		e.encoders[level] = enc
	}
	return enc.EncodeAll(pixels, make([]byte, 0, len(pixels)/4)), nil
}

func (e *videoEncoder) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, enc := range e.encoders {
		enc.Close()
	}
	e.encoders = nil
}

// assembly collects the fragments of one frame.
type assembly struct {
	id      uint64
	count   uint16
	parts   [][]byte
	got     int
	meta    frameMeta
	hasMeta bool
}

// videoReceiver reassembles frames. A newer frame replaces an incomplete
// older one, which is counted as dropped.
type videoReceiver struct {
	mu       sync.Mutex
	current  *assembly
	lastDone uint64
	maxW     uint32
	maxH     uint32
	decoder  *zstd.Decoder

	received  uint64
	dropped   uint64
	latencyMs int64

	// baseDelay is the lowest arrival minus capture time seen so far. It
	// folds in the clock offset between the hosts.
	baseDelay time.Duration
	hasBase   bool
}

func newVideoReceiver(maxW, maxH uint32) (*videoReceiver, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxW)*uint64(maxH)*4+1024))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &videoReceiver{maxW: maxW, maxH: maxH, decoder: dec}, nil
}

// push accepts one fragment and returns a frame when it completes one.
func (r *videoReceiver) push(p []byte) (*desktop.Frame, error) {
	h, err := parseFragment(p)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h.id <= r.lastDone {
		return nil, nil
	}
	if r.current == nil || h.id > r.current.id {
		if r.current != nil {
			r.dropped++
		}
		r.current = &assembly{id: h.id, count: h.count, parts: make([][]byte, h.count)}
	} else if h.id < r.current.id {
		return nil, nil
	}

	a := r.current
	if h.count != a.count {
		return nil, errBadFragment
	}
	if a.parts[h.index] != nil {
		return nil, nil
	}
	a.parts[h.index] = h.data
	a.got++
	if h.index == 0 {
		a.meta = h.meta
		a.hasMeta = true
	}
	if a.got < int(a.count) {
		return nil, nil
	}

	r.current = nil
	r.lastDone = a.id
	frame, err := r.decode(a)
	if err != nil {
		r.dropped++
		return nil, err
	}
	r.received++
	r.latencyMs = r.queueDelay(time.Since(frame.Timestamp)).Milliseconds()
	return frame, nil
}

// queueDelay returns how far delay exceeds the lowest one-way delay seen.
func (r *videoReceiver) queueDelay(delay time.Duration) time.Duration {
	if !r.hasBase || delay < r.baseDelay {
		r.baseDelay = delay
		r.hasBase = true
	}
	return delay - r.baseDelay
}

func (r *videoReceiver) decode(a *assembly) (*desktop.Frame, error) {
	m := a.meta
	bpp := m.format.BytesPerPixel()
	if !a.hasMeta || bpp == 0 || m.width == 0 || m.height == 0 {
		return nil, errBadFragment
	}
	if (r.maxW > 0 && m.width > r.maxW) || (r.maxH > 0 && m.height > r.maxH) {
		return nil, fmt.Errorf("%w: %dx%d exceeds agreed %dx%d", protocol.ErrProtocolMismatch, m.width, m.height, r.maxW, r.maxH)
	}

	size := 0
	for _, part := range a.parts {
		size += len(part)
	}
	data := make([]byte, 0, size)
	for _, part := range a.parts {
		data = append(data, part...)
	}
	if m.compressed {
		var err error
		data, err = r.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
	}

	want := int(m.width) * int(m.height) * bpp
	if len(data) != want {
		return nil, fmt.Errorf("%w: frame has %d bytes, want %d", errBadFragment, len(data), want)
	}
	return &desktop.Frame{
		Monitor:   m.monitor,
		Width:     m.width,
		Height:    m.height,
		Format:    m.format,
		Stride:    m.width * uint32(bpp),
		Pixels:    data,
		Timestamp: time.Unix(0, m.timestamp),
	}, nil
}

// report returns the counters since the previous report and resets them.
func (r *videoReceiver) report() protocol.QualityReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := protocol.QualityReport{
		FramesReceived: r.received,
		FramesDropped:  r.dropped,
		LatencyMs:      r.latencyMs,
	}
	r.received, r.dropped = 0, 0
	return rep
}

func (r *videoReceiver) close() {
	r.decoder.Close()
}
