// Package mux carries the logical channels of an active session: video,
// input, clipboard, file transfer and chat. Each channel has its own credit
// window; video adapts its quality to receiver feedback.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/postalsys/freeviewer/internal/desktop"
	"github.com/postalsys/freeviewer/internal/logging"
	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/protocol"
	"github.com/postalsys/freeviewer/internal/recovery"
	"github.com/postalsys/freeviewer/internal/session"
)

// DefaultReportInterval is how often the video receiver sends feedback.
const DefaultReportInterval = time.Second

// MaxTextSize bounds clipboard and chat messages to one frame.
const MaxTextSize = protocol.MaxPlaintextSize - 256

// ErrTextTooLarge is returned for clipboard or chat text that does not fit
// one message.
var ErrTextTooLarge = errors.New("text too large")

// Conn is the part of a session the multiplexer uses.
type Conn interface {
	Send(ch protocol.ChannelType, payload []byte) error
	SendWait(ctx context.Context, ch protocol.ChannelType, payload []byte) error
	SendControl(t protocol.MsgType, body any) error
	Handle(ch protocol.ChannelType, h session.Handler)
	HandleControl(t protocol.MsgType, fn func(body []byte))
	Agreed() *protocol.Agreed
	RTT() time.Duration
	Done() <-chan struct{}
}

// Handlers receive what the peer sends. Nil handlers discard their channel.
type Handlers struct {
	Frames    desktop.FrameSink
	Input     desktop.InputSink
	Clipboard desktop.ClipboardSink
	Chat      desktop.ChatSink
	File      func(payload []byte)
}

// Config tunes the multiplexer.
type Config struct {
	// Name is the sender name put on chat messages.
	Name string

	RTTTarget      time.Duration
	ReportInterval time.Duration
	ReorderLimit   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Mux multiplexes channels over one session.
type Mux struct {
	conn     Conn
	cfg      Config
	handlers Handlers
	logger   *slog.Logger
	metrics  *metrics.Metrics

	send map[protocol.ChannelType]*sendWindow
	recv map[protocol.ChannelType]*recvWindow

	fileMu      sync.Mutex
	fileHandler func(payload []byte)

	inputMu  sync.Mutex
	inputSeq uint64
	orderer  *Orderer

	videoMu   sync.Mutex
	video     *videoReceiver
	encoder   videoEncoder
	quality   *QualityController
	frameID   uint64
	lastFrame time.Time

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New registers the channel handlers on conn. Call it before the session
// handshake so no message arrives before its handler.
func New(conn Conn, h Handlers, cfg Config) *Mux {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	m := &Mux{
		conn:     conn,
		cfg:      cfg,
		handlers: h,
		logger:   logger.With(logging.KeyComponent, "mux"),
		metrics:  cfg.Metrics,
		send:     make(map[protocol.ChannelType]*sendWindow),
		recv:     make(map[protocol.ChannelType]*recvWindow),
		orderer:  NewOrderer(cfg.ReorderLimit),

		fileHandler: h.File,
	}
	for _, ch := range protocol.DataChannels {
		ch := ch
		m.send[ch] = newSendWindow(WindowSize(ch))
		m.recv[ch] = newRecvWindow(WindowSize(ch))
		conn.Handle(ch, func(p []byte) {
			m.deliver(ch, p)
			m.consumed(ch, len(p))
		})
	}
	conn.HandleControl(protocol.MsgWindowUpdate, m.onWindowUpdate)
	conn.HandleControl(protocol.MsgQualityReport, m.onQualityReport)
	return m
}

// Start begins periodic video feedback once the session is active. It
// returns immediately; the loop ends with the session.
func (m *Mux) Start() {
	m.startOnce.Do(func() {
		agreed := m.conn.Agreed()
		if agreed == nil || !agreed.HasChannel(protocol.ChannelVideo) || m.handlers.Frames == nil {
			return
		}
		recovery.Go(&m.wg, m.logger, "video-feedback", m.reportLoop)
	})
}

// Wait blocks until the mux goroutines have exited.
func (m *Mux) Wait() {
	m.wg.Wait()
}

// sendWithCredit waits for channel credit, then for room in the session
// outbox. Credit is refunded if the message is never queued.
func (m *Mux) sendWithCredit(ctx context.Context, ch protocol.ChannelType, payload []byte) error {
	n := int64(len(payload))
	if err := m.send[ch].acquire(ctx, n, m.conn.Done()); err != nil {
		return err
	}
	if err := m.conn.SendWait(ctx, ch, payload); err != nil {
		m.send[ch].refund(n)
		return err
	}
	return nil
}

// consumed returns credit to the peer once half a window has been used.
func (m *Mux) consumed(ch protocol.ChannelType, n int) {
	inc := m.recv[ch].consume(int64(n))
	if inc == 0 {
		return
	}
	err := m.conn.SendControl(protocol.MsgWindowUpdate, &protocol.WindowUpdate{Channel: ch, Increment: uint32(inc)})
	if err != nil && !errors.Is(err, session.ErrNotActive) {
		m.logger.Debug("window update failed", logging.KeyChannel, ch.String(), logging.KeyError, err)
	}
}

func (m *Mux) onWindowUpdate(body []byte) {
	var wu protocol.WindowUpdate
	if err := protocol.DecodeBody(body, &wu); err != nil {
		return
	}
	if w, ok := m.send[wu.Channel]; ok {
		w.grant(int64(wu.Increment))
	}
}

// Available returns the unspent credit on ch.
func (m *Mux) Available(ch protocol.ChannelType) int64 {
	if w, ok := m.send[ch]; ok {
		return w.available()
	}
	return 0
}

func (m *Mux) deliver(ch protocol.ChannelType, p []byte) {
	switch ch {
	case protocol.ChannelInput:
		m.deliverInput(p)
	case protocol.ChannelVideo:
		m.deliverVideo(p)
	case protocol.ChannelClipboard:
		var msg clipboardMessage
		if err := cbor.Unmarshal(p, &msg); err != nil {
			m.logger.Debug("malformed clipboard message", logging.KeyError, err)
			return
		}
		if m.handlers.Clipboard != nil {
			if err := m.handlers.Clipboard.SetClipboard(msg.Text); err != nil {
				m.logger.Warn("apply clipboard failed", logging.KeyError, err)
			}
		}
	case protocol.ChannelChat:
		var msg desktop.ChatMessage
		if err := cbor.Unmarshal(p, &msg); err != nil {
			m.logger.Debug("malformed chat message", logging.KeyError, err)
			return
		}
		if m.handlers.Chat != nil {
			m.handlers.Chat.ShowChat(msg)
		}
	case protocol.ChannelFile:
		m.fileMu.Lock()
		fn := m.fileHandler
		m.fileMu.Unlock()
		if fn != nil {
			fn(p)
		}
	}
}

// ============================================================================
// Input
// ============================================================================

// SendInput sends one input event. Events are numbered in call order.
func (m *Mux) SendInput(ctx context.Context, ev desktop.InputEvent) error {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	payload, err := cbor.Marshal(&inputMessage{Seq: m.inputSeq + 1, Event: ev})
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	if err := m.sendWithCredit(ctx, protocol.ChannelInput, payload); err != nil {
		return err
	}
	m.inputSeq++
	return nil
}

func (m *Mux) deliverInput(p []byte) {
	var msg inputMessage
	if err := cbor.Unmarshal(p, &msg); err != nil {
		m.logger.Debug("malformed input message", logging.KeyError, err)
		return
	}
	for _, ev := range m.orderer.Push(msg.Seq, msg.Event) {
		if m.handlers.Input == nil {
			continue
		}
		if err := m.handlers.Input.Inject(ev); err != nil {
			m.logger.Warn("inject input failed", "kind", ev.Kind.String(), logging.KeyError, err)
		}
	}
}

// ============================================================================
// Clipboard and chat
// ============================================================================

type clipboardMessage struct {
	Text string `cbor:"text"`
}

// SendClipboard sends clipboard text to the peer.
func (m *Mux) SendClipboard(ctx context.Context, text string) error {
	if len(text) > MaxTextSize {
		return fmt.Errorf("%w: %d bytes", ErrTextTooLarge, len(text))
	}
	payload, err := cbor.Marshal(&clipboardMessage{Text: text})
	if err != nil {
		return err
	}
	return m.sendWithCredit(ctx, protocol.ChannelClipboard, payload)
}

// SendChat sends a chat message signed with the configured name.
func (m *Mux) SendChat(ctx context.Context, text string) error {
	if len(text) > MaxTextSize {
		return fmt.Errorf("%w: %d bytes", ErrTextTooLarge, len(text))
	}
	payload, err := cbor.Marshal(&desktop.ChatMessage{From: m.cfg.Name, Text: text, Sent: time.Now()})
	if err != nil {
		return err
	}
	return m.sendWithCredit(ctx, protocol.ChannelChat, payload)
}

// HandleFile replaces the file channel handler.
func (m *Mux) HandleFile(fn func(payload []byte)) {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	m.fileHandler = fn
}

// SendFile sends one file transfer message.
func (m *Mux) SendFile(ctx context.Context, payload []byte) error {
	return m.sendWithCredit(ctx, protocol.ChannelFile, payload)
}

// ============================================================================
// Video
// ============================================================================

// Quality returns the sender's quality controller, creating it on first
// use from the agreed limits.
func (m *Mux) Quality() *QualityController {
	m.videoMu.Lock()
	defer m.videoMu.Unlock()
	return m.qualityLocked()
}

func (m *Mux) qualityLocked() *QualityController {
	if m.quality == nil {
		var maxFPS uint32
		if agreed := m.conn.Agreed(); agreed != nil {
			maxFPS = agreed.MaxFPS
		}
		m.quality = NewQualityController(maxFPS, m.cfg.RTTTarget, m.metrics)
	}
	return m.quality
}

func (m *Mux) onQualityReport(body []byte) {
	var r protocol.QualityReport
	if err := protocol.DecodeBody(body, &r); err != nil {
		return
	}
	m.Quality().Observe(m.conn.RTT(), r)
}

// SendFrame encodes and sends one frame at the current quality level. The
// frame is dropped with ErrFramePaced if it comes too soon for the level's
// frame rate, or ErrFrameDropped if the whole frame does not fit the video
// window.
func (m *Mux) SendFrame(f *desktop.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	agreed := m.conn.Agreed()
	if agreed == nil || !agreed.HasChannel(protocol.ChannelVideo) {
		return fmt.Errorf("%w: video", session.ErrChannelNotAgreed)
	}

	m.videoMu.Lock()
	defer m.videoMu.Unlock()

	q := m.qualityLocked()
	level := q.Current()
	now := time.Now()
	if !m.lastFrame.IsZero() && now.Sub(m.lastFrame) < time.Second/time.Duration(level.FPS) {
		return ErrFramePaced
	}

	w, h := scaledSize(f.Width, f.Height, level.Scale, agreed.MaxWidth, agreed.MaxHeight)
	pixels := downscale(f, w, h)
	compressed := agreed.Codec == CodecZstd
	if compressed {
		var err error
		if pixels, err = m.encoder.encode(pixels, level.Compression); err != nil {
			return err
		}
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = now
	}
	frags := fragment(m.frameID+1, frameMeta{
		width:      w,
		height:     h,
		format:     f.Format,
		monitor:    f.Monitor,
		timestamp:  ts.UnixNano(),
		compressed: compressed,
	}, pixels)

	var total int64
	for _, frag := range frags {
		total += int64(len(frag))
	}
	if !m.send[protocol.ChannelVideo].tryAcquire(total) {
		q.LocalDrop()
		m.metrics.RecordVideoDropped()
		return ErrFrameDropped
	}

	m.frameID++
	m.lastFrame = now
	for _, frag := range frags {
		if err := m.conn.Send(protocol.ChannelVideo, frag); err != nil {
			m.send[protocol.ChannelVideo].refund(total)
			if errors.Is(err, session.ErrOutboxFull) {
				q.LocalDrop()
				m.metrics.RecordVideoDropped()
				return ErrFrameDropped
			}
			return err
		}
		total -= int64(len(frag))
	}
	return nil
}

// RunVideo captures monitor from src at the current frame rate and sends
// each frame until ctx is done or the session ends.
func (m *Mux) RunVideo(ctx context.Context, src desktop.FrameSource, monitor uint8) error {
	defer m.encoder.close()
	for {
		interval := time.Second / time.Duration(m.Quality().Current().FPS)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.conn.Done():
			timer.Stop()
			return ErrSessionDone
		case <-timer.C:
		}

		f, err := src.Capture(ctx, monitor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("capture failed", "monitor", monitor, logging.KeyError, err)
			continue
		}
		switch err := m.SendFrame(f); {
		case err == nil, errors.Is(err, ErrFramePaced), errors.Is(err, ErrFrameDropped):
		case errors.Is(err, session.ErrNotActive):
			return ErrSessionDone
		default:
			m.logger.Warn("send frame failed", logging.KeyError, err)
		}
	}
}

func (m *Mux) videoReceiver() (*videoReceiver, error) {
	m.videoMu.Lock()
	defer m.videoMu.Unlock()
	if m.video == nil {
		var maxW, maxH uint32
		if agreed := m.conn.Agreed(); agreed != nil {
			maxW, maxH = agreed.MaxWidth, agreed.MaxHeight
		}
		r, err := newVideoReceiver(maxW, maxH)
		if err != nil {
			return nil, err
		}
		m.video = r
	}
	return m.video, nil
}

func (m *Mux) deliverVideo(p []byte) {
	r, err := m.videoReceiver()
	if err != nil {
		m.logger.Error("video receiver unavailable", logging.KeyError, err)
		return
	}
	frame, err := r.push(p)
	if err != nil {
		m.logger.Debug("video frame discarded", logging.KeyError, err)
		return
	}
	if frame != nil && m.handlers.Frames != nil {
		m.handlers.Frames.ShowFrame(frame)
	}
}

func (m *Mux) reportLoop() {
	ticker := time.NewTicker(m.cfg.ReportInterval)
	defer ticker.Stop()
	defer func() {
		m.videoMu.Lock()
		if m.video != nil {
			m.video.close()
		}
		m.videoMu.Unlock()
	}()

	for {
		select {
		case <-m.conn.Done():
			return
		case <-ticker.C:
		}
		r, err := m.videoReceiver()
		if err != nil {
			return
		}
		rep := r.report()
		if err := m.conn.SendControl(protocol.MsgQualityReport, &rep); err != nil {
			return
		}
	}
}
