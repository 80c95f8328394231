package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/freeviewer/internal/logging"
)

// Synthetic is a FrameSource that renders a moving test pattern. It lets a
// host run without a platform capture backend.
type Synthetic struct {
	monitors []Monitor

	mu    sync.Mutex
	frame uint64
}

// NewSynthetic creates a test-pattern source with one monitor per size.
func NewSynthetic(sizes ...[2]uint32) *Synthetic {
	if len(sizes) == 0 {
		sizes = [][2]uint32{{1280, 720}}
	}
	s := &Synthetic{}
	for i, sz := range sizes {
		s.monitors = append(s.monitors, Monitor{
			Index:   uint8(i),
			Width:   sz[0],
			Height:  sz[1],
			Primary: i == 0,
		})
	}
	return s
}

// Monitors returns the configured monitors.
func (s *Synthetic) Monitors() []Monitor {
	return append([]Monitor(nil), s.monitors...)
}

// Capture renders the next frame of monitor: diagonal colour bands that
// shift by one step per frame.
func (s *Synthetic) Capture(ctx context.Context, monitor uint8) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int(monitor) >= len(s.monitors) {
		return nil, fmt.Errorf("no monitor %d", monitor)
	}
	m := s.monitors[monitor]

	s.mu.Lock()
	n := s.frame
	s.frame++
	s.mu.Unlock()

	stride := m.Width * 4
	pix := make([]byte, int(stride)*int(m.Height))
	for y := uint32(0); y < m.Height; y++ {
		row := pix[y*stride : (y+1)*stride]
		for x := uint32(0); x < m.Width; x++ {
			band := byte((uint64(x+y)/32 + n) * 40)
			row[x*4] = band
			row[x*4+1] = byte(y)
			row[x*4+2] = byte(x)
			row[x*4+3] = 0xFF
		}
	}
	return &Frame{
		Monitor:   monitor,
		Width:     m.Width,
		Height:    m.Height,
		Format:    FormatBGRA,
		Stride:    stride,
		Pixels:    pix,
		Timestamp: time.Now(),
	}, nil
}

// LogSink implements the client and host sinks by logging what it
// receives. Input and clipboard content are not logged, only their shape.
type LogSink struct {
	logger *slog.Logger

	mu     sync.Mutex
	frames uint64
	events uint64
}

// NewLogSink creates a sink that logs to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogSink{logger: logger.With(logging.KeyComponent, "desktop")}
}

// ShowFrame counts frames and logs every hundredth.
func (l *LogSink) ShowFrame(f *Frame) {
	l.mu.Lock()
	l.frames++
	n := l.frames
	l.mu.Unlock()
	if n == 1 || n%100 == 0 {
		l.logger.Info("frame received",
			"monitor", f.Monitor,
			"width", f.Width,
			"height", f.Height,
			logging.KeyCount, n)
	}
}

// Inject logs the event kind.
func (l *LogSink) Inject(ev InputEvent) error {
	l.mu.Lock()
	l.events++
	l.mu.Unlock()
	l.logger.Debug("input event", "kind", ev.Kind.String())
	return nil
}

// SetClipboard logs the clipboard size.
func (l *LogSink) SetClipboard(text string) error {
	l.logger.Info("clipboard updated", logging.KeyBytes, len(text))
	return nil
}

// ShowChat logs the chat message.
func (l *LogSink) ShowChat(msg ChatMessage) {
	l.logger.Info("chat", "from", msg.From, "text", msg.Text)
}

// Counts returns the number of frames and input events seen.
func (l *LogSink) Counts() (frames, events uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames, l.events
}
