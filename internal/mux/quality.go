package mux

import (
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/postalsys/freeviewer/internal/metrics"
	"github.com/postalsys/freeviewer/internal/protocol"
)

// Level is one video quality step.
type Level struct {
	Scale       float64
	FPS         uint32
	Compression zstd.EncoderLevel
}

// Levels are ordered from lowest to highest quality.
var Levels = []Level{
	{Scale: 0.25, FPS: 5, Compression: zstd.SpeedFastest},
	{Scale: 0.5, FPS: 10, Compression: zstd.SpeedFastest},
	{Scale: 0.75, FPS: 15, Compression: zstd.SpeedDefault},
	{Scale: 1, FPS: 24, Compression: zstd.SpeedDefault},
	{Scale: 1, FPS: 30, Compression: zstd.SpeedBetterCompression},
}

// Quality controller defaults.
const (
	DefaultRTTTarget   = 150 * time.Millisecond
	DefaultStepUpAfter = 3
	initialLevel       = 2
)

// QualityController picks the video level from receiver feedback: it steps
// down on drops or high latency and steps up after sustained healthy
// reports. The frame rate never exceeds the agreed maximum.
type QualityController struct {
	mu          sync.Mutex
	level       int
	healthy     int
	localDrops  int
	maxFPS      uint32
	target      time.Duration
	stepUpAfter int
	metrics     *metrics.Metrics
}

// NewQualityController creates a controller capped at maxFPS.
func NewQualityController(maxFPS uint32, target time.Duration, m *metrics.Metrics) *QualityController {
	if target <= 0 {
		target = DefaultRTTTarget
	}
	q := &QualityController{
		level:       initialLevel,
		maxFPS:      maxFPS,
		target:      target,
		stepUpAfter: DefaultStepUpAfter,
		metrics:     m,
	}
	m.SetVideoQuality(q.level)
	return q
}

// Level returns the current level index.
func (q *QualityController) Level() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

// Current returns the current level with its frame rate capped.
func (q *QualityController) Current() Level {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := Levels[q.level]
	if q.maxFPS > 0 && l.FPS > q.maxFPS {
		l.FPS = q.maxFPS
	}
	return l
}

// LocalDrop records a frame the sender dropped for lack of credit.
func (q *QualityController) LocalDrop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.localDrops++
}

// Observe applies one receiver report together with the current RTT. The
// report's latency is queueing delay on top of the best path delay, not an
// absolute clock difference.
func (q *QualityController) Observe(rtt time.Duration, r protocol.QualityReport) {
	q.mu.Lock()
	defer q.mu.Unlock()

	latency := protocol.FromMillis(r.LatencyMs)
	congested := r.FramesDropped > 0 || q.localDrops > 0 ||
		rtt > q.target || latency > 2*q.target
	q.localDrops = 0

	if congested {
		q.healthy = 0
		if q.level > 0 {
			q.level--
		}
	} else {
		q.healthy++
		if q.healthy >= q.stepUpAfter && q.level < len(Levels)-1 {
			q.level++
			q.healthy = 0
		}
	}
	q.metrics.SetVideoQuality(q.level)
}
