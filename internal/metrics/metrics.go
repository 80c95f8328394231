// Package metrics provides Prometheus metrics for FreeViewer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "freeviewer"
)

// Metrics contains all Prometheus metrics for relays, hosts and clients.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Relay metrics
	HostsRegistered  prometheus.Gauge
	Registrations    *prometheus.CounterVec
	RouteLookups     *prometheus.CounterVec
	BrokerOutcomes   *prometheus.CounterVec
	BrokerLatency    prometheus.Histogram
	ForwardsActive   prometheus.Gauge
	ForwardedBytes   prometheus.Counter
	RateLimited      prometheus.Counter
	RegistrationLost prometheus.Counter

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionEnds      *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	ForgedFrames     prometheus.Counter
	KeepaliveRTT     prometheus.Histogram
	KeepaliveMisses  prometheus.Counter

	// Channel metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	VideoDropped   prometheus.Counter
	VideoQuality   prometheus.Gauge

	// File transfer metrics
	FileTransfers *prometheus.CounterVec
	FileBytes     *prometheus.CounterVec

	// Client metrics
	ConnectAttempts *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HostsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "hosts_registered",
			Help:      "Number of hosts with a live registration",
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "registrations_total",
			Help:      "Host registrations by result",
		}, []string{"result"}),
		RouteLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "route_lookups_total",
			Help:      "Route lookups by result (hit, miss, stale)",
		}, []string{"result"}),
		BrokerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broker_outcomes_total",
			Help:      "Brokered connection attempts by outcome",
		}, []string{"outcome"}),
		BrokerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broker_latency_seconds",
			Help:      "Time from connect request to path decision",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ForwardsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwards_active",
			Help:      "Number of sessions currently forwarded through the relay",
		}),
		ForwardedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwarded_bytes_total",
			Help:      "Opaque bytes forwarded between session legs",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Connect requests refused by the per-address rate limit",
		}),
		RegistrationLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "registration_lost_total",
			Help:      "Times a host lost its relay registration",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions in the Active state",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "established_total",
			Help:      "Sessions that reached Active, by path",
		}, []string{"path"}),
		SessionEnds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions that ended, by terminal state",
		}, []string{"state"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshake_latency_seconds",
			Help:      "Time from Connecting to Active",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshake_errors_total",
			Help:      "Failed handshakes by error kind",
		}, []string{"kind"}),
		ForgedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "forged_frames_total",
			Help:      "Frames dropped because authentication failed",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "keepalive_rtt_seconds",
			Help:      "Round-trip time measured by keepalive echoes",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		KeepaliveMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "keepalive_misses_total",
			Help:      "Keepalive intervals that passed without any inbound traffic",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_sent_total",
			Help:      "Frames sent by channel",
		}, []string{"channel"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_received_total",
			Help:      "Frames received by channel",
		}, []string{"channel"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "bytes_sent_total",
			Help:      "Plaintext bytes sent by channel",
		}, []string{"channel"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "bytes_received_total",
			Help:      "Plaintext bytes received by channel",
		}, []string{"channel"}),
		VideoDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "frames_dropped_total",
			Help:      "Video frames skipped by flow control or pacing",
		}),
		VideoQuality: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "video",
			Name:      "quality_level",
			Help:      "Current adaptive video quality level",
		}),

		FileTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "transfers_total",
			Help:      "File transfers by direction and result",
		}, []string{"direction", "result"}),
		FileBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "bytes_total",
			Help:      "File bytes transferred by direction",
		}, []string{"direction"}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Client connection attempts by path (direct, relayed, failed)",
		}, []string{"path"}),
	}
}

// Relay helpers

// SetHostsRegistered sets the number of live registrations.
func (m *Metrics) SetHostsRegistered(count int) {
	if m == nil {
		return
	}
	m.HostsRegistered.Set(float64(count))
}

// RecordRegistration records a registration attempt result.
func (m *Metrics) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

// RecordRouteLookup records a route table lookup result.
func (m *Metrics) RecordRouteLookup(result string) {
	if m == nil {
		return
	}
	m.RouteLookups.WithLabelValues(result).Inc()
}

// RecordBroker records how a brokered connection attempt ended.
func (m *Metrics) RecordBroker(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.BrokerOutcomes.WithLabelValues(outcome).Inc()
	m.BrokerLatency.Observe(latencySeconds)
}

// RecordForwardStart records a forwarded session starting.
func (m *Metrics) RecordForwardStart() {
	if m == nil {
		return
	}
	m.ForwardsActive.Inc()
}

// RecordForwardEnd records a forwarded session ending after bytes were spliced.
func (m *Metrics) RecordForwardEnd(bytes int64) {
	if m == nil {
		return
	}
	m.ForwardsActive.Dec()
	m.ForwardedBytes.Add(float64(bytes))
}

// RecordRateLimited records a refused connect request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// RecordRegistrationLost records a host losing its relay registration.
func (m *Metrics) RecordRegistrationLost() {
	if m == nil {
		return
	}
	m.RegistrationLost.Inc()
}

// Session helpers

// RecordSessionActive records a session reaching Active.
func (m *Metrics) RecordSessionActive(path string, handshakeSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues(path).Inc()
	m.HandshakeLatency.Observe(handshakeSeconds)
}

// RecordSessionEnd records a session ending. wasActive reports whether it
// had been counted as active.
func (m *Metrics) RecordSessionEnd(state string, wasActive bool) {
	if m == nil {
		return
	}
	if wasActive {
		m.SessionsActive.Dec()
	}
	m.SessionEnds.WithLabelValues(state).Inc()
}

// RecordHandshakeError records a handshake failure.
func (m *Metrics) RecordHandshakeError(kind string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(kind).Inc()
}

// RecordForgedFrame records an inbound frame that failed authentication.
func (m *Metrics) RecordForgedFrame() {
	if m == nil {
		return
	}
	m.ForgedFrames.Inc()
}

// RecordKeepaliveRTT records a measured round trip.
func (m *Metrics) RecordKeepaliveRTT(rttSeconds float64) {
	if m == nil {
		return
	}
	m.KeepaliveRTT.Observe(rttSeconds)
}

// RecordKeepaliveMiss records a silent keepalive interval.
func (m *Metrics) RecordKeepaliveMiss() {
	if m == nil {
		return
	}
	m.KeepaliveMisses.Inc()
}

// Channel helpers

// RecordFrameSent records an outbound frame.
func (m *Metrics) RecordFrameSent(channel string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(channel).Inc()
	m.BytesSent.WithLabelValues(channel).Add(float64(bytes))
}

// RecordFrameReceived records an inbound frame.
func (m *Metrics) RecordFrameReceived(channel string, bytes int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(channel).Inc()
	m.BytesReceived.WithLabelValues(channel).Add(float64(bytes))
}

// RecordVideoDropped records a skipped video frame.
func (m *Metrics) RecordVideoDropped() {
	if m == nil {
		return
	}
	m.VideoDropped.Inc()
}

// SetVideoQuality sets the current quality level.
func (m *Metrics) SetVideoQuality(level int) {
	if m == nil {
		return
	}
	m.VideoQuality.Set(float64(level))
}

// File helpers

// RecordFileTransfer records a finished transfer.
func (m *Metrics) RecordFileTransfer(direction, result string) {
	if m == nil {
		return
	}
	m.FileTransfers.WithLabelValues(direction, result).Inc()
}

// RecordFileBytes records transferred file bytes.
func (m *Metrics) RecordFileBytes(direction string, bytes int) {
	if m == nil {
		return
	}
	m.FileBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordConnect records which path a client connection attempt took.
func (m *Metrics) RecordConnect(path string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(path).Inc()
}
