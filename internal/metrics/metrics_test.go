package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.HostsRegistered == nil {
		t.Error("HostsRegistered metric is nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.SetHostsRegistered(3)
	m.RecordRegistration("ok")
	m.RecordRouteLookup("hit")
	m.RecordBroker("relayed", 0.1)
	m.RecordForwardStart()
	m.RecordForwardEnd(100)
	m.RecordRateLimited()
	m.RecordRegistrationLost()
	m.RecordSessionActive("direct", 0.2)
	m.RecordSessionEnd("closed", true)
	m.RecordHandshakeError("auth_failed")
	m.RecordForgedFrame()
	m.RecordKeepaliveRTT(0.01)
	m.RecordKeepaliveMiss()
	m.RecordFrameSent("video", 10)
	m.RecordFrameReceived("input", 10)
	m.RecordVideoDropped()
	m.SetVideoQuality(2)
	m.RecordFileTransfer("upload", "ok")
	m.RecordFileBytes("upload", 10)
}

func TestRecordSessionLifecycle(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordSessionActive("direct", 0.05)
	m.RecordSessionActive("relayed", 0.3)

	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Errorf("SessionsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("relayed")); got != 1 {
		t.Errorf("SessionsTotal{relayed} = %v, want 1", got)
	}

	m.RecordSessionEnd("closed", true)
	m.RecordSessionEnd("failed", false)

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionEnds.WithLabelValues("failed")); got != 1 {
		t.Errorf("SessionEnds{failed} = %v, want 1", got)
	}
}

func TestRecordForward(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordForwardStart()
	m.RecordForwardStart()
	m.RecordForwardEnd(1500)

	if got := testutil.ToFloat64(m.ForwardsActive); got != 1 {
		t.Errorf("ForwardsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ForwardedBytes); got != 1500 {
		t.Errorf("ForwardedBytes = %v, want 1500", got)
	}
}

func TestRecordFrames(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordFrameSent("video", 1000)
	m.RecordFrameSent("video", 500)
	m.RecordFrameReceived("input", 20)

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("video")); got != 2 {
		t.Errorf("FramesSent{video} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent.WithLabelValues("video")); got != 1500 {
		t.Errorf("BytesSent{video} = %v, want 1500", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived.WithLabelValues("input")); got != 20 {
		t.Errorf("BytesReceived{input} = %v, want 20", got)
	}
}

func TestRecordBroker(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordBroker("direct", 0.1)
	m.RecordBroker("relayed", 0.4)
	m.RecordBroker("relayed", 0.5)

	if got := testutil.ToFloat64(m.BrokerOutcomes.WithLabelValues("relayed")); got != 2 {
		t.Errorf("BrokerOutcomes{relayed} = %v, want 2", got)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default returned different instances")
	}
}
