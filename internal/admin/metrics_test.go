package admin

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserveEventDrivesCounters(t *testing.T) {
	m := NewMetrics()

	m.ObserveEvent("notify_received", "1 message(s)")
	m.ObserveEvent("ack_sent", "0 action(s)")
	m.ObserveEvent("abort_seen", "handler_was_in_flight=true")
	m.ObserveEvent("hello_negotiated", "version=2.0") // not counted by any collector

	if got := testutil.ToFloat64(m.NotifiesTotal); got != 1 {
		t.Errorf("NotifiesTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AcksTotal); got != 1 {
		t.Errorf("AcksTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AbortsTotal); got != 1 {
		t.Errorf("AbortsTotal = %v, want 1", got)
	}
}

func TestMetricsObserveEventDisconnectLabelsByInitiator(t *testing.T) {
	m := NewMetrics()

	m.ObserveEvent("disconnect", `initiator=peer status_code=0 message="normal shutdown"`)
	m.ObserveEvent("disconnect", `initiator=agent status_code=2 message="version mismatch"`)
	m.ObserveEvent("disconnect", `initiator=agent status_code=4 message="unexpected frame"`)

	if got := testutil.ToFloat64(m.DisconnectsTotal.WithLabelValues("peer")); got != 1 {
		t.Errorf("DisconnectsTotal{peer} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DisconnectsTotal.WithLabelValues("agent")); got != 2 {
		t.Errorf("DisconnectsTotal{agent} = %v, want 2", got)
	}
}

func TestDisconnectInitiatorFallsBackToUnknown(t *testing.T) {
	if got := disconnectInitiator("status_code=1 message=\"no initiator field\""); got != "unknown" {
		t.Errorf("disconnectInitiator = %q, want %q", got, "unknown")
	}
}

func TestMetricsSessionLifecycle(t *testing.T) {
	m := NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
}

func TestMetricsObserveHandlerDuration(t *testing.T) {
	m := NewMetrics()
	m.ObserveHandlerDuration(50 * time.Millisecond)

	if got := testutil.CollectAndCount(m.HandlerDuration); got != 1 {
		t.Errorf("HandlerDuration metric count = %d, want 1", got)
	}

	mfs, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var samples uint64
	for _, mf := range mfs {
		if mf.GetName() == "spop_agent_handler_duration_seconds" && len(mf.GetMetric()) == 1 {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if samples != 1 {
		t.Errorf("HandlerDuration sample count = %d, want 1", samples)
	}
}
