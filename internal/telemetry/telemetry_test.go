package telemetry

import (
	"testing"
	"time"
)

func TestTelemetry_TracksActiveConnections(t *testing.T) {
	tel := New(100, 10)

	tel.RecordAccepted()
	tel.RecordAccepted()

	snap := tel.Snapshot()
	if snap.TotalConnections != 2 {
		t.Errorf("expected 2 total connections, got %d", snap.TotalConnections)
	}
	if snap.ActiveConnections != 2 {
		t.Errorf("expected 2 active connections, got %d", snap.ActiveConnections)
	}

	tel.RecordClosed("tunnel", 10*time.Millisecond, 100, 200)

	snap = tel.Snapshot()
	if snap.ActiveConnections != 1 {
		t.Errorf("expected 1 active connection after close, got %d", snap.ActiveConnections)
	}
	if snap.TunnelConnections != 1 {
		t.Errorf("expected 1 tunnel connection recorded, got %d", snap.TunnelConnections)
	}
	if snap.BytesClientToUpstream != 100 || snap.BytesUpstreamToClient != 200 {
		t.Errorf("unexpected byte counters: %+v", snap)
	}
}

func TestTelemetry_DenialCounters(t *testing.T) {
	tel := New(10, 10)

	tel.RecordBlocked()
	tel.RecordRateLimited()
	tel.RecordRateLimited()
	tel.RecordACLDenied()
	tel.RecordDialFailure()

	snap := tel.Snapshot()
	if snap.BlockedConnections != 1 {
		t.Errorf("expected 1 blocked connection, got %d", snap.BlockedConnections)
	}
	if snap.RateLimitedConnections != 2 {
		t.Errorf("expected 2 rate-limited connections, got %d", snap.RateLimitedConnections)
	}
	if snap.ACLDeniedConnections != 1 {
		t.Errorf("expected 1 ACL-denied connection, got %d", snap.ACLDeniedConnections)
	}
	if snap.DialFailures != 1 {
		t.Errorf("expected 1 dial failure, got %d", snap.DialFailures)
	}
}

func TestTelemetry_PercentilesReflectSamples(t *testing.T) {
	tel := New(1000, 10)

	for i := 1; i <= 100; i++ {
		tel.RecordClosed("http", time.Duration(i)*time.Millisecond, 0, 0)
	}

	snap := tel.Snapshot()
	if snap.P50Millis < 40 || snap.P50Millis > 60 {
		t.Errorf("expected p50 roughly around 50ms, got %d", snap.P50Millis)
	}
	if snap.P99Millis < snap.P50Millis {
		t.Errorf("expected p99 >= p50, got p50=%d p99=%d", snap.P50Millis, snap.P99Millis)
	}
	if snap.MinMillis != 1 {
		t.Errorf("expected min=1ms, got %d", snap.MinMillis)
	}
	if snap.MaxMillis != 100 {
		t.Errorf("expected max=100ms, got %d", snap.MaxMillis)
	}
	if snap.AvgMillis < 40 || snap.AvgMillis > 60 {
		t.Errorf("expected avg roughly around 50ms, got %d", snap.AvgMillis)
	}
}

func TestTelemetry_RecentEventsRingWrapsAndOrders(t *testing.T) {
	tel := New(10, 3)

	tel.LogEvent("one")
	tel.LogEvent("two")
	tel.LogEvent("three")
	tel.LogEvent("four") // should evict "one"

	events := tel.Snapshot().RecentEvents
	if len(events) != 3 {
		t.Fatalf("expected 3 recent events, got %d: %v", len(events), events)
	}
	want := []string{"two", "three", "four"}
	for i, w := range want {
		if events[i] != w {
			t.Errorf("event %d: expected %q, got %q", i, w, events[i])
		}
	}
}

func TestTelemetry_EmptyPercentilesAreZero(t *testing.T) {
	tel := New(10, 10)

	snap := tel.Snapshot()
	if snap.P50Millis != 0 || snap.P95Millis != 0 || snap.P99Millis != 0 {
		t.Errorf("expected zero percentiles with no samples, got %+v", snap)
	}
	if snap.MinMillis != 0 || snap.AvgMillis != 0 || snap.MaxMillis != 0 {
		t.Errorf("expected zero min/avg/max with no samples, got %+v", snap)
	}
}
