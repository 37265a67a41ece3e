// Package telemetry tracks process-wide proxy counters and bounded samples
// of recent activity, exposed to the admin endpoint's /stats handler.
// Grounded on the teacher's percentile_tracker.go (reservoir sampling for
// response times) and collector.go (atomic-counter aggregation) shape.
package telemetry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Telemetry aggregates connection-lifecycle counters plus bounded samples of
// recent log lines and connection durations, all safe for concurrent use.
type Telemetry struct {
	startedAt time.Time

	totalConnections    atomic.Int64
	activeConnections   atomic.Int64
	tunnelConnections   atomic.Int64
	httpConnections     atomic.Int64
	blockedConnections  atomic.Int64
	rateLimited         atomic.Int64
	aclDenied           atomic.Int64
	dialFailures        atomic.Int64
	bytesClientToUpstream atomic.Int64
	bytesUpstreamToClient atomic.Int64

	durationSum   atomic.Int64
	durationCount atomic.Int64
	durationMin   atomic.Int64
	durationMax   atomic.Int64

	durations *reservoir
	recent    *ring
}

// New builds a Telemetry with a response-time reservoir of sampleSize and a
// recent-events ring buffer holding the last recentCapacity entries.
func New(sampleSize, recentCapacity int) *Telemetry {
	t := &Telemetry{
		startedAt: time.Now(),
		durations: newReservoir(sampleSize),
		recent:    newRing(recentCapacity),
	}
	t.durationMin.Store(math.MaxInt64)
	return t
}

// RecordAccepted increments the connection counters for a newly accepted client.
func (t *Telemetry) RecordAccepted() {
	t.totalConnections.Inc()
	t.activeConnections.Inc()
}

// RecordClosed decrements the active-connection gauge and records the
// connection's lifetime in the response-time reservoir.
func (t *Telemetry) RecordClosed(kind string, duration time.Duration, clientToUpstream, upstreamToClient int64) {
	t.activeConnections.Dec()
	ms := duration.Milliseconds()
	t.durations.add(ms)
	t.bytesClientToUpstream.Add(clientToUpstream)
	t.bytesUpstreamToClient.Add(upstreamToClient)

	t.durationSum.Add(ms)
	t.durationCount.Inc()
	t.updateMin(ms)
	t.updateMax(ms)

	switch kind {
	case "tunnel":
		t.tunnelConnections.Inc()
	case "http":
		t.httpConnections.Inc()
	}
}

// updateMin lowers the running minimum duration, retrying on concurrent writers.
func (t *Telemetry) updateMin(v int64) {
	for {
		cur := t.durationMin.Load()
		if v >= cur {
			return
		}
		if t.durationMin.CompareAndSwap(cur, v) {
			return
		}
	}
}

// updateMax raises the running maximum duration, retrying on concurrent writers.
func (t *Telemetry) updateMax(v int64) {
	for {
		cur := t.durationMax.Load()
		if v <= cur {
			return
		}
		if t.durationMax.CompareAndSwap(cur, v) {
			return
		}
	}
}

// RecordBlocked increments the blocklist-denial counter.
func (t *Telemetry) RecordBlocked() { t.blockedConnections.Inc() }

// RecordRateLimited increments the rate-limit-denial counter.
func (t *Telemetry) RecordRateLimited() { t.rateLimited.Inc() }

// RecordACLDenied increments the ACL-denial counter.
func (t *Telemetry) RecordACLDenied() { t.aclDenied.Inc() }

// RecordDialFailure increments the upstream dial-failure counter.
func (t *Telemetry) RecordDialFailure() { t.dialFailures.Inc() }

// LogEvent appends a short human-readable description to the recent-events ring.
func (t *Telemetry) LogEvent(line string) {
	t.recent.add(line)
}

// Snapshot is a point-in-time view of telemetry state, suitable for JSON encoding.
type Snapshot struct {
	UptimeSeconds         float64  `json:"uptime_seconds"`
	TotalConnections      int64    `json:"total_connections"`
	ActiveConnections     int64    `json:"active_connections"`
	TunnelConnections     int64    `json:"tunnel_connections"`
	HTTPConnections       int64    `json:"http_connections"`
	BlockedConnections    int64    `json:"blocked_connections"`
	RateLimitedConnections int64   `json:"rate_limited_connections"`
	ACLDeniedConnections  int64    `json:"acl_denied_connections"`
	DialFailures          int64    `json:"dial_failures"`
	BytesClientToUpstream int64    `json:"bytes_client_to_upstream"`
	BytesUpstreamToClient int64    `json:"bytes_upstream_to_client"`
	MinMillis             int64    `json:"min_ms"`
	AvgMillis             int64    `json:"avg_ms"`
	MaxMillis             int64    `json:"max_ms"`
	P50Millis             int64    `json:"p50_ms"`
	P95Millis             int64    `json:"p95_ms"`
	P99Millis             int64    `json:"p99_ms"`
	RecentEvents          []string `json:"recent_events"`
}

// Snapshot returns a consistent-enough view for the /stats endpoint; reading
// several independent atomics is not a single atomic operation, but callers
// only need approximate figures for observability, not billing-grade accuracy.
func (t *Telemetry) Snapshot() Snapshot {
	p50, p95, p99 := t.durations.percentiles()

	var minMs, avgMs, maxMs int64
	if count := t.durationCount.Load(); count > 0 {
		minMs = t.durationMin.Load()
		maxMs = t.durationMax.Load()
		avgMs = t.durationSum.Load() / count
	}

	return Snapshot{
		UptimeSeconds:          time.Since(t.startedAt).Seconds(),
		TotalConnections:       t.totalConnections.Load(),
		ActiveConnections:      t.activeConnections.Load(),
		TunnelConnections:      t.tunnelConnections.Load(),
		HTTPConnections:        t.httpConnections.Load(),
		BlockedConnections:     t.blockedConnections.Load(),
		RateLimitedConnections: t.rateLimited.Load(),
		ACLDeniedConnections:   t.aclDenied.Load(),
		DialFailures:           t.dialFailures.Load(),
		BytesClientToUpstream:  t.bytesClientToUpstream.Load(),
		BytesUpstreamToClient:  t.bytesUpstreamToClient.Load(),
		MinMillis:              minMs,
		AvgMillis:              avgMs,
		MaxMillis:              maxMs,
		P50Millis:              p50,
		P95Millis:              p95,
		P99Millis:              p99,
		RecentEvents:           t.recent.snapshot(),
	}
}

// reservoir is a reservoir sampler over connection durations in milliseconds,
// bounding memory regardless of how many connections the proxy has served.
type reservoir struct {
	mu      sync.Mutex
	samples []int64
	size    int
	count   int64
}

func newReservoir(size int) *reservoir {
	if size <= 0 {
		size = 200
	}
	return &reservoir{size: size, samples: make([]int64, 0, size)}
}

func (r *reservoir) add(value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	if len(r.samples) < r.size {
		r.samples = append(r.samples, value)
		return
	}
	j := rand.Int63n(r.count) //nolint:gosec // statistical sampling, not security sensitive
	if j < int64(r.size) {
		r.samples[j] = value
	}
}

func (r *reservoir) percentiles() (p50, p95, p99 int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(r.samples))
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := func(pct int) int64 {
		i := len(sorted) * pct / 100
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}

	return idx(50), idx(95), idx(99)
}

// ring is a fixed-capacity circular buffer of recent event descriptions.
type ring struct {
	mu       sync.Mutex
	entries  []string
	capacity int
	next     int
	filled   bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &ring{entries: make([]string, capacity), capacity: capacity}
}

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = line
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
}

func (r *ring) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]string, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]string, r.capacity)
	copy(out, r.entries[r.next:])
	copy(out[r.capacity-r.next:], r.entries[:r.next])
	return out
}
