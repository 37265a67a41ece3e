package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToBurstThenDenies(t *testing.T) {
	l := New(60, 0) // 1 req/sec, burst 60
	defer l.Stop()

	for i := 0; i < 60; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should have been allowed within burst", i)
		}
	}

	if l.Allow("10.0.0.1") {
		t.Error("request beyond burst should have been denied")
	}
}

func TestLimiter_TracksIPsIndependently(t *testing.T) {
	l := New(1, 0)
	defer l.Stop()

	if !l.Allow("10.0.0.1") {
		t.Fatal("first request from 10.0.0.1 should be allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("first request from a different IP should be allowed independently")
	}
	if l.Allow("10.0.0.1") {
		t.Error("second immediate request from the same IP should be denied")
	}
}

func TestLimiter_ZeroLimitFallsOpen(t *testing.T) {
	l := New(0, 0)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatal("a zero requests-per-minute limit should permit everything")
		}
	}
}

func TestLimiter_GlobalLimitAppliesAcrossIPs(t *testing.T) {
	l := New(1000, 0, WithGlobalLimit(1))
	defer l.Stop()

	if !l.Allow("10.0.0.1") {
		t.Fatal("first request should pass the global limiter")
	}
	if l.Allow("10.0.0.2") {
		t.Error("second request from a different IP should be denied by the shared global limiter")
	}
}

func TestLimiter_EvictsIdleBucketsOnSweep(t *testing.T) {
	l := New(1, 10*time.Millisecond)
	defer l.Stop()
	l.idleEvictAfter = 5 * time.Millisecond

	l.Allow("10.0.0.1")
	if _, ok := l.ipLimiters.Load("10.0.0.1"); !ok {
		t.Fatal("expected a bucket to exist for 10.0.0.1")
	}

	time.Sleep(50 * time.Millisecond)

	if _, ok := l.ipLimiters.Load("10.0.0.1"); ok {
		t.Error("expected idle bucket to be evicted by the sweeper")
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(10, time.Minute)
	l.Stop()
	l.Stop() // must not panic on double-close
}
