// Package ratelimit enforces a per-source-IP token bucket (golang.org/x/time/rate)
// over accepted connections, following the teacher's RateLimitValidator shape closely but
// gating raw net.Conn acceptance rather than http.Handler requests.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a requests-per-minute budget per source IP, plus an
// optional shared global budget, evicting idle per-IP buckets periodically.
type Limiter struct {
	globalLimiter *rate.Limiter

	ipLimiters sync.Map // string -> *ipBucket

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once

	requestsPerMinute int
	burstSize         int
	idleEvictAfter    time.Duration
}

type ipBucket struct {
	limiter     *rate.Limiter
	mu          sync.RWMutex
	lastAccess  time.Time
	windowStart time.Time
	tokensUsed  int
}

// Option configures optional Limiter behaviour beyond the required per-IP rate.
type Option func(*Limiter)

// WithGlobalLimit caps the aggregate rate across all source IPs.
func WithGlobalLimit(requestsPerMinute int) Option {
	return func(l *Limiter) {
		if requestsPerMinute > 0 {
			l.globalLimiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
		}
	}
}

// New builds a Limiter allowing requestsPerMinute per source IP (burst size
// equal to the per-minute allowance), sweeping idle buckets every sweepInterval.
func New(requestsPerMinute int, sweepInterval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		requestsPerMinute: requestsPerMinute,
		burstSize:         requestsPerMinute,
		idleEvictAfter:    10 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	if sweepInterval > 0 {
		l.cleanupTicker = time.NewTicker(sweepInterval)
		go l.cleanupRoutine()
	}

	return l
}

// Allow reports whether a connection from clientIP should proceed. It falls
// open (permits) if requestsPerMinute is non-positive, matching the teacher's
// "limit <= 0 means unrestricted" convention.
func (l *Limiter) Allow(clientIP string) bool {
	if l.requestsPerMinute <= 0 {
		return true
	}

	if l.globalLimiter != nil && !l.globalLimiter.Allow() {
		return false
	}

	return l.checkIPLimit(clientIP)
}

func (l *Limiter) checkIPLimit(clientIP string) bool {
	bucket := l.getOrCreateBucket(clientIP)

	now := time.Now()
	bucket.mu.Lock()
	bucket.lastAccess = now
	if now.Sub(bucket.windowStart) >= time.Minute {
		bucket.windowStart = now
		bucket.tokensUsed = 0
	}
	limiter := bucket.limiter
	bucket.mu.Unlock()

	if !limiter.Allow() {
		return false
	}

	bucket.mu.Lock()
	bucket.tokensUsed++
	bucket.mu.Unlock()

	return true
}

func (l *Limiter) getOrCreateBucket(key string) *ipBucket {
	now := time.Now()
	fresh := &ipBucket{
		limiter:     rate.NewLimiter(rate.Limit(float64(l.requestsPerMinute)/60.0), l.burstSize),
		lastAccess:  now,
		windowStart: now,
	}

	actual, _ := l.ipLimiters.LoadOrStore(key, fresh)
	bucket, ok := actual.(*ipBucket)
	if !ok {
		return fresh
	}
	return bucket
}

func (l *Limiter) cleanupRoutine() {
	for {
		select {
		case <-l.stopCleanup:
			return
		case <-l.cleanupTicker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := time.Now().Add(-l.idleEvictAfter)

	l.ipLimiters.Range(func(key, value any) bool {
		bucket, ok := value.(*ipBucket)
		if !ok {
			return true
		}
		bucket.mu.RLock()
		lastAccess := bucket.lastAccess
		bucket.mu.RUnlock()

		if lastAccess.Before(cutoff) {
			l.ipLimiters.Delete(key)
		}
		return true
	})
}

// Stop halts the background sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
		}
		close(l.stopCleanup)
	})
}
