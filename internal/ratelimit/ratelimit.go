// Package ratelimit implements the gateway's per-subject token-bucket rate
// limiting across three independent dimensions — source IP, authenticated
// user, and individual WebSocket connection — plus a violation-triggered
// lockout on top of the bucket itself.
//
// Grounded on the shape of a mutex-guarded map with a periodic cleanup
// ticker and a Stop channel; generalized from a single global limiter keyed
// on nothing to a sync.Map keyed per (dimension, subject), and from a
// disk-persisted failure counter to golang.org/x/time/rate token buckets.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"termgateway/internal/logger"
	"termgateway/internal/metrics"
)

var log = logger.WithComponent("RATELIMIT")

// Dimension names one of the three independent rate-limiting axes.
type Dimension string

const (
	DimensionIP   Dimension = "ip"
	DimensionUser Dimension = "user"
	DimensionConn Dimension = "conn"
)

// Config controls bucket rates and the violation lockout.
type Config struct {
	IPRatePerMinute   int
	IPBurst           int
	UserRatePerHour   int
	UserBurst         int
	ConnRatePerSecond int
	ConnBurst         int

	ViolationsForLockout int
	LockoutDuration      time.Duration

	// StaleAfter bounds how long an idle bucket is kept before the cleanup
	// loop evicts it, so a limiter serving many transient IPs/connections
	// doesn't grow without bound.
	StaleAfter      time.Duration
	CleanupInterval time.Duration
}

const (
	defaultStaleAfter      = 30 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

type bucket struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	violations  int
	lockedUntil time.Time

	lastUsed int64 // unix nanos, atomic
}

func (b *bucket) touch() {
	atomic.StoreInt64(&b.lastUsed, time.Now().UnixNano())
}

func (b *bucket) idleSince() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&b.lastUsed)))
}

// allow reports whether a request is currently permitted, recording a
// violation (and possibly triggering a lockout) when it is not.
func (b *bucket) allow() bool {
	b.touch()

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.lockedUntil.IsZero() {
		if time.Now().Before(b.lockedUntil) {
			return false
		}
		b.lockedUntil = time.Time{}
		b.violations = 0
	}

	if b.limiter.Allow() {
		return true
	}

	b.violations++
	return false
}

// Limiter holds independent token buckets per (dimension, subject).
type Limiter struct {
	cfg Config

	ipRate   rate.Limit
	userRate rate.Limit
	connRate rate.Limit

	buckets sync.Map // map[string]*bucket

	violationsForLockout int
	lockoutDuration       time.Duration

	stopCleanup chan struct{}
	cleanupDone chan struct{}

	// Metrics, when set, counts rejections per dimension.
	Metrics *metrics.Collectors
}

// NewLimiter builds a limiter from cfg, defaulting any zero-valued tuning
// knobs and starting the background eviction loop.
func NewLimiter(cfg Config) *Limiter {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	l := &Limiter{
		cfg:                   cfg,
		ipRate:                rate.Limit(float64(cfg.IPRatePerMinute) / 60.0),
		userRate:              rate.Limit(float64(cfg.UserRatePerHour) / 3600.0),
		connRate:              rate.Limit(cfg.ConnRatePerSecond),
		violationsForLockout:  cfg.ViolationsForLockout,
		lockoutDuration:       cfg.LockoutDuration,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) key(dim Dimension, subject string) string {
	return string(dim) + ":" + subject
}

func (l *Limiter) bucketFor(dim Dimension, subject string) *bucket {
	key := l.key(dim, subject)
	if existing, ok := l.buckets.Load(key); ok {
		return existing.(*bucket)
	}

	var r rate.Limit
	var burst int
	switch dim {
	case DimensionIP:
		r, burst = l.ipRate, l.cfg.IPBurst
	case DimensionUser:
		r, burst = l.userRate, l.cfg.UserBurst
	case DimensionConn:
		r, burst = l.connRate, l.cfg.ConnBurst
	}

	fresh := &bucket{limiter: rate.NewLimiter(r, burst)}
	fresh.touch()
	actual, _ := l.buckets.LoadOrStore(key, fresh)
	return actual.(*bucket)
}

// AllowIP checks the per-source-IP bucket.
func (l *Limiter) AllowIP(ip string) bool { return l.allow(DimensionIP, ip) }

// AllowUser checks the per-authenticated-user bucket.
func (l *Limiter) AllowUser(userID string) bool { return l.allow(DimensionUser, userID) }

// AllowConn checks the per-WebSocket-connection bucket.
func (l *Limiter) AllowConn(connID string) bool { return l.allow(DimensionConn, connID) }

func (l *Limiter) allow(dim Dimension, subject string) bool {
	b := l.bucketFor(dim, subject)
	ok := b.allow()

	if !ok {
		if l.Metrics != nil {
			l.Metrics.RateLimitHitsTotal.WithLabelValues(string(dim)).Inc()
		}
		if l.violationsForLockout > 0 {
			b.mu.Lock()
			if b.violations >= l.violationsForLockout && b.lockedUntil.IsZero() {
				b.lockedUntil = time.Now().Add(l.lockoutDuration)
				log.Warn("rate limit lockout | dimension=%s subject=%s duration=%v", dim, subject, l.lockoutDuration)
			}
			b.mu.Unlock()
		}
	}
	return ok
}

// LockedOut reports whether (dim, subject) is currently serving a
// violation-triggered lockout, without consuming a token itself. Callers
// use this right after an allow() rejection to decide whether the
// violation just crossed the lockout threshold and the connection/request
// should be terminated outright rather than merely throttled.
func (l *Limiter) LockedOut(dim Dimension, subject string) bool {
	b := l.bucketFor(dim, subject)
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.lockedUntil.IsZero() && time.Now().Before(b.lockedUntil)
}

// Reset clears a subject's bucket state entirely, e.g. on successful
// reauthentication.
func (l *Limiter) Reset(dim Dimension, subject string) {
	l.buckets.Delete(l.key(dim, subject))
}

// Inspect reports a (dimension, subject) bucket's current occupancy without
// consuming a token, for the X-RateLimit-* response headers. resetSeconds is
// how long until the bucket regains a full token if it is currently empty,
// and 0 if it isn't.
func (l *Limiter) Inspect(dim Dimension, subject string) (limit, remaining, resetSeconds int) {
	b := l.bucketFor(dim, subject)
	burst := b.limiter.Burst()
	tokens := b.limiter.Tokens()

	remaining = int(tokens)
	if remaining > burst {
		remaining = burst
	}
	if remaining < 0 {
		remaining = 0
	}
	limit = burst

	if perSec := float64(b.limiter.Limit()); tokens < 1 && perSec > 0 {
		resetSeconds = int((1 - tokens) / perSec)
		if resetSeconds < 1 {
			resetSeconds = 1
		}
	}
	return limit, remaining, resetSeconds
}

func (l *Limiter) cleanupLoop() {
	defer close(l.cleanupDone)
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	evicted := 0
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if b.idleSince() >= l.cfg.StaleAfter {
			l.buckets.Delete(key)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		log.Debug("evicted %d stale rate limit buckets", evicted)
	}
}

// Stop halts the eviction loop and waits for it to finish.
func (l *Limiter) Stop() {
	close(l.stopCleanup)
	<-l.cleanupDone
}
