package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	l := NewLimiter(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestLimiter_AllowIP_RespectsBurst(t *testing.T) {
	l := newTestLimiter(t, Config{IPRatePerMinute: 60, IPBurst: 2})

	if !l.AllowIP("1.2.3.4") {
		t.Fatal("first request should be allowed")
	}
	if !l.AllowIP("1.2.3.4") {
		t.Fatal("second request within burst should be allowed")
	}
	if l.AllowIP("1.2.3.4") {
		t.Fatal("third request should exceed the burst")
	}
}

func TestLimiter_DimensionsAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{
		IPRatePerMinute: 60, IPBurst: 1,
		UserRatePerHour: 3600, UserBurst: 1,
	})

	if !l.AllowIP("1.2.3.4") {
		t.Fatal("ip bucket should allow first request")
	}
	if l.AllowIP("1.2.3.4") {
		t.Fatal("ip bucket should be exhausted")
	}
	if !l.AllowUser("alice") {
		t.Fatal("user bucket should be independent of the ip bucket")
	}
}

func TestLimiter_ViolationLockout(t *testing.T) {
	l := newTestLimiter(t, Config{
		ConnRatePerSecond:    1,
		ConnBurst:            1,
		ViolationsForLockout: 2,
		LockoutDuration:      time.Hour,
	})

	if !l.AllowConn("c1") {
		t.Fatal("first request should be allowed")
	}
	// Two violations trip the lockout.
	if l.AllowConn("c1") {
		t.Fatal("expected violation 1")
	}
	if l.AllowConn("c1") {
		t.Fatal("expected violation 2 to trip lockout")
	}

	// Even once the bucket would have refilled, the lockout keeps it closed.
	if l.AllowConn("c1") {
		t.Fatal("expected lockout to still be in effect")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := newTestLimiter(t, Config{IPRatePerMinute: 60, IPBurst: 1})

	if !l.AllowIP("1.2.3.4") {
		t.Fatal("first request should be allowed")
	}
	if l.AllowIP("1.2.3.4") {
		t.Fatal("second request should exceed the burst")
	}
	l.Reset(DimensionIP, "1.2.3.4")
	if !l.AllowIP("1.2.3.4") {
		t.Fatal("request after reset should be allowed again")
	}
}

func TestLimiter_Inspect(t *testing.T) {
	l := newTestLimiter(t, Config{IPRatePerMinute: 60, IPBurst: 3})

	limit, remaining, _ := l.Inspect(DimensionIP, "1.2.3.4")
	if limit != 3 {
		t.Fatalf("limit = %d, want 3", limit)
	}
	if remaining != 3 {
		t.Fatalf("remaining before any request = %d, want 3", remaining)
	}

	l.AllowIP("1.2.3.4")
	_, remaining, reset := l.Inspect(DimensionIP, "1.2.3.4")
	if remaining != 2 {
		t.Fatalf("remaining after one request = %d, want 2", remaining)
	}
	if reset != 0 {
		t.Fatalf("reset should be 0 while tokens remain, got %d", reset)
	}
}
