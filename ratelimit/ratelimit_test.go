package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 3})
	now := time.Now()
	for i := 0; i < 3; i++ {
		d := l.Allow("client-a", now)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := l.Allow("client-a", now)
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestWindowSlidesOut(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 1})
	base := time.Now()
	if !l.Allow("client-b", base).Allowed {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("client-b", base.Add(30*time.Second)).Allowed {
		t.Fatal("second request inside window should be denied")
	}
	if !l.Allow("client-b", base.Add(61*time.Second)).Allowed {
		t.Fatal("request after window should be allowed")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 1})
	now := time.Now()
	if !l.Allow("client-a", now).Allowed {
		t.Fatal("client-a first request should be allowed")
	}
	if !l.Allow("client-c", now).Allowed {
		t.Fatal("client-c should have its own independent bucket")
	}
}

func TestCleanupEvictsIdleClients(t *testing.T) {
	l := New(Config{Window: time.Minute, MaxRequests: 5})
	now := time.Now()
	l.Allow("client-d", now)
	l.Cleanup(now.Add(2 * time.Minute))

	if _, ok := l.cache.Peek("client-d"); ok {
		t.Fatal("idle client bucket should have been evicted")
	}
}
