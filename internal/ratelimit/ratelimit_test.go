package ratelimit_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentvault/agentvault/internal/ratelimit"
)

func TestAllow_enforcesLimit(t *testing.T) {
	l := ratelimit.New("auth", 10, 15*time.Minute)
	now := time.Now()

	for i := 0; i < 10; i++ {
		d := l.Allow("agent_1", now)
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
		if d.Remaining != 10-(i+1) {
			t.Errorf("request %d: remaining = %d, want %d", i+1, d.Remaining, 10-(i+1))
		}
	}

	d := l.Allow("agent_1", now)
	if d.Allowed {
		t.Error("11th request should be rejected")
	}
	if d.Remaining != 0 {
		t.Errorf("rejected decision remaining = %d, want 0", d.Remaining)
	}
	if got, want := d.Reset, now.Add(15*time.Minute); !got.Equal(want) {
		t.Errorf("reset = %v, want %v", got, want)
	}
}

func TestAllow_windowResets(t *testing.T) {
	l := ratelimit.New("general", 2, time.Minute)
	now := time.Now()

	l.Allow("k", now)
	l.Allow("k", now)
	if d := l.Allow("k", now); d.Allowed {
		t.Fatal("third request within window should be rejected")
	}

	later := now.Add(time.Minute + time.Second)
	if d := l.Allow("k", later); !d.Allowed {
		t.Error("request after window expiry should be allowed")
	}
}

func TestAllow_keysAreIndependent(t *testing.T) {
	l := ratelimit.New("general", 1, time.Minute)
	now := time.Now()

	if d := l.Allow("a", now); !d.Allowed {
		t.Fatal("first request for key a rejected")
	}
	if d := l.Allow("b", now); !d.Allowed {
		t.Error("key b should have its own bucket")
	}
}

func TestAllow_concurrentNeverExceedsLimit(t *testing.T) {
	const limit = 50
	const requests = 500

	l := ratelimit.New("general", limit, time.Minute)
	now := time.Now()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Allow("shared", now); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed %d concurrent requests, want exactly %d", got, limit)
	}
}

func TestEvict_removesExpiredBuckets(t *testing.T) {
	l := ratelimit.New("general", 5, time.Minute)
	now := time.Now()

	l.Allow("old", now)
	l.Allow("fresh", now.Add(50*time.Second))

	removed := l.Evict(now.Add(70 * time.Second))
	if removed != 1 {
		t.Errorf("evicted %d buckets, want 1", removed)
	}
	if l.Size() != 1 {
		t.Errorf("size after evict = %d, want 1", l.Size())
	}
}
