package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

// fixedClock pins the limiter's notion of now so refill is deterministic.
func fixedClock(m *MemoryLimiter, start time.Time) *time.Time {
	now := start
	m.mu.Lock()
	m.now = func() time.Time { return now }
	m.mu.Unlock()
	return &now
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow to return true for request %d (within burst)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)
	fixedClock(m, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}

	ok, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterTokenRefill(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer closeLimiter(t, m)
	now := fixedClock(m, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("expected first request to pass")
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected second request to be limited")
	}

	// 10 rps refills one token every 100ms.
	*now = now.Add(100 * time.Millisecond)
	if ok, _ := m.Allow(ctx, "k1"); !ok {
		t.Fatal("expected a request to pass after refill")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)
	fixedClock(m, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "user:a"); !ok {
		t.Fatal("expected user:a to pass")
	}
	if ok, _ := m.Allow(ctx, "user:a"); ok {
		t.Fatal("expected user:a to be limited")
	}
	if ok, _ := m.Allow(ctx, "user:b"); !ok {
		t.Fatal("expected user:b to have its own bucket")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(1, 50)
	defer closeLimiter(t, m)
	fixedClock(m, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Allow(ctx, "shared")
			if err != nil || !ok {
				return
			}
			mu.Lock()
			total++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 50 {
		t.Fatalf("expected exactly 50 allowed requests with a frozen clock, got %d", total)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)
	now := fixedClock(m, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")

	*now = now.Add(15 * time.Minute)
	_, _ = m.Allow(ctx, "recent")
	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.entries["stale"]
	_, recentExists := m.entries["recent"]
	m.mu.Unlock()

	if staleExists {
		t.Fatal("expected stale entry to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent entry to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(ctx, "anything")
		if err != nil {
			t.Fatalf("NoopLimiter.Allow error: %v", err)
		}
		if !ok {
			t.Fatal("NoopLimiter should always return true")
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer closeLimiter(t, m)
	now := fixedClock(m, time.Unix(1_700_000_000, 0))

	ctx := context.Background()
	_, _ = m.Allow(ctx, "k1")

	// A long idle period must not accumulate more than burst tokens.
	*now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "k1"); !ok {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if ok, _ := m.Allow(ctx, "k1"); ok {
		t.Fatal("expected Allow=false after burst exhausted, even after long idle")
	}
}
