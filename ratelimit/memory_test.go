package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(clock *fakeClock) *MemoryStore {
	return NewMemoryStore(Rate{Limit: 3, Period: 15 * time.Minute}, WithClock(clock.Now), WithSweepEvery(0))
}

func TestFourthRequestInWindowIsRefused(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := newTestStore(clock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := s.Take(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Count != i {
			t.Errorf("expected count %d, got %d", i, d.Count)
		}
	}
	d, _ := s.Take(ctx, "a")
	if d.Allowed {
		t.Fatalf("4th request within the window should be refused")
	}
	if d.Count != 3 {
		t.Errorf("refused requests must not be counted, got count %d", d.Count)
	}
	if got := d.RetryAfter(clock.Now()); got != 15*time.Minute {
		t.Errorf("expected retry after 15m, got %s", got)
	}

	// Other clients are unaffected.
	if d, _ := s.Take(ctx, "b"); !d.Allowed {
		t.Errorf("a different key should have its own window")
	}
}

func TestWindowResetsAfterPeriod(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := newTestStore(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s.Take(ctx, "a")
	}
	clock.Advance(15 * time.Minute)
	d, _ := s.Take(ctx, "a")
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("first request after the window should open a new one, got %+v", d)
	}
	if !d.ResetAt.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Errorf("window end not advanced: %s", d.ResetAt)
	}
}

func TestConcurrentTakesAdmitExactlyLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := newTestStore(clock)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := s.Take(context.Background(), "same")
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 3 {
		t.Errorf("expected exactly 3 admissions, got %d", allowed)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var hookRemoved, hookRemaining int
	s := NewMemoryStore(Rate{Limit: 3, Period: 15 * time.Minute}, WithClock(clock.Now),
		WithSweepHook(func(removed, remaining int) {
			hookRemoved, hookRemaining = removed, remaining
		}))
	ctx := context.Background()

	s.Take(ctx, "old")
	clock.Advance(10 * time.Minute)
	s.Take(ctx, "new")
	clock.Advance(5 * time.Minute)

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("expected 1 entry swept, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", s.Len())
	}
	if hookRemoved != 1 || hookRemaining != 1 {
		t.Errorf("sweep hook got removed=%d remaining=%d", hookRemoved, hookRemaining)
	}
}

func TestJanitorStopsOnCancel(t *testing.T) {
	s := NewMemoryStore(Rate{Limit: 1, Period: time.Millisecond}, WithSweepEvery(5*time.Millisecond))
	s.Take(context.Background(), "a")

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})
	go s.runLoop(ctx, exited)

	deadline := time.After(time.Second)
	for s.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("janitor never swept the expired entry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Errorf("janitor didn't exit after cancel")
	}
}
