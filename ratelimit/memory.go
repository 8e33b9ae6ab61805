package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local Store. Expired windows are removed by Sweep,
// which Run calls on a ticker.
type MemoryStore struct {
	mu         sync.Mutex
	rate       Rate
	entries    map[string]*entry
	now        func() time.Time
	sweepEvery time.Duration
	onSweep    func(removed, remaining int)
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithSweepEvery sets the janitor interval. Zero disables the janitor.
func WithSweepEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.sweepEvery = d }
}

// WithSweepHook is called after every sweep with the number of entries
// removed and left.
func WithSweepHook(f func(removed, remaining int)) MemoryOption {
	return func(s *MemoryStore) { s.onSweep = f }
}

// NewMemoryStore creates an empty in-memory store for rate.
func NewMemoryStore(rate Rate, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rate:       rate,
		entries:    make(map[string]*entry),
		now:        time.Now,
		sweepEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string) (Decision, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(s.rate.Period)}
		s.entries[key] = e
		return s.decision(e, true), nil
	}
	if e.count >= s.rate.Limit {
		return s.decision(e, false), nil
	}
	e.count++
	return s.decision(e, true), nil
}

func (s *MemoryStore) decision(e *entry, allowed bool) Decision {
	remaining := s.rate.Limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Count: e.count, Remaining: remaining, ResetAt: e.resetAt}
}

// Sweep deletes every entry whose window has ended and returns how many
// were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.resetAt) {
			delete(s.entries, key)
			removed++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	if s.onSweep != nil {
		s.onSweep(removed, remaining)
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context) {
	s.runLoop(ctx, nil)
}

func (s *MemoryStore) runLoop(ctx context.Context, exited chan struct{}) {
	if exited != nil {
		defer close(exited)
	}
	if s.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("rate limit janitor stopped")
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				log.Debug().Int("removed", removed).Msg("swept expired rate limit windows")
			}
		}
	}
}
