// Package cooldown rate-limits user actions per key with a fixed window.
package cooldown

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultWindow is the minimum spacing between two retries of the same prompt.
const DefaultWindow = 5 * time.Minute

// Store remembers when each key last acted. Entries expire once their window
// has passed, and the least recently used keys are evicted beyond size.
type Store struct {
	mu     sync.Mutex
	last   *expirable.LRU[string, time.Time]
	window time.Duration
	now    func() time.Time
}

// New creates a Store holding at most size keys.
func New(size int, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		last:   expirable.NewLRU[string, time.Time](size, nil, window),
		window: window,
		now:    time.Now,
	}
}

// TryAcquire marks key as acting now if its window has elapsed. Otherwise
// it returns false and the time left to wait.
func (s *Store) TryAcquire(key string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wait := s.remaining(key); wait > 0 {
		return false, wait
	}
	s.last.Add(key, s.now())
	return true, 0
}

// Remaining returns how long key must still wait, or 0.
func (s *Store) Remaining(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining(key)
}

// Release forgets key so its next TryAcquire succeeds.
func (s *Store) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last.Remove(key)
}

func (s *Store) remaining(key string) time.Duration {
	at, ok := s.last.Get(key)
	if !ok {
		return 0
	}
	if wait := at.Add(s.window).Sub(s.now()); wait > 0 {
		return wait
	}
	return 0
}
