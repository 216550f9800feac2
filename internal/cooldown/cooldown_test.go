package cooldown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(window time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(16, window)
	s.now = clock.now
	return s, clock
}

func TestTryAcquire_Window(t *testing.T) {
	s, clock := newTestStore(5 * time.Minute)

	ok, _ := s.TryAcquire("p1")
	assert.True(t, ok)

	clock.t = clock.t.Add(2 * time.Minute)
	ok, wait := s.TryAcquire("p1")
	assert.False(t, ok)
	assert.Equal(t, 3*time.Minute, wait)
	assert.Equal(t, 3*time.Minute, s.Remaining("p1"))

	ok, _ = s.TryAcquire("p2")
	assert.True(t, ok, "keys are independent")

	clock.t = clock.t.Add(3 * time.Minute)
	ok, _ = s.TryAcquire("p1")
	assert.True(t, ok, "window elapsed exactly")
}

func TestRelease(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	s.TryAcquire("p1")
	s.Release("p1")
	assert.Zero(t, s.Remaining("p1"))
	ok, _ := s.TryAcquire("p1")
	assert.True(t, ok)
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.TryAcquire("p1"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
