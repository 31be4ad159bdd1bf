package compute

import (
	"context"
	"sync"
)

// AdaptiveSemaphore is a counting semaphore whose limit can be resized while
// acquisitions are in flight. Raising the limit admits queued waiters
// immediately; lowering it never interrupts running work, the excess drains
// as slots are released.
type AdaptiveSemaphore struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	waiters []chan struct{}
}

func NewAdaptiveSemaphore(limit int) *AdaptiveSemaphore {
	if limit < 1 {
		limit = 1
	}
	return &AdaptiveSemaphore{limit: limit}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (s *AdaptiveSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.inUse < s.limit {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		granted := false
		select {
		case <-ch:
			// The slot arrived while we were cancelling; hand it back.
			granted = true
		default:
			for i, w := range s.waiters {
				if w == ch {
					s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
					break
				}
			}
		}
		if granted {
			s.releaseLocked()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one slot and wakes the next waiter if the limit allows.
func (s *AdaptiveSemaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *AdaptiveSemaphore) releaseLocked() {
	s.inUse--
	if s.inUse < 0 {
		s.inUse = 0
	}
	s.grantLocked()
}

// grantLocked hands open slots to waiters in FIFO order.
func (s *AdaptiveSemaphore) grantLocked() {
	for len(s.waiters) > 0 && s.inUse < s.limit {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inUse++
		close(ch)
	}
}

// SetLimit resizes the semaphore. The floor is 1.
func (s *AdaptiveSemaphore) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.limit = n
	s.grantLocked()
	s.mu.Unlock()
}

// InFlight reports how many slots are currently held.
func (s *AdaptiveSemaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Limit reports the current slot ceiling.
func (s *AdaptiveSemaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}
