// Package ratelimit provides smooth request pacing for API clients.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LeakyBucket spaces requests evenly instead of letting them burst. Each Wait
// reserves the next send slot; callers sleep until their slot arrives.
type LeakyBucket struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	closed   bool
}

// NewLeakyBucketFromRPM creates a bucket that admits rpm requests per minute,
// evenly spaced.
func NewLeakyBucketFromRPM(rpm int) *LeakyBucket {
	b := &LeakyBucket{}
	b.SetRPM(rpm)
	return b
}

// SetRPM adjusts the pacing. rpm<=0 makes Wait return immediately.
func (b *LeakyBucket) SetRPM(rpm int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rpm <= 0 {
		b.interval = 0
		return
	}
	b.interval = time.Minute / time.Duration(rpm)
}

// Wait blocks until the caller's reserved slot arrives or ctx is done.
func (b *LeakyBucket) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.interval <= 0 {
		b.mu.Unlock()
		return nil
	}
	now := time.Now()
	var sleep time.Duration
	if b.next.Before(now) {
		b.next = now.Add(b.interval)
	} else {
		sleep = b.next.Sub(now)
		b.next = b.next.Add(b.interval)
	}
	b.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disables the bucket; subsequent Waits return immediately.
func (b *LeakyBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
