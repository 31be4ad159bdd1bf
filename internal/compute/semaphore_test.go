package compute

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdaptiveSemaphoreLimitsInFlight(t *testing.T) {
	sem := NewAdaptiveSemaphore(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if got := sem.InFlight(); got != 2 {
		t.Errorf("InFlight = %d, want 2", got)
	}

	acquired := make(chan struct{})
	go func() {
		if err := sem.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block at limit 2")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	if got := sem.InFlight(); got != 2 {
		t.Errorf("InFlight after handoff = %d, want 2", got)
	}
}

func TestAdaptiveSemaphoreAcquireCancel(t *testing.T) {
	sem := NewAdaptiveSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sem.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("acquire returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// The slot freed by the cancelled waiter must still be usable.
	sem.Release()
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after cancel failed: %v", err)
	}
	if got := sem.InFlight(); got != 1 {
		t.Errorf("InFlight = %d, want 1", got)
	}
}

func TestAdaptiveSemaphoreSetLimitWakesWaiters(t *testing.T) {
	sem := NewAdaptiveSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	admitted := make(chan struct{})
	go func() {
		if err := sem.Acquire(context.Background()); err == nil {
			close(admitted)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	sem.SetLimit(2)

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("raising the limit should admit the waiter")
	}

	// Shrinking below current in-flight does not interrupt holders; the
	// overshoot drains as slots release.
	sem.SetLimit(1)
	if got := sem.InFlight(); got != 2 {
		t.Errorf("InFlight after shrink = %d, want 2", got)
	}
	sem.Release()
	sem.Release()
	if got := sem.InFlight(); got != 0 {
		t.Errorf("InFlight after drain = %d, want 0", got)
	}
	if got := sem.Limit(); got != 1 {
		t.Errorf("Limit = %d, want 1", got)
	}
}
