package extract

import (
	"context"
	"sync"
	"time"

	"github.com/Napageneral/engram/internal/bus"
)

const (
	defaultMaxPendingHits   = 256
	defaultHitFlushInterval = 500 * time.Millisecond
)

// HitRecorder batches cache-hit counter updates so the hot path never writes
// a row per hit. Submit is non-blocking and bounded: when the queue is full
// the hit is dropped and counted, never queued unboundedly. Flush drains
// synchronously so shutdown and tests can observe a quiesced state.
type HitRecorder struct {
	store         *Store
	maxPending    int
	flushInterval time.Duration

	mu        sync.Mutex
	pending   []string
	submitted int64
	flushedN  int64
	dropped   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHitRecorder(store *Store) *HitRecorder {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HitRecorder{
		store:         store,
		maxPending:    defaultMaxPendingHits,
		flushInterval: defaultHitFlushInterval,
		pending:       make([]string, 0, defaultMaxPendingHits),
		ctx:           ctx,
		cancel:        cancel,
	}

	// Start flush timer goroutine
	h.wg.Add(1)
	go h.timerLoop()

	return h
}

// Submit queues a hit for extraction id. It never blocks: a full queue drops
// the hit and bumps the dropped counter.
func (h *HitRecorder) Submit(id string) {
	h.mu.Lock()
	if len(h.pending) >= h.maxPending {
		h.dropped++
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, id)
	h.submitted++
	full := len(h.pending) >= h.maxPending
	h.mu.Unlock()

	if full {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.Flush()
		}()
	}
}

// Flush writes all pending hits now and returns once they are durable.
func (h *HitRecorder) Flush() error {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return nil
	}
	ids := make([]string, len(h.pending))
	copy(ids, h.pending)
	h.pending = h.pending[:0]
	h.mu.Unlock()

	if err := h.store.TouchHits(h.ctx, ids); err != nil {
		return err
	}
	h.mu.Lock()
	h.flushedN += int64(len(ids))
	h.mu.Unlock()

	_ = bus.Emit(h.store.db, bus.EventExtractionCached, "", "", map[string]interface{}{
		"hits": len(ids),
	})
	return nil
}

// timerLoop periodically flushes pending hits
func (h *HitRecorder) timerLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = h.Flush()
		case <-h.ctx.Done():
			return
		}
	}
}

// Metrics returns current recorder counters.
func (h *HitRecorder) Metrics() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"submitted": h.submitted,
		"flushed":   h.flushedN,
		"dropped":   h.dropped,
		"pending":   len(h.pending),
	}
}

// Close flushes remaining hits and stops the timer loop.
func (h *HitRecorder) Close() error {
	err := h.Flush()
	h.cancel()
	h.wg.Wait()
	return err
}
