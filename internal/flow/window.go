// Package flow holds the delivery bookkeeping shared by transports whose
// broker has no native delivery tags or unacknowledged-delivery limits.
package flow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Slot is a held window slot. It remembers the window generation it was
// acquired under, so a slot that outlives a Resize cannot free capacity in
// the new window.
type Slot uint64

// Window bounds the number of outstanding deliveries. A transport acquires
// a slot before handing a delivery to the consumer and releases it when the
// delivery is acked or rejected.
type Window struct {
	mu   sync.Mutex
	size int64
	gen  uint64
	sem  *semaphore.Weighted
	held int64
}

// NewWindow returns a window of n slots. n < 1 is treated as 1.
func NewWindow(n int) *Window {
	w := &Window{}
	w.Resize(n)
	return w
}

// Resize replaces the window with a fresh one of n slots. Slots held under
// the previous size no longer count and their release is a no-op.
func (w *Window) Resize(n int) {
	if n < 1 {
		n = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = int64(n)
	w.gen++
	w.sem = semaphore.NewWeighted(w.size)
	w.held = 0
}

// Size returns the current number of slots.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.size)
}

// Acquire blocks until a slot is free or ctx is done.
func (w *Window) Acquire(ctx context.Context) (Slot, error) {
	w.mu.Lock()
	sem, gen := w.sem, w.gen
	w.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	w.mu.Lock()
	if gen == w.gen {
		w.held++
	}
	w.mu.Unlock()
	return Slot(gen), nil
}

// Release frees s. Releasing a slot from an earlier generation, or more
// slots than are held, is a no-op.
func (w *Window) Release(s Slot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if uint64(s) != w.gen || w.held == 0 {
		return
	}
	w.held--
	w.sem.Release(1)
}

// Outstanding returns the number of held slots.
func (w *Window) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.held)
}
