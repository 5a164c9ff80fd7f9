package flow

import (
	"sync"

	"github.com/miladsoleymani/batchmux/core"
)

// Ledger assigns delivery tags to broker-native handles and tracks which
// of them are still unsettled. Tags start at 1 and are never reused.
type Ledger[T any] struct {
	mu   sync.Mutex
	next core.DeliveryTag
	open map[core.DeliveryTag]T
}

func NewLedger[T any]() *Ledger[T] {
	return &Ledger[T]{open: make(map[core.DeliveryTag]T)}
}

// Track records v and returns its tag.
func (l *Ledger[T]) Track(v T) core.DeliveryTag {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.open[l.next] = v
	return l.next
}

// Take removes and returns the handle for tag.
func (l *Ledger[T]) Take(tag core.DeliveryTag) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.open[tag]
	if ok {
		delete(l.open, tag)
	}
	return v, ok
}

// Len returns the number of unsettled handles.
func (l *Ledger[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Drain removes and returns every unsettled handle.
func (l *Ledger[T]) Drain() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.open))
	for tag, v := range l.open {
		out = append(out, v)
		delete(l.open, tag)
	}
	return out
}
