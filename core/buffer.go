package core

// Buffer is a bounded, ordered accumulator of Messages. It performs no I/O
// and no locking: it is owned by the single goroutine running Consume.
//
// Capacity is advisory. Add never rejects a message; callers flush when
// IsFull reports true.
type Buffer struct {
	capacity int
	items    []*Message
}

// NewBuffer returns an empty Buffer. Capacities below 1 are raised to 1.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		items:    make([]*Message, 0, capacity),
	}
}

// Add appends m to the tail.
func (b *Buffer) Add(m *Message) {
	b.items = append(b.items, m)
}

func (b *Buffer) Size() int     { return len(b.items) }
func (b *Buffer) Capacity() int { return b.capacity }
func (b *Buffer) IsFull() bool  { return len(b.items) >= b.capacity }

// Drain returns the buffered messages in delivery order and empties the
// buffer. The returned slice is never shared with the buffer.
func (b *Buffer) Drain() []*Message {
	out := make([]*Message, len(b.items))
	copy(out, b.items)
	clear(b.items)
	b.items = b.items[:0]
	return out
}
