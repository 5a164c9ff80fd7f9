package core

import (
	"context"
	"fmt"
	"sync"
)

// DeliveryTag is the broker-assigned identifier that correlates a delivery
// with later Ack and Reject calls. Its meaning is owned by the Transport.
type DeliveryTag uint64

// Delivery is the raw frame a Transport hands to the consumption loop.
type Delivery struct {
	Tag         DeliveryTag
	Body        []byte
	Redelivered bool
	ContentType string
}

// Message is an immutable handle to one delivered item.
//
// A Message is owned by the dispatch path until it is acked or rejected.
// After that its tag is no longer valid and the Message must not be reused.
type Message struct {
	tag         DeliveryTag
	body        []byte
	redelivered bool
	queue       string

	acker  Acknowledger
	binder Binder

	once     sync.Once
	contents map[string]any
	err      error
}

// NewMessage wraps a Delivery received on queue. Acks and rejects are sent
// through acker; Contents and Bind decode with binder (JSONBinder if nil).
func NewMessage(d Delivery, queue string, acker Acknowledger, binder Binder) *Message {
	if binder == nil {
		binder = JSONBinder{}
	}
	return &Message{
		tag:         d.Tag,
		body:        d.Body,
		redelivered: d.Redelivered,
		queue:       queue,
		acker:       acker,
		binder:      binder,
	}
}

func (m *Message) Tag() DeliveryTag  { return m.tag }
func (m *Message) Body() []byte      { return m.body }
func (m *Message) Redelivered() bool { return m.redelivered }
func (m *Message) Queue() string     { return m.queue }

// Contents returns the body decoded as a JSON object. The body is parsed on
// the first call only; the value and any decode error are cached.
func (m *Message) Contents() (map[string]any, error) {
	m.once.Do(func() {
		var v map[string]any
		if err := m.binder.Bind(m.body, &v); err != nil {
			m.err = fmt.Errorf("batchmux: decode message %d: %w", m.tag, err)
			return
		}
		m.contents = v
	})
	return m.contents, m.err
}

// Bind decodes the body into v using the queue's Binder.
func (m *Message) Bind(v any) error {
	if err := m.binder.Bind(m.body, v); err != nil {
		return fmt.Errorf("batchmux: bind message %d: %w", m.tag, err)
	}
	return nil
}

// Ack acknowledges the delivery. Acking twice is undefined and must not happen.
func (m *Message) Ack(ctx context.Context) error {
	if err := m.acker.Ack(ctx, m.tag); err != nil {
		return &TransportError{Op: "ack", Err: err}
	}
	return nil
}

// Reject rejects the delivery. With requeue the broker redelivers it,
// otherwise it is discarded.
func (m *Message) Reject(ctx context.Context, requeue bool) error {
	if err := m.acker.Reject(ctx, m.tag, requeue); err != nil {
		return &TransportError{Op: "reject", Err: err}
	}
	return nil
}
