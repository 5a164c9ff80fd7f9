package mock

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/miladsoleymani/batchmux/core"
)

// ErrUnknownTag is returned when a tag is settled that is not outstanding.
var ErrUnknownTag = errors.New("mock: unknown delivery tag")

// Broker is an in-memory core.Transport. It honours the prefetch window,
// requeues rejected messages at the head of their queue and records every
// settle operation in order.
type Broker struct {
	mu        sync.Mutex
	ready     map[string][]entry
	unacked   map[core.DeliveryTag]inflight
	nextTag   uint64
	prefetch  int
	subs      map[string]*subscription
	ops       []Op
	published []Published
	closed    bool

	PrefetchErr  error
	SubscribeErr error
	AckErr       error
	RejectErr    error
	PublishErr   error
}

// Op records one ack or reject, in call order.
type Op struct {
	Kind    string // "ack" or "reject"
	Tag     core.DeliveryTag
	Body    string
	Requeue bool
}

// Published records a message sent through Publish.
type Published struct {
	Queue      string
	Body       []byte
	Persistent bool
}

type entry struct {
	body        []byte
	redelivered bool
}

type inflight struct {
	queue string
	entry
}

type subscription struct {
	queue  string
	ch     chan core.Delivery
	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	err    error
}

func NewBroker() *Broker {
	return &Broker{
		ready:   make(map[string][]entry),
		unacked: make(map[core.DeliveryTag]inflight),
		subs:    make(map[string]*subscription),
	}
}

var _ core.Transport = (*Broker)(nil)

func (b *Broker) SetPrefetch(_ context.Context, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrTransportClosed
	}
	if b.PrefetchErr != nil {
		return b.PrefetchErr
	}
	b.prefetch = n
	return nil
}

func (b *Broker) Subscribe(_ context.Context, queue, subscription string) (<-chan core.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.ErrTransportClosed
	}
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	if _, dup := b.subs[subscription]; dup {
		return nil, errors.New("mock: duplicate subscription " + subscription)
	}

	s := newSubscription(queue)
	b.subs[subscription] = s
	go b.pump(s)
	return s.ch, nil
}

func (b *Broker) Unsubscribe(_ context.Context, subscription string) error {
	b.mu.Lock()
	s, ok := b.subs[subscription]
	delete(b.subs, subscription)
	b.mu.Unlock()

	if ok {
		s.stop()
	}
	return nil
}

func (b *Broker) Ack(_ context.Context, tag core.DeliveryTag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AckErr != nil {
		return b.AckErr
	}
	f, ok := b.unacked[tag]
	if !ok {
		return ErrUnknownTag
	}
	delete(b.unacked, tag)
	b.ops = append(b.ops, Op{Kind: "ack", Tag: tag, Body: string(f.body)})
	b.signalLocked()
	return nil
}

func (b *Broker) Reject(_ context.Context, tag core.DeliveryTag, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RejectErr != nil {
		return b.RejectErr
	}
	f, ok := b.unacked[tag]
	if !ok {
		return ErrUnknownTag
	}
	delete(b.unacked, tag)
	b.ops = append(b.ops, Op{Kind: "reject", Tag: tag, Body: string(f.body), Requeue: requeue})
	if requeue {
		b.pushFrontLocked(f.queue, entry{body: f.body, redelivered: true})
	}
	b.signalLocked()
	return nil
}

func (b *Broker) Publish(_ context.Context, queue string, body []byte, persistent bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrTransportClosed
	}
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.ready[queue] = append(b.ready[queue], entry{body: body})
	b.published = append(b.published, Published{Queue: queue, Body: body, Persistent: persistent})
	b.signalLocked()
	return nil
}

func (b *Broker) Purge(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.ready[queue])
	delete(b.ready, queue)
	return n, nil
}

func (b *Broker) Delete(ctx context.Context, queue string) error {
	_, err := b.Purge(ctx, queue)
	return err
}

// Close ends all subscriptions and returns unacked messages to their
// queues, like a broker does when a channel goes away.
func (b *Broker) Close() error {
	b.Disconnect()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.ReturnUnacked()
	return nil
}

// Disconnect closes every active subscription from the broker side.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// Fail ends every active subscription with err, the way a dropped
// connection ends a broker consumer. The subscriptions stay registered so
// SubscriptionErr reports err until Unsubscribe.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		s.err = err
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (b *Broker) SubscriptionErr(subscription string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[subscription]; ok {
		return s.err
	}
	return nil
}

// ReturnUnacked moves every outstanding delivery back to the head of its
// queue in tag order and marks it redelivered.
func (b *Broker) ReturnUnacked() {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]core.DeliveryTag, 0, len(b.unacked))
	for t := range b.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, t := range tags {
		f := b.unacked[t]
		delete(b.unacked, t)
		b.pushFrontLocked(f.queue, entry{body: f.body, redelivered: true})
	}
	b.signalLocked()
}

// Ready returns the bodies waiting in queue, head first.
func (b *Broker) Ready(queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ready[queue]))
	for i, e := range b.ready[queue] {
		out[i] = string(e.body)
	}
	return out
}

// Unacked returns the number of outstanding deliveries.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Prefetch returns the last prefetch value set.
func (b *Broker) Prefetch() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefetch
}

// Ops returns all settle operations in call order.
func (b *Broker) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// Published returns all messages sent via Publish.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Subscriptions returns the number of active subscriptions.
func (b *Broker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func newSubscription(queue string) *subscription {
	return &subscription{
		queue:  queue,
		ch:     make(chan core.Delivery),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// stop ends the pump and waits for it to close the delivery channel.
func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
	<-s.exited
}

func (b *Broker) pump(s *subscription) {
	defer close(s.exited)
	defer close(s.ch)
	for {
		d, ok := b.next(s.queue)
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.ch <- d:
		case <-s.done:
			b.restore(d.Tag)
			return
		}
	}
}

// next takes the head of queue if the prefetch window allows it.
func (b *Broker) next(queue string) (core.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.ready[queue]
	if len(q) == 0 || (b.prefetch > 0 && len(b.unacked) >= b.prefetch) {
		return core.Delivery{}, false
	}
	e := q[0]
	b.ready[queue] = q[1:]
	b.nextTag++
	tag := core.DeliveryTag(b.nextTag)
	b.unacked[tag] = inflight{queue: queue, entry: e}
	return core.Delivery{Tag: tag, Body: e.body, Redelivered: e.redelivered}, true
}

// restore undoes a delivery that was never handed to the consumer.
func (b *Broker) restore(tag core.DeliveryTag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.unacked[tag]
	if !ok {
		return
	}
	delete(b.unacked, tag)
	b.pushFrontLocked(f.queue, f.entry)
}

func (b *Broker) pushFrontLocked(queue string, e entry) {
	b.ready[queue] = append([]entry{e}, b.ready[queue]...)
}

func (b *Broker) signalLocked() {
	for _, s := range b.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}
