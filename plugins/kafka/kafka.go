package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
	"github.com/miladsoleymani/batchmux/internal/flow"
)

func init() {
	broker.Register("kafka", func(_ context.Context, cfg broker.Config) (core.Transport, error) {
		brokers, opts, err := parseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		extra, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(brokers, cfg.Queue, append(opts, extra...)...)
	})
}

// Transport implements core.Transport for Apache Kafka using segmentio/kafka-go.
//
// Design decisions:
//   - One kafka.Writer shared across all Publish calls (thread-safe by library).
//   - One group reader per Transport, created on the first Subscribe and kept
//     across consumption passes so each pass does not trigger a rebalance.
//   - Kafka has no unacked limit, so prefetch is a client-side window.
//   - Commits are cumulative per partition. A requeueing reject republishes
//     the message to the topic and commits the original.
//   - A message fetched but not handed to the consumer is held and
//     delivered first by the next Subscribe.
type Transport struct {
	brokers []string
	topic   string
	opts    options

	writer    writer
	newReader func(topic string) reader

	window *flow.Window
	ledger *flow.Ledger[fetched]

	mu      sync.Mutex
	closed  bool
	reader  reader
	pending *kafka.Message
	subs    map[string]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// fetched is a message handed to the consumer and the window slot it holds.
type fetched struct {
	msg  kafka.Message
	slot flow.Slot
}

// New creates a Kafka Transport for topic.
func New(brokers []string, topic string, fns ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("batchmux/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.group == "" {
		opts.group = "batchmux-" + topic
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               opts.balancer,
		BatchSize:              opts.batchSize,
		BatchTimeout:           opts.batchWait,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	if opts.dialer != nil {
		w.Transport = &kafka.Transport{
			TLS:  opts.dialer.TLS,
			SASL: opts.dialer.SASLMechanism,
		}
	}

	t := newTransport(brokers, topic, opts, w)
	t.newReader = func(topic string) reader {
		cfg := kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     opts.group,
			MinBytes:    opts.minBytes,
			MaxBytes:    opts.maxBytes,
			MaxWait:     opts.maxWait,
			StartOffset: opts.startOffset,
		}
		if opts.dialer != nil {
			cfg.Dialer = opts.dialer
		}
		return kafka.NewReader(cfg)
	}
	return t, nil
}

func newTransport(brokers []string, topic string, opts options, w writer) *Transport {
	return &Transport{
		brokers: brokers,
		topic:   topic,
		opts:    opts,
		writer:  w,
		window:  flow.NewWindow(1),
		ledger:  flow.NewLedger[fetched](),
		subs:    make(map[string]*subscription),
	}
}

func (t *Transport) SetPrefetch(_ context.Context, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	t.window.Resize(n)
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic, name string) (<-chan core.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}
	if t.reader == nil {
		t.reader = t.newReader(topic)
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	t.subs[name] = sub

	out := make(chan core.Delivery)
	go t.pump(pctx, t.reader, out, sub)
	return out, nil
}

// pump fetches under the window and hands messages to out until ctx ends
// or the reader fails.
func (t *Transport) pump(ctx context.Context, r reader, out chan<- core.Delivery, sub *subscription) {
	defer close(sub.done)
	defer close(out)
	for {
		slot, err := t.window.Acquire(ctx)
		if err != nil {
			return
		}
		msg, err := t.fetch(ctx, r)
		if err != nil {
			t.window.Release(slot)
			if ctx.Err() == nil {
				t.fail(sub, fmt.Errorf("batchmux/kafka: fetch: %w", err))
			}
			return
		}

		d := toDelivery(msg)
		d.Tag = t.ledger.Track(fetched{msg: msg, slot: slot})
		select {
		case out <- d:
		case <-ctx.Done():
			t.ledger.Take(d.Tag)
			t.window.Release(slot)
			t.hold(msg)
			return
		}
	}
}

func (t *Transport) fail(sub *subscription, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub.err = err
}

func (t *Transport) SubscriptionErr(subscription string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[subscription]; ok {
		return sub.err
	}
	return nil
}

func (t *Transport) fetch(ctx context.Context, r reader) (kafka.Message, error) {
	t.mu.Lock()
	if p := t.pending; p != nil {
		t.pending = nil
		t.mu.Unlock()
		return *p, nil
	}
	t.mu.Unlock()
	return r.FetchMessage(ctx)
}

func (t *Transport) hold(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = &msg
}

// Unsubscribe stops the pump and waits for it to exit. The reader stays
// open for the next pass.
func (t *Transport) Unsubscribe(_ context.Context, subscription string) error {
	t.mu.Lock()
	sub, ok := t.subs[subscription]
	delete(t.subs, subscription)
	t.mu.Unlock()

	if ok {
		sub.cancel()
		<-sub.done
	}
	return nil
}

func (t *Transport) Ack(ctx context.Context, tag core.DeliveryTag) error {
	msg, err := t.settle(tag)
	if err != nil {
		return err
	}
	return t.commit(ctx, msg)
}

// Reject commits the message. With requeue it is first written back to
// the end of its topic.
func (t *Transport) Reject(ctx context.Context, tag core.DeliveryTag, requeue bool) error {
	msg, err := t.settle(tag)
	if err != nil {
		return err
	}
	if requeue {
		if err := t.writer.WriteMessages(ctx, requeued(msg)); err != nil {
			return fmt.Errorf("batchmux/kafka: requeue to %q: %w", msg.Topic, err)
		}
	}
	return t.commit(ctx, msg)
}

func (t *Transport) settle(tag core.DeliveryTag) (kafka.Message, error) {
	f, ok := t.ledger.Take(tag)
	if !ok {
		return kafka.Message{}, fmt.Errorf("batchmux/kafka: settle %d: %w", tag, core.ErrUnknownTag)
	}
	t.window.Release(f.slot)
	return f.msg, nil
}

func (t *Transport) commit(ctx context.Context, msg kafka.Message) error {
	t.mu.Lock()
	r := t.reader
	closed := t.closed
	t.mu.Unlock()
	if closed || r == nil {
		return core.ErrTransportClosed
	}
	if err := r.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("batchmux/kafka: commit offset: %w", err)
	}
	return nil
}

// Publish sends body to topic. Kafka writes are always durable, so
// persistent is not used.
func (t *Transport) Publish(ctx context.Context, topic string, body []byte, _ bool) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return core.ErrTransportClosed
	}

	km := kafka.Message{
		Topic:   topic,
		Value:   body,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}
	if err := t.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("batchmux/kafka: publish to %q: %w", topic, err)
	}
	return nil
}

// Delete removes the topic through the cluster controller.
func (t *Transport) Delete(ctx context.Context, topic string) error {
	dialer := t.opts.dialer
	if dialer == nil {
		dialer = kafka.DefaultDialer
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.brokers[0])
	if err != nil {
		return fmt.Errorf("batchmux/kafka: dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("batchmux/kafka: find controller: %w", err)
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("batchmux/kafka: dial controller: %w", err)
	}
	defer cc.Close()

	if err := cc.DeleteTopics(topic); err != nil {
		return fmt.Errorf("batchmux/kafka: delete topic %q: %w", topic, err)
	}
	return nil
}

// Close stops all pumps, flushes the writer and closes the reader.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*subscription)
	r := t.reader
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	var errs []error
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("batchmux/kafka: close writer: %w", err))
	}
	if r != nil {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("batchmux/kafka: close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// parseURL reads kafka://host1:9092,host2:9092?group=name.
func parseURL(raw string) ([]string, []Option, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", broker.ErrInvalidScheme, err)
	}
	var brokers []string
	for _, h := range strings.Split(u.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			brokers = append(brokers, h)
		}
	}
	var opts []Option
	if g := u.Query().Get("group"); g != "" {
		opts = append(opts, WithGroup(g))
	}
	return brokers, opts, nil
}

// optsFromConfig extracts options from the broker.Config.Extra map.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	ex := cfg.Extras()
	ex.String("group", func(v string) { opts = append(opts, WithGroup(v)) })
	ex.Int("batch_size", func(v int) { opts = append(opts, WithBatchSize(v)) })
	ex.Int("max_bytes", func(v int) { opts = append(opts, WithMaxBytes(v)) })
	return opts, ex.Err()
}
