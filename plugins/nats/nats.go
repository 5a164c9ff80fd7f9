package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
	"github.com/miladsoleymani/batchmux/internal/flow"
)

func init() {
	broker.Register("nats", func(ctx context.Context, cfg broker.Config) (core.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg.URL, cfg.Queue, opts...)
	})
}

// Transport implements core.Transport for NATS JetStream.
//
// Design decisions:
//   - One NATS connection per Transport.
//   - The queue is a subject backed by a work-queue stream created on open.
//   - Every consumption pass attaches to the same durable pull consumer, so
//     unsettled messages of an earlier pass are redelivered to a later one.
//   - Prefetch maps to the consumer's MaxAckPending and the pull batch size.
//   - Delivery tags are local; they map to the JetStream message that
//     settles them. Reject with requeue is Nak, without requeue is Term.
type Transport struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	stream     jetstream.Stream
	streamName string
	opts       options

	ledger *flow.Ledger[settler]

	mu       sync.Mutex
	closed   bool
	prefetch int
	subs     map[string]*subscription
}

type subscription struct {
	iter jetstream.MessagesContext
	done chan struct{}
	err  error
}

// New connects to url (nats://host:port) and creates or updates the stream
// holding subject.
func New(ctx context.Context, url, subject string, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("batchmux/nats: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("batchmux/nats: init jetstream: %w", err)
	}

	streamName := sanitizeStreamName(subject)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		MaxMsgs:   opts.maxMsgs,
		MaxBytes:  opts.maxBytes,
		MaxAge:    opts.maxAge,
		Replicas:  opts.replicas,
		Retention: opts.retention,
		Storage:   opts.storage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("batchmux/nats: create stream %q: %w", streamName, err)
	}

	if opts.durable == "" {
		opts.durable = "batchmux-" + streamName
	}

	return &Transport{
		conn:       nc,
		js:         js,
		stream:     stream,
		streamName: streamName,
		opts:       opts,
		ledger:     flow.NewLedger[settler](),
		prefetch:   1,
		subs:       make(map[string]*subscription),
	}, nil
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	return nil
}

// SetPrefetch takes effect on the next Subscribe.
func (t *Transport) SetPrefetch(_ context.Context, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	t.prefetch = n
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, queue, name string) (<-chan core.Delivery, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	prefetch := t.prefetch
	t.mu.Unlock()

	cons, err := t.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       t.opts.durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.opts.ackWait,
		MaxDeliver:    t.opts.maxDeliver,
		MaxAckPending: prefetch,
		FilterSubject: queue,
	})
	if err != nil {
		return nil, fmt.Errorf("batchmux/nats: create consumer %q: %w", t.opts.durable, err)
	}

	iter, err := cons.Messages(jetstream.PullMaxMessages(prefetch))
	if err != nil {
		return nil, fmt.Errorf("batchmux/nats: start consume on %q: %w", t.opts.durable, err)
	}

	sub := &subscription{iter: iter, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[name] = sub
	t.mu.Unlock()

	next := func() (settler, core.Delivery, error) {
		msg, err := iter.Next()
		if err != nil {
			return nil, core.Delivery{}, err
		}
		return msg, toDelivery(msg), nil
	}

	out := make(chan core.Delivery)
	fail := func(err error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		sub.err = fmt.Errorf("batchmux/nats: next message: %w", err)
	}

	go pump(next, t.ledger, out, sub.done, fail)
	return out, nil
}

func (t *Transport) SubscriptionErr(subscription string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[subscription]; ok {
		return sub.err
	}
	return nil
}

func (t *Transport) Unsubscribe(_ context.Context, subscription string) error {
	t.mu.Lock()
	sub, ok := t.subs[subscription]
	delete(t.subs, subscription)
	t.mu.Unlock()

	if ok {
		sub.stop()
	}
	return nil
}

func (s *subscription) stop() {
	close(s.done)
	s.iter.Stop()
}

func (t *Transport) Ack(_ context.Context, tag core.DeliveryTag) error {
	return settle(t.ledger, tag, "ack", settler.Ack)
}

func (t *Transport) Reject(_ context.Context, tag core.DeliveryTag, requeue bool) error {
	if requeue {
		return settle(t.ledger, tag, "nak", settler.Nak)
	}
	return settle(t.ledger, tag, "term", settler.Term)
}

func settle(l *flow.Ledger[settler], tag core.DeliveryTag, op string, fn func(settler) error) error {
	msg, ok := l.Take(tag)
	if !ok {
		return fmt.Errorf("batchmux/nats: %s %d: %w", op, tag, core.ErrUnknownTag)
	}
	if err := fn(msg); err != nil {
		return fmt.Errorf("batchmux/nats: %s: %w", op, err)
	}
	return nil
}

// Publish sends body to subject via JetStream. Durability is decided by
// the stream's storage type, so persistent is not used.
func (t *Transport) Publish(ctx context.Context, subject string, body []byte, _ bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if _, err := t.js.Publish(ctx, subject, body); err != nil {
		return fmt.Errorf("batchmux/nats: publish to %q: %w", subject, err)
	}
	return nil
}

// Purge empties the stream and reports how many messages it held.
func (t *Transport) Purge(ctx context.Context, _ string) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	info, err := t.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("batchmux/nats: stream info %q: %w", t.streamName, err)
	}
	if err := t.stream.Purge(ctx); err != nil {
		return 0, fmt.Errorf("batchmux/nats: purge %q: %w", t.streamName, err)
	}
	return int(info.State.Msgs), nil
}

func (t *Transport) Delete(ctx context.Context, _ string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.js.DeleteStream(ctx, t.streamName); err != nil {
		return fmt.Errorf("batchmux/nats: delete stream %q: %w", t.streamName, err)
	}
	return nil
}

// Close stops all consumers and drains the NATS connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	for name, sub := range t.subs {
		sub.stop()
		delete(t.subs, name)
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("batchmux/nats: drain: %w", err)
	}
	return nil
}

// sanitizeStreamName converts a subject pattern to a valid stream name
// by replacing special characters.
func sanitizeStreamName(subject string) string {
	buf := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if c == '.' || c == '*' || c == '>' {
			buf[i] = '-'
		} else {
			buf[i] = c
		}
	}
	return string(buf)
}

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	if cfg.MessageTTL > 0 {
		opts = append(opts, WithMaxAge(cfg.MessageTTL))
	}
	ex := cfg.Extras()
	ex.String("durable", func(v string) { opts = append(opts, WithDurable(v)) })
	ex.Int("max_deliver", func(v int) { opts = append(opts, WithMaxDeliver(v)) })
	ex.Int("replicas", func(v int) { opts = append(opts, WithReplicas(v)) })
	return opts, ex.Err()
}
