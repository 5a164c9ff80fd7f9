package rabbitmq

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
)

func init() {
	factory := func(ctx context.Context, cfg broker.Config) (core.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg.URL, cfg.Queue, opts...)
	}
	broker.Register("amqp", factory)
	broker.Register("amqps", factory)
}

// Transport implements core.Transport for RabbitMQ using amqp091-go.
//
// Design decisions:
//   - One connection and one channel per Transport; the queue is declared
//     durable on open.
//   - Manual ack mode. Delivery tags are the channel's own tags.
//   - Prefetch maps to basic.qos on the channel.
//   - Each subscription forwards from the library's delivery channel on its
//     own goroutine, so the consumption loop stays the single reader.
//     Deliveries not handed over when the subscription ends are requeued.
//   - Close cancels subscriptions and tears down channel and connection;
//     unacked deliveries go back to the queue.
type Transport struct {
	conn io.Closer
	ch   channel
	opts options

	mu     sync.Mutex
	closed bool
	subs   map[string]*subscription
}

type subscription struct {
	done chan struct{}
	err  error
}

// New dials uri (amqp:// or amqps://), opens a channel and declares queue.
func New(ctx context.Context, uri, queue string, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	parsed, err := amqp.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrInvalidScheme, err)
	}

	cfg := amqp.Config{
		Dial: amqp.DefaultDial(opts.dialTimeout),
	}
	if parsed.Scheme == "amqps" {
		cfg.TLSClientConfig = &tls.Config{ServerName: parsed.Host}
	}

	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, fmt.Errorf("batchmux/rabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("batchmux/rabbitmq: open channel: %w", err)
	}

	t := newTransport(conn, ch, opts)
	if err := t.declare(queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return t, nil
}

func newTransport(conn io.Closer, ch channel, opts options) *Transport {
	return &Transport{
		conn: conn,
		ch:   ch,
		opts: opts,
		subs: make(map[string]*subscription),
	}
}

// declare creates the queue and, if an exchange is configured, binds it.
func (t *Transport) declare(queue string) error {
	ach, ok := t.ch.(*amqp.Channel)
	if !ok {
		return nil
	}

	var args amqp.Table
	if t.opts.messageTTL > 0 {
		args = amqp.Table{"x-message-ttl": t.opts.messageTTL.Milliseconds()}
	}
	if _, err := ach.QueueDeclare(queue, t.opts.durable, t.opts.autoDelete, t.opts.exclusive, false, args); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: declare queue %q: %w", queue, err)
	}

	if t.opts.exchange == "" {
		return nil
	}
	if !strings.HasPrefix(t.opts.exchange, "amq.") {
		if err := ach.ExchangeDeclare(t.opts.exchange, t.opts.exchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("batchmux/rabbitmq: declare exchange %q: %w", t.opts.exchange, err)
		}
	}
	if err := ach.QueueBind(queue, queue, t.opts.exchange, false, nil); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: bind queue %q: %w", queue, err)
	}
	return nil
}

func (t *Transport) channel() (channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}
	return t.ch, nil
}

func (t *Transport) SetPrefetch(_ context.Context, n int) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(n, 0, false); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: set qos: %w", err)
	}
	return nil
}

func (t *Transport) Subscribe(_ context.Context, queue, name string) (<-chan core.Delivery, error) {
	ch, err := t.channel()
	if err != nil {
		return nil, err
	}

	src, err := ch.Consume(
		queue,
		name,
		false, // autoAck
		t.opts.exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("batchmux/rabbitmq: consume %q: %w", queue, err)
	}

	out := make(chan core.Delivery)
	sub := &subscription{done: make(chan struct{})}
	t.mu.Lock()
	t.subs[name] = sub
	t.mu.Unlock()

	// The library closes src both for a broker cancel and for a lost
	// channel; only the latter is a failure.
	ended := func() {
		if !ch.IsClosed() {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		sub.err = fmt.Errorf("batchmux/rabbitmq: consume %q: %w", queue, amqp.ErrClosed)
	}
	go forward(src, out, sub.done, ended, func(tag uint64) { _ = ch.Reject(tag, true) })
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
	closed := t.closed
	t.mu.Unlock()

	if !ok {
		return nil
	}
	close(sub.done)
	if closed {
		return nil
	}
	if err := t.ch.Cancel(subscription, false); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: cancel %q: %w", subscription, err)
	}
	return nil
}

func (t *Transport) Ack(_ context.Context, tag core.DeliveryTag) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	if err := ch.Ack(uint64(tag), false); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: ack: %w", err)
	}
	return nil
}

func (t *Transport) Reject(_ context.Context, tag core.DeliveryTag, requeue bool) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	if err := ch.Reject(uint64(tag), requeue); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: reject: %w", err)
	}
	return nil
}

// Publish sends body through the configured exchange with the queue name
// as routing key.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte, persistent bool) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}

	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	if err := ch.PublishWithContext(ctx, t.opts.exchange, queue, false, false, amqp.Publishing{
		ContentType:  t.opts.contentType,
		DeliveryMode: mode,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: publish to %q: %w", queue, err)
	}
	return nil
}

func (t *Transport) Purge(_ context.Context, queue string) (int, error) {
	ch, err := t.channel()
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("batchmux/rabbitmq: purge %q: %w", queue, err)
	}
	return n, nil
}

func (t *Transport) Delete(_ context.Context, queue string) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
		return fmt.Errorf("batchmux/rabbitmq: delete %q: %w", queue, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	for name, sub := range t.subs {
		close(sub.done)
		delete(t.subs, name)
	}

	var errs []error
	if err := t.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("batchmux/rabbitmq: close channel: %w", err))
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("batchmux/rabbitmq: close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	if cfg.MessageTTL > 0 {
		opts = append(opts, WithMessageTTL(cfg.MessageTTL))
	}
	ex := cfg.Extras()
	kind := "direct"
	ex.String("exchange_type", func(v string) { kind = v })
	ex.String("exchange", func(v string) { opts = append(opts, WithExchange(v, kind)) })
	ex.Bool("durable", func(v bool) { opts = append(opts, WithDurable(v)) })
	ex.String("content_type", func(v string) { opts = append(opts, WithContentType(v)) })
	return opts, ex.Err()
}
