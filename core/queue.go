package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWaitTimeout is how long Consume waits for a delivery before it
// flushes the buffer and returns.
const DefaultWaitTimeout = time.Second

// Option configures a Queue.
type Option func(*queueOptions)

type queueOptions struct {
	waitTimeout time.Duration
	logger      zerolog.Logger
	binder      Binder
}

func queueDefaults() queueOptions {
	return queueOptions{
		waitTimeout: DefaultWaitTimeout,
		logger:      zerolog.Nop(),
		binder:      JSONBinder{},
	}
}

// WithWaitTimeout sets the idle timeout of a consumption pass.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *queueOptions) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithLogger sets the logger for delivery and publish events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *queueOptions) { o.logger = l }
}

// WithBinder replaces the Binder used by Message.Contents and Message.Bind.
func WithBinder(b Binder) Option {
	return func(o *queueOptions) {
		if b != nil {
			o.binder = b
		}
	}
}

// Queue binds a Transport to one named queue. It runs consumption passes
// and publishes messages.
type Queue struct {
	name      string
	transport Transport
	opts      queueOptions
}

// NewQueue wraps t for the queue called name.
func NewQueue(t Transport, name string, fns ...Option) *Queue {
	opts := queueDefaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Queue{name: name, transport: t, opts: opts}
}

func (q *Queue) Name() string { return q.name }

// Consume runs a single consumption pass with policy p.
//
// Deliveries are buffered up to p.WindowSize() and dispatched inline each
// time the buffer fills. When no delivery arrives within the wait timeout
// the partial buffer is dispatched and Consume returns. It also returns
// when the transport ends the subscription or ctx is cancelled; in both
// cases buffered messages are left unsettled for the broker to redeliver.
// A subscription ended by a broker failure returns a TransportError.
//
// Continuous consumption is the caller's job: call Consume again. Transport
// failures are returned as-is and never retried.
func (q *Queue) Consume(ctx context.Context, p Policy) (err error) {
	window := p.WindowSize()
	if window < 1 {
		return ErrInvalidWindow
	}

	subscription := "batchmux-" + uuid.NewString()
	log := q.opts.logger.With().
		Str("queue", q.name).
		Str("subscription", subscription).
		Logger()

	if err := q.transport.SetPrefetch(ctx, window); err != nil {
		return &TransportError{Op: "set prefetch", Err: err}
	}

	deliveries, err := q.transport.Subscribe(ctx, q.name, subscription)
	if err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}
	defer func() {
		// The caller's ctx may already be done; cancelling still has to reach the broker.
		uerr := q.transport.Unsubscribe(context.WithoutCancel(ctx), subscription)
		if uerr != nil && err == nil {
			err = &TransportError{Op: "unsubscribe", Err: uerr}
		}
	}()

	buf := NewBuffer(window)
	timer := time.NewTimer(q.opts.waitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if buf.Size() > 0 {
				log.Warn().Int("abandoned", buf.Size()).Msg("consume cancelled with buffered messages")
			}
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				if buf.Size() > 0 {
					log.Warn().Int("abandoned", buf.Size()).Msg("subscription closed with buffered messages")
				}
				if werr := q.transport.SubscriptionErr(subscription); werr != nil {
					return &TransportError{Op: "wait", Err: werr}
				}
				return nil
			}

			log.Debug().
				Str("event", "consume_prepare").
				Bytes("raw_message", d.Body).
				Msg("Consuming message")

			buf.Add(NewMessage(d, q.name, q.transport, q.opts.binder))
			if buf.IsFull() {
				if err := p.Dispatch(ctx, buf.Drain()); err != nil {
					return err
				}
			}
			resetTimer(timer, q.opts.waitTimeout)

		case <-timer.C:
			if buf.Size() > 0 {
				log.Debug().Int("messages", buf.Size()).Msg("wait timed out, flushing partial batch")
				return p.Dispatch(ctx, buf.Drain())
			}
			return nil
		}
	}
}

// Send publishes body as a persistent JSON message.
func (q *Queue) Send(ctx context.Context, body map[string]any) error {
	data, err := encodeBody(body)
	if err != nil {
		return err
	}
	if err := q.transport.Publish(ctx, q.name, data, true); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}
	q.opts.logger.Debug().
		Str("queue", q.name).
		Str("event", "message_sent").
		Bytes("raw_message", data).
		Msg("message sent")
	return nil
}

// Purge removes every ready message from the queue and reports how many
// were dropped.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	p, ok := q.transport.(Purger)
	if !ok {
		return 0, fmt.Errorf("batchmux: purge %q: %w", q.name, ErrUnsupported)
	}
	n, err := p.Purge(ctx, q.name)
	if err != nil {
		return 0, &TransportError{Op: "purge", Err: err}
	}
	return n, nil
}

// Delete removes the queue from the broker.
func (q *Queue) Delete(ctx context.Context) error {
	d, ok := q.transport.(Deleter)
	if !ok {
		return fmt.Errorf("batchmux: delete %q: %w", q.name, ErrUnsupported)
	}
	if err := d.Delete(ctx, q.name); err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	return nil
}

// Close closes the underlying transport.
func (q *Queue) Close() error {
	return q.transport.Close()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
