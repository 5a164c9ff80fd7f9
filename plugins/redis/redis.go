package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
	"github.com/miladsoleymani/batchmux/internal/flow"
)

func init() {
	factory := func(ctx context.Context, cfg broker.Config) (core.Transport, error) {
		opts, err := optsFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(ctx, cfg.URL, opts...)
	}
	broker.Register("redis", factory)
	broker.Register("rediss", factory)
}

// Transport implements core.Transport on Redis lists.
//
// Design decisions:
//   - Each queue is a ready list, a rejected list and one unacked list per
//     Transport. A delivery is moved atomically from ready to unacked.
//   - Redis has no push consumer, so a pump polls the ready list.
//   - Prefetch is a client-side window over the unacked list.
//   - Ack removes the payload from unacked. A requeueing reject moves it
//     back to the head of ready; otherwise it goes to rejected.
//   - Close returns everything still unacked to ready.
type Transport struct {
	client   *goredis.Client
	consumer string
	opts     options

	window *flow.Window
	ledger *flow.Ledger[delivery]

	mu     sync.Mutex
	closed bool
	subs   map[string]*subscription
}

// delivery is an unsettled payload, the lists it moves between and the
// window slot it holds.
type delivery struct {
	keys    keys
	payload string
	slot    flow.Slot
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New connects to a redis:// or rediss:// URL.
func New(ctx context.Context, rawURL string, fns ...Option) (*Transport, error) {
	ropts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrInvalidScheme, err)
	}

	client := goredis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("batchmux/redis: failed to connect to redis: %w", err)
	}
	return newTransport(client, fns...), nil
}

func newTransport(client *goredis.Client, fns ...Option) *Transport {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Transport{
		client:   client,
		consumer: uuid.NewString(),
		opts:     opts,
		window:   flow.NewWindow(1),
		ledger:   flow.NewLedger[delivery](),
		subs:     make(map[string]*subscription),
	}
}

func (t *Transport) keys(queue string) keys {
	return queueKeys(t.opts.prefix, queue, t.consumer)
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	return nil
}

func (t *Transport) SetPrefetch(_ context.Context, n int) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.window.Resize(n)
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, queue, name string) (<-chan core.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, core.ErrTransportClosed
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	t.subs[name] = sub

	out := make(chan core.Delivery)
	go t.pump(pctx, t.keys(queue), out, sub)
	return out, nil
}

func (t *Transport) pump(ctx context.Context, k keys, out chan<- core.Delivery, sub *subscription) {
	defer close(sub.done)
	defer close(out)
	for {
		slot, err := t.window.Acquire(ctx)
		if err != nil {
			return
		}
		payload, err := t.pop(ctx, k)
		if err != nil {
			t.window.Release(slot)
			if ctx.Err() == nil {
				t.fail(sub, fmt.Errorf("batchmux/redis: pop %q: %w", k.ready, err))
			}
			return
		}

		d := delivery{keys: k, payload: payload, slot: slot}
		tag := t.ledger.Track(d)
		select {
		case out <- core.Delivery{Tag: tag, Body: []byte(payload), ContentType: "application/json"}:
		case <-ctx.Done():
			t.ledger.Take(tag)
			t.window.Release(slot)
			_ = t.requeue(context.WithoutCancel(ctx), d)
			return
		}
	}
}

// pop moves the head of ready into unacked, polling while ready is empty.
func (t *Transport) pop(ctx context.Context, k keys) (string, error) {
	for {
		payload, err := t.client.RPopLPush(ctx, k.ready, k.unacked).Result()
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, goredis.Nil) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(t.opts.pollInterval):
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

func (t *Transport) settle(tag core.DeliveryTag) (delivery, error) {
	d, ok := t.ledger.Take(tag)
	if !ok {
		return delivery{}, fmt.Errorf("batchmux/redis: settle %d: %w", tag, core.ErrUnknownTag)
	}
	t.window.Release(d.slot)
	return d, nil
}

func (t *Transport) Ack(ctx context.Context, tag core.DeliveryTag) error {
	d, err := t.settle(tag)
	if err != nil {
		return err
	}
	count, err := t.client.LRem(ctx, d.keys.unacked, 1, d.payload).Result()
	if err != nil {
		return fmt.Errorf("batchmux/redis: ack: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("batchmux/redis: ack %d: %w", tag, core.ErrUnknownTag)
	}
	return nil
}

func (t *Transport) Reject(ctx context.Context, tag core.DeliveryTag, requeue bool) error {
	d, err := t.settle(tag)
	if err != nil {
		return err
	}
	if requeue {
		err = t.requeue(ctx, d)
	} else {
		err = t.move(ctx, d, func(p goredis.Pipeliner) { p.LPush(ctx, d.keys.rejected, d.payload) })
	}
	if err != nil {
		return fmt.Errorf("batchmux/redis: reject: %w", err)
	}
	return nil
}

// requeue puts d back at the head of ready.
func (t *Transport) requeue(ctx context.Context, d delivery) error {
	return t.move(ctx, d, func(p goredis.Pipeliner) { p.RPush(ctx, d.keys.ready, d.payload) })
}

func (t *Transport) move(ctx context.Context, d delivery, push func(goredis.Pipeliner)) error {
	_, err := t.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LRem(ctx, d.keys.unacked, 1, d.payload)
		push(p)
		return nil
	})
	return err
}

// Publish pushes body onto the tail of the ready list. Redis persistence
// is a server setting, so persistent is not used.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte, _ bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.client.LPush(ctx, t.keys(queue).ready, body).Err(); err != nil {
		return fmt.Errorf("batchmux/redis: publish to %q: %w", queue, err)
	}
	return nil
}

// Purge drops the ready list and reports how many messages it held.
func (t *Transport) Purge(ctx context.Context, queue string) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	k := t.keys(queue)

	var n *goredis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		n = p.LLen(ctx, k.ready)
		p.Del(ctx, k.ready)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("batchmux/redis: purge %q: %w", queue, err)
	}
	return int(n.Val()), nil
}

// Delete removes all lists of the queue owned by this Transport.
func (t *Transport) Delete(ctx context.Context, queue string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	k := t.keys(queue)
	if err := t.client.Del(ctx, k.ready, k.unacked, k.rejected).Err(); err != nil {
		return fmt.Errorf("batchmux/redis: delete %q: %w", queue, err)
	}
	return nil
}

// Close stops all pumps, returns unacked deliveries to their ready lists
// and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	var errs []error
	ctx := context.Background()
	for _, d := range t.ledger.Drain() {
		if err := t.requeue(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("batchmux/redis: return unacked: %w", err))
			break
		}
	}
	if err := t.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("batchmux/redis: close client: %w", err))
	}
	return errors.Join(errs...)
}

// optsFromConfig extracts options from broker.Config.Extra.
func optsFromConfig(cfg broker.Config) ([]Option, error) {
	var opts []Option
	ex := cfg.Extras()
	ex.String("prefix", func(v string) { opts = append(opts, WithPrefix(v)) })
	ex.Duration("poll_interval", func(v time.Duration) { opts = append(opts, WithPollInterval(v)) })
	return opts, ex.Err()
}
