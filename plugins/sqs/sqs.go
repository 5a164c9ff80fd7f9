package sqs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
	"github.com/miladsoleymani/batchmux/internal/flow"
)

// maxReceive is the SQS limit on messages per ReceiveMessage call.
const maxReceive = 10

func init() {
	broker.Register("sqs", func(ctx context.Context, cfg broker.Config) (core.Transport, error) {
		opts, err := parseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		if cfg.MessageTTL > 0 {
			opts = append(opts, WithRetention(int64(cfg.MessageTTL/time.Second)))
		}
		return New(ctx, cfg.Queue, opts...)
	})
}

// Transport implements core.Transport for Amazon SQS using aws-sdk-go-v2.
//
// Design decisions:
//   - Queue names are resolved to URLs once and cached. A missing queue is
//     created on open unless disabled.
//   - SQS has no unacked limit, so prefetch is a client-side window. Each
//     receive asks for no more messages than the window has free.
//   - Tags map to receipt handles. Ack and a discarding reject delete the
//     message; a requeueing reject makes it visible again immediately.
//   - Messages received but not handed over are made visible again when
//     the subscription ends.
type Transport struct {
	client sqsAPI
	opts   options

	window *flow.Window
	ledger *flow.Ledger[receipt]

	mu     sync.Mutex
	closed bool
	urls   map[string]string
	subs   map[string]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New loads the default AWS config and resolves queue.
func New(ctx context.Context, queue string, fns ...Option) (*Transport, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("batchmux/sqs: load aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if opts.endpoint != "" {
			o.BaseEndpoint = aws.String(opts.endpoint)
		}
	})

	t := newTransport(client, opts)
	if _, err := t.queueURL(ctx, queue); err != nil {
		return nil, err
	}
	return t, nil
}

func newTransport(client sqsAPI, opts options) *Transport {
	return &Transport{
		client: client,
		opts:   opts,
		window: flow.NewWindow(1),
		ledger: flow.NewLedger[receipt](),
		urls:   make(map[string]string),
		subs:   make(map[string]*subscription),
	}
}

// queueURL resolves name, creating the queue if allowed.
func (t *Transport) queueURL(ctx context.Context, name string) (string, error) {
	t.mu.Lock()
	if u, ok := t.urls[name]; ok {
		t.mu.Unlock()
		return u, nil
	}
	t.mu.Unlock()

	var u string
	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	var missing *sqstypes.QueueDoesNotExist
	switch {
	case err == nil:
		u = aws.ToString(out.QueueUrl)
	case errors.As(err, &missing) && t.opts.createQueue:
		in := &sqs.CreateQueueInput{QueueName: aws.String(name)}
		if t.opts.retentionSeconds > 0 {
			in.Attributes = map[string]string{
				string(sqstypes.QueueAttributeNameMessageRetentionPeriod): strconv.FormatInt(t.opts.retentionSeconds, 10),
			}
		}
		created, cerr := t.client.CreateQueue(ctx, in)
		if cerr != nil {
			return "", fmt.Errorf("batchmux/sqs: create queue %q: %w", name, cerr)
		}
		u = aws.ToString(created.QueueUrl)
	default:
		return "", fmt.Errorf("batchmux/sqs: resolve queue %q: %w", name, err)
	}

	t.mu.Lock()
	t.urls[name] = u
	t.mu.Unlock()
	return u, nil
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
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	qurl, err := t.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[name] = sub
	t.mu.Unlock()

	out := make(chan core.Delivery)
	go t.pump(pctx, qurl, out, sub)
	return out, nil
}

// pump receives under the window and hands messages to out one at a time.
// A receive error has already been retried by the SDK and ends the
// subscription.
func (t *Transport) pump(ctx context.Context, qurl string, out chan<- core.Delivery, sub *subscription) {
	defer close(sub.done)
	defer close(out)

	var backlog []sqstypes.Message
	defer func() {
		// Whatever was received but not handed over becomes visible again.
		for _, m := range backlog {
			t.release(context.WithoutCancel(ctx), receipt{queueURL: qurl, handle: aws.ToString(m.ReceiptHandle)})
		}
	}()

	for {
		slot, err := t.window.Acquire(ctx)
		if err != nil {
			return
		}
		for len(backlog) == 0 {
			msgs, err := t.receive(ctx, qurl)
			if err != nil {
				t.window.Release(slot)
				if ctx.Err() == nil {
					t.fail(sub, fmt.Errorf("batchmux/sqs: receive: %w", err))
				}
				return
			}
			backlog = msgs
		}

		m := backlog[0]
		d := toDelivery(m)
		d.Tag = t.ledger.Track(receipt{queueURL: qurl, handle: aws.ToString(m.ReceiptHandle), slot: slot})
		select {
		case out <- d:
			backlog = backlog[1:]
		case <-ctx.Done():
			t.ledger.Take(d.Tag)
			t.window.Release(slot)
			return
		}
	}
}

func (t *Transport) receive(ctx context.Context, qurl string) ([]sqstypes.Message, error) {
	// One slot is already held by the caller.
	n := t.window.Size() - t.window.Outstanding() + 1
	n = max(1, min(n, maxReceive))

	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(qurl),
		MaxNumberOfMessages:   int32(n),
		WaitTimeSeconds:       t.opts.waitTimeSeconds,
		VisibilityTimeout:     t.opts.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
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

func (t *Transport) settle(tag core.DeliveryTag) (receipt, error) {
	r, ok := t.ledger.Take(tag)
	if !ok {
		return receipt{}, fmt.Errorf("batchmux/sqs: settle %d: %w", tag, core.ErrUnknownTag)
	}
	t.window.Release(r.slot)
	return r, nil
}

func (t *Transport) Ack(ctx context.Context, tag core.DeliveryTag) error {
	r, err := t.settle(tag)
	if err != nil {
		return err
	}
	return t.delete(ctx, r)
}

func (t *Transport) Reject(ctx context.Context, tag core.DeliveryTag, requeue bool) error {
	r, err := t.settle(tag)
	if err != nil {
		return err
	}
	if !requeue {
		return t.delete(ctx, r)
	}
	if _, err := t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.queueURL),
		ReceiptHandle:     aws.String(r.handle),
		VisibilityTimeout: 0,
	}); err != nil {
		return fmt.Errorf("batchmux/sqs: requeue: %w", err)
	}
	return nil
}

func (t *Transport) delete(ctx context.Context, r receipt) error {
	if _, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(r.handle),
	}); err != nil {
		return fmt.Errorf("batchmux/sqs: delete message: %w", err)
	}
	return nil
}

// release makes r visible again, ignoring failures. The visibility
// timeout returns the message anyway.
func (t *Transport) release(ctx context.Context, r receipt) {
	_, _ = t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.queueURL),
		ReceiptHandle:     aws.String(r.handle),
		VisibilityTimeout: 0,
	})
}

// Publish sends body to queue. SQS always stores messages durably, so
// persistent is not used.
func (t *Transport) Publish(ctx context.Context, queue string, body []byte, _ bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	qurl, err := t.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(qurl),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
		},
	}); err != nil {
		return fmt.Errorf("batchmux/sqs: publish to %q: %w", queue, err)
	}
	return nil
}

// Purge empties the queue. The count is SQS's approximate number of
// visible messages just before the purge.
func (t *Transport) Purge(ctx context.Context, queue string) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	qurl, err := t.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}

	attrs, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(qurl),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("batchmux/sqs: queue attributes %q: %w", queue, err)
	}
	n, _ := strconv.Atoi(attrs.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)])

	if _, err := t.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(qurl)}); err != nil {
		return 0, fmt.Errorf("batchmux/sqs: purge %q: %w", queue, err)
	}
	return n, nil
}

func (t *Transport) Delete(ctx context.Context, queue string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	qurl, err := t.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := t.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(qurl)}); err != nil {
		return fmt.Errorf("batchmux/sqs: delete queue %q: %w", queue, err)
	}

	t.mu.Lock()
	delete(t.urls, queue)
	t.mu.Unlock()
	return nil
}

// Close stops all pumps and makes unsettled messages visible again.
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
	for _, r := range t.ledger.Drain() {
		t.release(context.Background(), r)
	}
	return nil
}

// parseURL reads sqs://<region>?endpoint=<url>. Both parts are optional.
func parseURL(raw string) ([]Option, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrInvalidScheme, err)
	}
	var opts []Option
	if u.Host != "" {
		opts = append(opts, WithRegion(u.Host))
	}
	q := u.Query()
	if ep := q.Get("endpoint"); ep != "" {
		opts = append(opts, WithEndpoint(ep))
	}
	if v := q.Get("wait"); v != "" {
		s, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: wait: %v", broker.ErrInvalidScheme, err)
		}
		opts = append(opts, WithWaitTime(int32(s)))
	}
	return opts, nil
}
