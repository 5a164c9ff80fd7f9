package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	fetched   int
	committed []int64
	closed    bool
}

func newFakeReader(bodies ...string) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, 16)}
	for i, b := range bodies {
		r.msgs <- kafka.Message{Topic: "orders", Offset: int64(i), Value: []byte(b)}
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		r.mu.Lock()
		r.fetched++
		r.mu.Unlock()
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched
}

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testTransport(r *fakeReader) (*Transport, *fakeWriter) {
	w := &fakeWriter{}
	t := newTransport([]string{"localhost:9092"}, "orders", defaults(), w)
	t.newReader = func(string) reader { return r }
	return t, w
}

func receive(t *testing.T, ch <-chan core.Delivery) core.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return core.Delivery{}
	}
}

func TestTransport_ConsumeCommitsInOrder(t *testing.T) {
	r := newFakeReader("a", "b", "c")
	tr, _ := testTransport(r)
	q := core.NewQueue(tr, "orders", core.WithWaitTimeout(50*time.Millisecond))

	var sizes []int
	p := core.NewAtomicBatch(2, core.WholeBatch(func(ctx context.Context, b []*core.Message) error {
		sizes = append(sizes, len(b))
		return nil
	}))

	require.NoError(t, q.Consume(context.Background(), p))

	assert.Equal(t, []int{2, 1}, sizes)
	assert.Equal(t, []int64{0, 1, 2}, r.committed)
}

func TestTransport_WindowLimitsFetching(t *testing.T) {
	r := newFakeReader("a", "b")
	tr, _ := testTransport(r)
	ctx := context.Background()

	require.NoError(t, tr.SetPrefetch(ctx, 1))
	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)

	first := receive(t, out)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, r.fetchCount(), "no fetch while the window is full")

	require.NoError(t, tr.Ack(ctx, first.Tag))
	second := receive(t, out)
	assert.Equal(t, []byte("b"), second.Body)

	require.NoError(t, tr.Unsubscribe(ctx, "s1"))
}

func TestTransport_RejectRequeueRepublishes(t *testing.T) {
	r := newFakeReader("a")
	tr, w := testTransport(r)
	ctx := context.Background()

	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	d := receive(t, out)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))

	require.NoError(t, tr.Reject(ctx, d.Tag, true))

	require.Len(t, w.written, 1)
	assert.Equal(t, "orders", w.written[0].Topic)
	assert.Equal(t, []byte("a"), w.written[0].Value)
	assert.True(t, toDelivery(w.written[0]).Redelivered)
	assert.Equal(t, []int64{0}, r.committed)
}

func TestTransport_RejectDiscardCommitsOnly(t *testing.T) {
	r := newFakeReader("a")
	tr, w := testTransport(r)
	ctx := context.Background()

	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	d := receive(t, out)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))

	require.NoError(t, tr.Reject(ctx, d.Tag, false))
	assert.Empty(t, w.written)
	assert.Equal(t, []int64{0}, r.committed)

	assert.ErrorIs(t, tr.Ack(ctx, d.Tag), core.ErrUnknownTag)
}

func TestTransport_UndeliveredMessageHeldForNextPass(t *testing.T) {
	r := newFakeReader("a", "b")
	tr, _ := testTransport(r)
	ctx := context.Background()

	require.NoError(t, tr.SetPrefetch(ctx, 2))
	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	first := receive(t, out)
	assert.Equal(t, []byte("a"), first.Body)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))

	out, err = tr.Subscribe(ctx, "orders", "s2")
	require.NoError(t, err)
	second := receive(t, out)
	assert.Equal(t, []byte("b"), second.Body)
	require.NoError(t, tr.Unsubscribe(ctx, "s2"))

	assert.Equal(t, 2, r.fetchCount(), "held message is not fetched twice")
}

func TestTransport_Publish(t *testing.T) {
	tr, w := testTransport(newFakeReader())

	require.NoError(t, tr.Publish(context.Background(), "orders", []byte(`{"a":1}`), true))
	require.Len(t, w.written, 1)
	assert.Equal(t, "orders", w.written[0].Topic)
	assert.Equal(t, "application/json", toDelivery(w.written[0]).ContentType)
}

func TestTransport_CloseEndsSubscriptions(t *testing.T) {
	r := newFakeReader()
	tr, _ := testTransport(r)
	ctx := context.Background()

	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, open := <-out
	assert.False(t, open)
	assert.True(t, r.closed)

	_, err = tr.Subscribe(ctx, "orders", "s2")
	assert.ErrorIs(t, err, core.ErrTransportClosed)
}

func TestTransport_NoPurge(t *testing.T) {
	tr, _ := testTransport(newFakeReader())
	q := core.NewQueue(tr, "orders")

	_, err := q.Purge(context.Background())
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestParseURL(t *testing.T) {
	brokers, opts, err := parseURL("kafka://k1:9092,k2:9092?group=workers")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers)

	// Values read from YAML or the environment arrive as strings.
	extra, err := optsFromConfig(broker.Config{Extra: map[string]any{"batch_size": "10", "max_bytes": 1 << 20}})
	require.NoError(t, err)
	o := defaults()
	for _, fn := range append(opts, extra...) {
		fn(&o)
	}
	assert.Equal(t, "workers", o.group)
	assert.Equal(t, 10, o.batchSize)
	assert.Equal(t, 1<<20, o.maxBytes)
}

func TestOptsFromConfig_InvalidValue(t *testing.T) {
	_, err := optsFromConfig(broker.Config{Extra: map[string]any{"batch_size": "ten"}})
	assert.ErrorIs(t, err, broker.ErrInvalidExtra)
}
