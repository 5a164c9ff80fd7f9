package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/batchmux"
	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
)

func setup(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	tr := newTransport(client, WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { tr.Close() })
	return tr, mr
}

func list(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	if !mr.Exists(key) {
		return nil
	}
	l, err := mr.List(key)
	require.NoError(t, err)
	return l
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

func TestTransport_SendAndConsume(t *testing.T) {
	tr, mr := setup(t)
	ctx := context.Background()
	q := core.NewQueue(tr, "orders", core.WithWaitTimeout(50*time.Millisecond))

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Send(ctx, map[string]any{"number": i}))
	}

	var numbers []float64
	p := core.NewAtomicBatch(2, core.Sequential(func(ctx context.Context, m *core.Message) error {
		c, err := m.Contents()
		if err != nil {
			return err
		}
		numbers = append(numbers, c["number"].(float64))
		return nil
	}))

	require.NoError(t, q.Consume(ctx, p))

	assert.Equal(t, []float64{1, 2, 3}, numbers, "FIFO order")
	k := tr.keys("orders")
	assert.Empty(t, list(t, mr, k.ready))
	assert.Empty(t, list(t, mr, k.unacked))
}

func TestTransport_RejectRequeueGoesToHead(t *testing.T) {
	tr, mr := setup(t)
	ctx := context.Background()
	k := tr.keys("orders")

	require.NoError(t, tr.Publish(ctx, "orders", []byte("a"), true))
	require.NoError(t, tr.Publish(ctx, "orders", []byte("b"), true))

	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	d := receive(t, out)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))
	assert.Equal(t, []byte("a"), d.Body)
	assert.Equal(t, []string{"a"}, list(t, mr, k.unacked))

	require.NoError(t, tr.Reject(ctx, d.Tag, true))

	assert.Empty(t, list(t, mr, k.unacked))
	assert.Equal(t, []string{"b", "a"}, list(t, mr, k.ready), "a is next to be popped")
}

func TestTransport_RejectDiscard(t *testing.T) {
	tr, mr := setup(t)
	ctx := context.Background()
	k := tr.keys("orders")

	require.NoError(t, tr.Publish(ctx, "orders", []byte("a"), true))
	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	d := receive(t, out)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))

	require.NoError(t, tr.Reject(ctx, d.Tag, false))

	assert.Empty(t, list(t, mr, k.ready))
	assert.Equal(t, []string{"a"}, list(t, mr, k.rejected))
	assert.ErrorIs(t, tr.Ack(ctx, d.Tag), core.ErrUnknownTag)
}

func TestTransport_WindowLimitsUnacked(t *testing.T) {
	tr, mr := setup(t)
	ctx := context.Background()
	k := tr.keys("orders")

	for _, b := range []string{"a", "b", "c"} {
		require.NoError(t, tr.Publish(ctx, "orders", []byte(b), true))
	}
	require.NoError(t, tr.SetPrefetch(ctx, 1))

	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	first := receive(t, out)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, list(t, mr, k.unacked), 1)

	require.NoError(t, tr.Ack(ctx, first.Tag))
	second := receive(t, out)
	assert.Equal(t, []byte("b"), second.Body)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))
}

func TestTransport_UnsubscribeReturnsUndelivered(t *testing.T) {
	tr, mr := setup(t)
	ctx := context.Background()
	k := tr.keys("orders")

	require.NoError(t, tr.Publish(ctx, "orders", []byte("a"), true))
	require.NoError(t, tr.Publish(ctx, "orders", []byte("b"), true))
	require.NoError(t, tr.SetPrefetch(ctx, 2))

	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	d := receive(t, out)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tr.Unsubscribe(ctx, "s1"))

	assert.Equal(t, []string{"a"}, list(t, mr, k.unacked), "only the handed-over delivery stays unacked")
	assert.Equal(t, []string{"b"}, list(t, mr, k.ready))
	require.NoError(t, tr.Ack(ctx, d.Tag))
}

func TestTransport_CloseReturnsUnacked(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTransport(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()
	k := tr.keys("orders")

	require.NoError(t, tr.Publish(ctx, "orders", []byte("a"), true))
	out, err := tr.Subscribe(ctx, "orders", "s1")
	require.NoError(t, err)
	receive(t, out)

	require.NoError(t, tr.Close())

	_, open := <-out
	assert.False(t, open)
	assert.Empty(t, list(t, mr, k.unacked))
	assert.Equal(t, []string{"a"}, list(t, mr, k.ready))
	assert.ErrorIs(t, tr.Publish(ctx, "orders", []byte("b"), true), core.ErrTransportClosed)
}

func TestTransport_PurgeAndDelete(t *testing.T) {
	tr, mr := setup(t)
	ctx := context.Background()
	q := core.NewQueue(tr, "orders")

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Send(ctx, map[string]any{"i": i}))
	}

	n, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, mr.Exists(tr.keys("orders").ready))

	require.NoError(t, q.Send(ctx, map[string]any{"i": 5}))
	require.NoError(t, q.Delete(ctx))
	assert.False(t, mr.Exists(tr.keys("orders").ready))
}

func TestTransport_ConnectionLossFailsPass(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTransport(goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1}), WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { tr.Close() })
	q := core.NewQueue(tr, "orders", core.WithWaitTimeout(5*time.Second))

	time.AfterFunc(30*time.Millisecond, mr.Close)
	err := q.Consume(context.Background(), core.NewPerMessage(func(ctx context.Context, m *core.Message) error { return nil }))

	var te *core.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "wait", te.Op)
}

func TestRun_ReconnectsAfterOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	var opens atomic.Int32
	open := func(ctx context.Context) (*core.Queue, error) {
		opens.Add(1)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
		tr := newTransport(client, WithPollInterval(5*time.Millisecond))
		return core.NewQueue(tr, "orders", core.WithWaitTimeout(5*time.Second)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got atomic.Value
	p := core.NewPerMessage(func(ctx context.Context, m *core.Message) error {
		got.Store(string(m.Body()))
		cancel()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- batchmux.Run(ctx, open, p, batchmux.WithRestartDelay(20*time.Millisecond)) }()

	time.Sleep(30 * time.Millisecond)
	mr.Close()
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, mr.Restart())
	_, err := mr.Lpush(queueKeys("batchmux", "orders", "").ready, "a")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not recover")
	}
	assert.Equal(t, "a", got.Load())
	assert.GreaterOrEqual(t, opens.Load(), int32(2), "reconnected after the outage")
	assert.Less(t, opens.Load(), int32(20), "reconnects are spaced by the restart delay")
}

func TestQueueKeys(t *testing.T) {
	k := queueKeys("batchmux", "orders", "c1")
	assert.Equal(t, "batchmux::queue::orders::ready", k.ready)
	assert.Equal(t, "batchmux::queue::orders::unacked::c1", k.unacked)
	assert.Equal(t, "batchmux::queue::orders::rejected", k.rejected)
}

func TestOptsFromConfig(t *testing.T) {
	// A duration read from YAML or the environment is a string.
	opts, err := optsFromConfig(broker.Config{Extra: map[string]any{"prefix": "app", "poll_interval": "250ms"}})
	require.NoError(t, err)
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	assert.Equal(t, "app", o.prefix)
	assert.Equal(t, 250*time.Millisecond, o.pollInterval)

	_, err = optsFromConfig(broker.Config{Extra: map[string]any{"poll_interval": "soon"}})
	assert.ErrorIs(t, err, broker.ErrInvalidExtra)
}
