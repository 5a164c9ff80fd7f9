package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/batchmux/core"
	"github.com/miladsoleymani/batchmux/internal/mock"
)

func TestAtomicBatch_SuccessAcksInOrder(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b", "c")

	var calls int
	p := core.NewAtomicBatch(3, core.Sequential(func(ctx context.Context, m *core.Message) error {
		calls++
		return nil
	}))

	require.NoError(t, p.Dispatch(context.Background(), batch))

	assert.Equal(t, 3, calls)
	assert.Equal(t, []core.DeliveryTag{1, 2, 3}, acker.Acked)
	assert.Empty(t, acker.Rejected)
}

func TestAtomicBatch_FailureRejectsAll(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b", "c")

	var seen []string
	p := core.NewAtomicBatch(3, core.Sequential(func(ctx context.Context, m *core.Message) error {
		seen = append(seen, string(m.Body()))
		if string(m.Body()) == "b" {
			return errors.New("bad message")
		}
		return nil
	}))

	require.NoError(t, p.Dispatch(context.Background(), batch))

	assert.Equal(t, []string{"a", "b"}, seen, "handling stops at the first failure")
	assert.Empty(t, acker.Acked)
	assert.Equal(t, []mock.Rejection{
		{Tag: 1, Requeue: true},
		{Tag: 2, Requeue: true},
		{Tag: 3, Requeue: true},
	}, acker.Rejected)
}

func TestAtomicBatch_HandlerInvokedOnce(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b")

	var calls int
	var got []*core.Message
	p := core.NewAtomicBatch(2, core.WholeBatch(func(ctx context.Context, b []*core.Message) error {
		calls++
		got = b
		return nil
	}))

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Equal(t, 1, calls)
	assert.Equal(t, batch, got)
}

func TestAtomicBatch_WholeBatchError(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b")

	p := core.NewAtomicBatch(2, core.WholeBatch(func(ctx context.Context, b []*core.Message) error {
		return errors.New("downstream unavailable")
	}))

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Empty(t, acker.Acked)
	assert.Len(t, acker.Rejected, 2)
}

func TestAtomicBatch_PanicRejectsAll(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b")

	p := core.NewAtomicBatch(2, func(ctx context.Context, b []*core.Message) []core.Result {
		panic("handler exploded")
	})

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Empty(t, acker.Acked)
	assert.Len(t, acker.Rejected, 2)
}

func TestAtomicBatch_ResultMismatchRejectsAll(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b")

	var hooked []error
	p := core.NewAtomicBatch(2,
		func(ctx context.Context, b []*core.Message) []core.Result {
			return []core.Result{{Message: b[0]}}
		},
		core.WithErrorHook(func(ctx context.Context, m *core.Message, err error) {
			hooked = append(hooked, err)
		}),
	)

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Empty(t, acker.Acked)
	assert.Len(t, acker.Rejected, 2)
	require.Len(t, hooked, 2)
	assert.ErrorIs(t, hooked[0], core.ErrResultMismatch)
}

func TestAtomicBatch_ErrorHookSkipsAborted(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b", "c")
	boom := errors.New("boom")

	var hooked []core.DeliveryTag
	p := core.NewAtomicBatch(3,
		core.Sequential(func(ctx context.Context, m *core.Message) error {
			if m.Tag() == 1 {
				return boom
			}
			return nil
		}),
		core.WithErrorHook(func(ctx context.Context, m *core.Message, err error) {
			assert.ErrorIs(t, err, boom)
			hooked = append(hooked, m.Tag())
		}),
	)

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Equal(t, []core.DeliveryTag{1}, hooked)
}

func TestAtomicBatch_DiscardWithoutRequeue(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a")

	p := core.NewAtomicBatch(1,
		core.WholeBatch(func(ctx context.Context, b []*core.Message) error { return errors.New("x") }),
		core.WithRequeue(false),
	)

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Equal(t, []mock.Rejection{{Tag: 1, Requeue: false}}, acker.Rejected)
}

func TestAtomicBatch_AckErrorPropagates(t *testing.T) {
	boom := errors.New("channel closed")
	acker := &mock.Acker{AckErr: boom}
	batch := mock.Messages(acker, "a", "b")

	p := core.NewAtomicBatch(2, core.Sequential(func(ctx context.Context, m *core.Message) error { return nil }))

	err := p.Dispatch(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, core.IsTransportError(err))
	assert.ErrorIs(t, err, boom)
}

func TestAtomicBatch_EmptyBatchIsNoop(t *testing.T) {
	var calls int
	p := core.NewAtomicBatch(2, core.WholeBatch(func(ctx context.Context, b []*core.Message) error {
		calls++
		return nil
	}))

	require.NoError(t, p.Dispatch(context.Background(), nil))
	assert.Zero(t, calls)
}

func TestAtomicBatch_WindowSize(t *testing.T) {
	p := core.NewAtomicBatch(17, nil)
	assert.Equal(t, 17, p.WindowSize())
}

func TestPerMessage_IsolatesFailures(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a", "b", "c")

	var hooked []core.DeliveryTag
	p := core.NewPerMessage(
		func(ctx context.Context, m *core.Message) error {
			if m.Tag() == 2 {
				return errors.New("bad")
			}
			return nil
		},
		core.WithErrorHook(func(ctx context.Context, m *core.Message, err error) {
			var herr *core.HandlerError
			assert.ErrorAs(t, err, &herr)
			hooked = append(hooked, m.Tag())
		}),
	)

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Equal(t, []core.DeliveryTag{1, 3}, acker.Acked)
	assert.Equal(t, []mock.Rejection{{Tag: 2, Requeue: true}}, acker.Rejected)
	assert.Equal(t, []core.DeliveryTag{2}, hooked)
}

func TestPerMessage_PanicBecomesReject(t *testing.T) {
	acker := &mock.Acker{}
	batch := mock.Messages(acker, "a")

	p := core.NewPerMessage(func(ctx context.Context, m *core.Message) error {
		panic("nil map")
	})

	require.NoError(t, p.Dispatch(context.Background(), batch))
	assert.Empty(t, acker.Acked)
	assert.Len(t, acker.Rejected, 1)
}

func TestPerMessage_RejectErrorPropagates(t *testing.T) {
	boom := errors.New("channel closed")
	acker := &mock.Acker{RejectErr: boom}
	batch := mock.Messages(acker, "a", "b")

	var calls int
	p := core.NewPerMessage(func(ctx context.Context, m *core.Message) error {
		calls++
		return errors.New("bad")
	})

	err := p.Dispatch(context.Background(), batch)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "a transport failure ends the pass")
}

func TestPerMessage_WindowSize(t *testing.T) {
	assert.Equal(t, 1, core.NewPerMessage(nil).WindowSize())
	assert.Equal(t, 5, core.NewPerMessage(nil, core.WithWindowSize(5)).WindowSize())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) core.Middleware {
		return func(next core.Handler) core.Handler {
			return func(ctx context.Context, m *core.Message) error {
				order = append(order, name+":before")
				err := next(ctx, m)
				order = append(order, name+":after")
				return err
			}
		}
	}

	h := core.Chain(func(ctx context.Context, m *core.Message) error {
		order = append(order, "handler")
		return nil
	}, mw("A"), mw("B"))

	require.NoError(t, h(context.Background(), mock.Messages(&mock.Acker{}, "x")[0]))
	assert.Equal(t, []string{"A:before", "B:before", "handler", "B:after", "A:after"}, order)
}
