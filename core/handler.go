package core

import (
	"context"
	"fmt"
	"runtime"
)

// Handler processes one message. A nil return means the message was
// handled; any error is a handler failure and leads to a reject.
//
//	h := func(ctx context.Context, m *core.Message) error {
//	    var order Order
//	    if err := m.Bind(&order); err != nil {
//	        return err
//	    }
//	    return process(ctx, order)
//	}
type Handler func(ctx context.Context, m *Message) error

// Result is the outcome of handling one message of a batch.
type Result struct {
	Message *Message
	Err     error
}

// BatchHandler processes a whole batch and reports one Result per message,
// in batch order.
type BatchHandler func(ctx context.Context, batch []*Message) []Result

// ErrorHook is notified after a failed message has been rejected.
type ErrorHook func(ctx context.Context, m *Message, err error)

// Middleware wraps a Handler to add cross-cutting behavior.
type Middleware func(Handler) Handler

// Chain wraps h with middleware. Given [A, B, C], the call order is
// A -> B -> C -> h.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Sequential builds a BatchHandler from a single-message Handler. Messages
// are handled in order; once one fails, the remaining ones are not invoked
// and are reported with ErrBatchAborted.
func Sequential(h Handler) BatchHandler {
	return func(ctx context.Context, batch []*Message) []Result {
		results := make([]Result, len(batch))
		var failed bool
		for i, m := range batch {
			results[i].Message = m
			if failed {
				results[i].Err = ErrBatchAborted
				continue
			}
			if err := invoke(ctx, h, m); err != nil {
				results[i].Err = err
				failed = true
			}
		}
		return results
	}
}

// WholeBatch adapts a function that handles the batch as a unit. The error
// it returns, if any, is reported for every message.
func WholeBatch(fn func(ctx context.Context, batch []*Message) error) BatchHandler {
	return func(ctx context.Context, batch []*Message) []Result {
		err := fn(ctx, batch)
		results := make([]Result, len(batch))
		for i, m := range batch {
			results[i] = Result{Message: m, Err: err}
		}
		return results
	}
}

// invoke runs h and turns a panic into a HandlerError.
func invoke(ctx context.Context, h Handler, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Tag: m.Tag(), Err: panicError(r)}
		}
	}()
	if err := h(ctx, m); err != nil {
		return &HandlerError{Tag: m.Tag(), Err: err}
	}
	return nil
}

func panicError(r any) error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return fmt.Errorf("panic recovered: %v\n%s", r, buf[:n])
}
