package core

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Policy decides how a drained batch is handled and settled. The
// consumption loop depends on this interface only.
type Policy interface {
	// WindowSize is the prefetch count and buffer capacity for a pass.
	WindowSize() int

	// Dispatch handles batch and acks or rejects every message in it.
	// Handler failures are absorbed; only transport errors are returned.
	Dispatch(ctx context.Context, batch []*Message) error
}

// PolicyOption configures AtomicBatch and PerMessage.
type PolicyOption func(*policyOptions)

type policyOptions struct {
	logger  zerolog.Logger
	hook    ErrorHook
	requeue bool
	window  int
}

func policyDefaults() policyOptions {
	return policyOptions{
		logger:  zerolog.Nop(),
		requeue: true,
		window:  1,
	}
}

// WithPolicyLogger sets the logger used for consume and settle events.
func WithPolicyLogger(l zerolog.Logger) PolicyOption {
	return func(o *policyOptions) { o.logger = l }
}

// WithErrorHook registers fn to be called for each failed message after it
// has been rejected.
func WithErrorHook(fn ErrorHook) PolicyOption {
	return func(o *policyOptions) { o.hook = fn }
}

// WithRequeue controls whether failed messages are requeued (the default)
// or discarded.
func WithRequeue(requeue bool) PolicyOption {
	return func(o *policyOptions) { o.requeue = requeue }
}

// WithWindowSize overrides the prefetch window of PerMessage. It has no
// effect on AtomicBatch, whose window is its batch size.
func WithWindowSize(n int) PolicyOption {
	return func(o *policyOptions) { o.window = n }
}

// ---------------------------------------------------------------------------
// Atomic batch
// ---------------------------------------------------------------------------

// AtomicBatch hands the whole batch to a BatchHandler once. If every message
// succeeds the batch is acked in delivery order, otherwise every message is
// rejected in delivery order and none is acked.
//
// This is atomic only from the handler's point of view. Each ack or reject
// is an independent broker call, so a crash in the middle of settling can
// leave a batch partially acknowledged.
type AtomicBatch struct {
	size    int
	handler BatchHandler
	opts    policyOptions
}

// NewAtomicBatch returns an AtomicBatch policy for batches of up to size
// messages.
func NewAtomicBatch(size int, h BatchHandler, fns ...PolicyOption) *AtomicBatch {
	opts := policyDefaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &AtomicBatch{size: size, handler: h, opts: opts}
}

func (p *AtomicBatch) WindowSize() int { return p.size }

func (p *AtomicBatch) Dispatch(ctx context.Context, batch []*Message) error {
	if len(batch) == 0 {
		return nil
	}

	results := p.run(ctx, batch)
	var failures []Result
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, r)
		}
	}

	if len(failures) == 0 {
		for _, m := range batch {
			if err := m.Ack(ctx); err != nil {
				return err
			}
			logSettled(p.opts.logger, m, "message_ack", "ACK-ing message")
		}
		p.opts.logger.Info().
			Str("queue", batch[0].Queue()).
			Str("event", "consume_success").
			Int("messages_consumed", len(batch)).
			Msg("messages consumed")
		return nil
	}

	for _, f := range failures {
		if errors.Is(f.Err, ErrBatchAborted) {
			continue
		}
		p.opts.logger.Error().
			Str("queue", f.Message.Queue()).
			Str("event", "consume_failure").
			Bytes("raw_message", f.Message.Body()).
			Err(f.Err).
			Msg("consume failed")
	}

	for _, m := range batch {
		if err := m.Reject(ctx, p.opts.requeue); err != nil {
			return err
		}
		logSettled(p.opts.logger, m, rejectEvent(p.opts.requeue), "Rejecting message")
	}

	if p.opts.hook != nil {
		for _, f := range failures {
			if !errors.Is(f.Err, ErrBatchAborted) {
				p.opts.hook(ctx, f.Message, f.Err)
			}
		}
	}
	return nil
}

// run invokes the handler exactly once. A panic or a malformed result set
// fails every message of the batch.
func (p *AtomicBatch) run(ctx context.Context, batch []*Message) (results []Result) {
	defer func() {
		if r := recover(); r != nil {
			results = failAll(batch, panicError(r))
		}
	}()

	results = p.handler(ctx, batch)
	if len(results) != len(batch) {
		return failAll(batch, ErrResultMismatch)
	}
	for i := range results {
		results[i].Message = batch[i]
	}
	return results
}

func failAll(batch []*Message, err error) []Result {
	results := make([]Result, len(batch))
	for i, m := range batch {
		results[i] = Result{Message: m, Err: &HandlerError{Tag: m.Tag(), Err: err}}
	}
	return results
}

// ---------------------------------------------------------------------------
// Per message
// ---------------------------------------------------------------------------

// PerMessage handles and settles messages one at a time. A failure on one
// message never changes the outcome of any other.
type PerMessage struct {
	handler Handler
	opts    policyOptions
}

// NewPerMessage returns a PerMessage policy with a window of 1 unless
// WithWindowSize says otherwise.
func NewPerMessage(h Handler, fns ...PolicyOption) *PerMessage {
	opts := policyDefaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &PerMessage{handler: h, opts: opts}
}

func (p *PerMessage) WindowSize() int { return p.opts.window }

func (p *PerMessage) Dispatch(ctx context.Context, batch []*Message) error {
	for _, m := range batch {
		if err := p.handle(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *PerMessage) handle(ctx context.Context, m *Message) error {
	herr := invoke(ctx, p.handler, m)
	if herr == nil {
		if err := m.Ack(ctx); err != nil {
			return err
		}
		logSettled(p.opts.logger, m, "message_ack", "ACK-ing message")
		return nil
	}

	p.opts.logger.Error().
		Str("queue", m.Queue()).
		Str("event", "consume_failure").
		Bytes("raw_message", m.Body()).
		Err(herr).
		Msg("consume failed")

	if err := m.Reject(ctx, p.opts.requeue); err != nil {
		return err
	}
	logSettled(p.opts.logger, m, rejectEvent(p.opts.requeue), "Rejecting message")

	if p.opts.hook != nil {
		p.opts.hook(ctx, m, herr)
	}
	return nil
}

func rejectEvent(requeue bool) string {
	if requeue {
		return "message_rejected"
	}
	return "message_discarded"
}

func logSettled(l zerolog.Logger, m *Message, event, msg string) {
	l.Debug().
		Str("queue", m.Queue()).
		Str("event", event).
		Bytes("raw_message", m.Body()).
		Msg(msg)
}
