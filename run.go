package batchmux

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/core"
)

// Opener connects a fresh Queue. Run calls it at start and after every
// transport failure.
type Opener func(ctx context.Context) (*Queue, error)

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	restartDelay time.Duration
	logger       zerolog.Logger
}

// WithRestartDelay sets the pause before reconnecting. Defaults to 5s.
func WithRestartDelay(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d >= 0 {
			o.restartDelay = d
		}
	}
}

// WithRunLogger sets the logger for connection events.
func WithRunLogger(l zerolog.Logger) RunOption {
	return func(o *runOptions) { o.logger = l }
}

// Run consumes with p until ctx is cancelled, calling Consume back to
// back. A transport failure closes the queue and reopens it after the
// restart delay; so does a failed open. Any other error is returned, as is
// an invalid connection URL or plugin setting. Cancellation returns nil.
func Run(ctx context.Context, open Opener, p Policy, fns ...RunOption) error {
	o := runOptions{restartDelay: 5 * time.Second, logger: zerolog.Nop()}
	for _, fn := range fns {
		fn(&o)
	}
	log := o.logger

	for {
		q, err := open(ctx)
		switch {
		case ctx.Err() != nil:
			if q != nil {
				q.Close()
			}
			return nil
		case errors.Is(err, broker.ErrInvalidScheme), errors.Is(err, broker.ErrInvalidExtra):
			return err
		case err != nil:
			log.Error().Err(err).Dur("restart_in", o.restartDelay).Msg("failed to open queue")
		default:
			log.Info().Str("queue", q.Name()).Msg("consuming")
			err = consume(ctx, q, p)
			if cerr := q.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("queue", q.Name()).Msg("close queue")
			}
			if err == nil {
				return nil
			}
			if !core.IsTransportError(err) {
				return err
			}
			log.Error().Err(err).Str("queue", q.Name()).Dur("restart_in", o.restartDelay).Msg("transport failed, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.restartDelay):
		}
	}
}

// consume runs passes until ctx ends or a pass fails.
func consume(ctx context.Context, q *Queue, p Policy) error {
	for {
		err := q.Consume(ctx, p)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
