package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/batchmux/core"
)

// Logging returns middleware that logs message processing duration and errors.
func Logging(l zerolog.Logger) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(ctx context.Context, m *core.Message) error {
			start := time.Now()
			err := next(ctx, m)
			elapsed := time.Since(start)

			if err != nil {
				l.Error().
					Str("queue", m.Queue()).
					Uint64("tag", uint64(m.Tag())).
					Dur("elapsed", elapsed).
					Bytes("raw_message", m.Body()).
					Err(err).
					Msg("message failed")
			} else {
				l.Info().
					Str("queue", m.Queue()).
					Uint64("tag", uint64(m.Tag())).
					Dur("elapsed", elapsed).
					Msg("message handled")
			}
			return err
		}
	}
}
