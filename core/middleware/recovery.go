package middleware

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/miladsoleymani/batchmux/core"
)

// Recovery returns middleware that recovers from panics in handlers,
// logs the stack trace, and returns the panic as an error.
func Recovery(l zerolog.Logger) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(ctx context.Context, m *core.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					l.Error().
						Str("queue", m.Queue()).
						Uint64("tag", uint64(m.Tag())).
						Str("stack", string(buf[:n])).
						Msgf("panic recovered: %v", r)
					err = fmt.Errorf("batchmux: panic recovered: %v", r)
				}
			}()
			return next(ctx, m)
		}
	}
}
