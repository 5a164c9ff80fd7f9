package redis

import "time"

// Option configures the Redis transport.
type Option func(*options)

type options struct {
	prefix       string
	pollInterval time.Duration
}

func defaults() options {
	return options{
		prefix:       "batchmux",
		pollInterval: 100 * time.Millisecond,
	}
}

// WithPrefix sets the key prefix of the queue lists.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithPollInterval sets how long the pump sleeps when the ready list is empty.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}
