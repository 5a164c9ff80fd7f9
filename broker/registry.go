package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/miladsoleymani/batchmux/core"
)

// ErrInvalidScheme is returned for a connection URL whose scheme has no
// registered transport. It is a configuration error and never retried.
var ErrInvalidScheme = errors.New("batchmux: invalid connection url")

// Factory opens a Transport for the given Config.
type Factory func(ctx context.Context, cfg Config) (core.Transport, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a factory for a URL scheme. Plugins call this from init().
func Register(scheme string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(scheme)] = factory
}

// Schemes lists the registered URL schemes in sorted order.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dial opens a Transport using the factory registered for the scheme of cfg.URL.
func Dial(ctx context.Context, cfg Config) (core.Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScheme, err)
	}

	mu.RLock()
	f, ok := factories[strings.ToLower(u.Scheme)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidScheme, u.Scheme)
	}

	t, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("batchmux: open %s: %w", Redact(cfg.URL), err)
	}
	return t, nil
}

// Open dials the transport for cfg and binds it to cfg.Queue.
func Open(ctx context.Context, cfg Config, opts ...core.Option) (*core.Queue, error) {
	if cfg.Queue == "" {
		return nil, errors.New("batchmux: queue name is required")
	}
	t, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return core.NewQueue(t, cfg.Queue, opts...), nil
}

// Redact hides the password of a connection URL so it can be logged.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
