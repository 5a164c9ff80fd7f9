// Package batchmux provides the top-level API for consuming a broker queue
// in batches. It re-exports core types for convenience, so users can write:
//
//	q, _ := batchmux.Open(ctx, cfg)
//	p := batchmux.NewAtomicBatch(10, batchmux.Sequential(handler))
//	err := q.Consume(ctx, p)
package batchmux

import (
	"context"
	"fmt"

	"github.com/miladsoleymani/batchmux/broker"
	"github.com/miladsoleymani/batchmux/config"
	"github.com/miladsoleymani/batchmux/core"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Message      = core.Message
	Handler      = core.Handler
	BatchHandler = core.BatchHandler
	Result       = core.Result
	Middleware   = core.Middleware
	Policy       = core.Policy
	Queue        = core.Queue
	Transport    = core.Transport
)

var (
	Sequential     = core.Sequential
	WholeBatch     = core.WholeBatch
	Chain          = core.Chain
	NewAtomicBatch = core.NewAtomicBatch
	NewPerMessage  = core.NewPerMessage
)

// Open dials the transport registered for the scheme of cfg.URL and binds
// it to cfg.Queue. The transport plugin must be imported for its side
// effect, e.g. _ "github.com/miladsoleymani/batchmux/plugins/rabbitmq".
func Open(ctx context.Context, cfg broker.Config, opts ...core.Option) (*Queue, error) {
	return broker.Open(ctx, cfg, opts...)
}

// PolicyFor builds the policy named by cfg around h. The batch policy runs
// h over each message in order and stops at the first failure.
func PolicyFor(cfg config.ConsumerConfig, h Handler, opts ...core.PolicyOption) (Policy, error) {
	opts = append([]core.PolicyOption{core.WithRequeue(cfg.Requeue)}, opts...)
	switch cfg.Policy {
	case config.PolicyBatch:
		return core.NewAtomicBatch(cfg.BatchSize, core.Sequential(h), opts...), nil
	case config.PolicySingle:
		return core.NewPerMessage(h, append(opts, core.WithWindowSize(cfg.WindowSize))...), nil
	default:
		return nil, fmt.Errorf("batchmux: unknown policy %q", cfg.Policy)
	}
}
