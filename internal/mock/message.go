package mock

import (
	"context"
	"sync"

	"github.com/miladsoleymani/batchmux/core"
)

// Acker is a core.Acknowledger that records calls without a broker.
type Acker struct {
	mu        sync.Mutex
	Acked     []core.DeliveryTag
	Rejected  []Rejection
	AckErr    error
	RejectErr error
}

// Rejection records one Reject call.
type Rejection struct {
	Tag     core.DeliveryTag
	Requeue bool
}

func (a *Acker) Ack(_ context.Context, tag core.DeliveryTag) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AckErr != nil {
		return a.AckErr
	}
	a.Acked = append(a.Acked, tag)
	return nil
}

func (a *Acker) Reject(_ context.Context, tag core.DeliveryTag, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RejectErr != nil {
		return a.RejectErr
	}
	a.Rejected = append(a.Rejected, Rejection{Tag: tag, Requeue: requeue})
	return nil
}

// Messages builds one message per body on queue "test", tagged 1..n.
func Messages(a core.Acknowledger, bodies ...string) []*core.Message {
	out := make([]*core.Message, len(bodies))
	for i, body := range bodies {
		d := core.Delivery{Tag: core.DeliveryTag(i + 1), Body: []byte(body)}
		out[i] = core.NewMessage(d, "test", a, nil)
	}
	return out
}
