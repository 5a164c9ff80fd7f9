package nats

import (
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/batchmux/core"
	"github.com/miladsoleymani/batchmux/internal/flow"
)

// settler is the subset of jetstream.Msg used to settle a delivery.
type settler interface {
	Ack() error
	Nak() error
	Term() error
}

// toDelivery adapts a JetStream message to core.Delivery. The tag is
// assigned by the caller.
func toDelivery(msg jetstream.Msg) core.Delivery {
	d := core.Delivery{Body: msg.Data()}
	if meta, err := msg.Metadata(); err == nil {
		d.Redelivered = meta.NumDelivered > 1
	}
	if h := msg.Headers(); h != nil {
		d.ContentType = h.Get("Content-Type")
	}
	return d
}

// pump moves messages from next to out until next fails or done closes,
// then closes out. A failure of next while the subscription is live is
// passed to fail. A message that cannot be handed over is nak'ed so the
// server redelivers it without waiting for AckWait.
func pump(next func() (settler, core.Delivery, error), ledger *flow.Ledger[settler], out chan<- core.Delivery, done <-chan struct{}, fail func(error)) {
	defer close(out)
	for {
		msg, d, err := next()
		if err != nil {
			select {
			case <-done:
			default:
				fail(err)
			}
			return
		}
		d.Tag = ledger.Track(msg)
		select {
		case out <- d:
		case <-done:
			ledger.Take(d.Tag)
			_ = msg.Nak()
			return
		}
	}
}
