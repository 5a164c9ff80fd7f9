package core

import "context"

// Acknowledger settles deliveries on the broker.
type Acknowledger interface {
	Ack(ctx context.Context, tag DeliveryTag) error
	Reject(ctx context.Context, tag DeliveryTag, requeue bool) error
}

// Transport is the contract every broker plugin implements. It is the only
// component allowed to talk to the broker connection.
//
// Subscribe returns a channel of deliveries that the transport closes when
// the subscription ends, either through Unsubscribe or because the
// connection was lost. SubscriptionErr tells the two apart. Errors returned
// by any method are transport-fatal: they are propagated to the caller and
// never retried here.
type Transport interface {
	Acknowledger

	// SetPrefetch limits how many unacknowledged deliveries the broker
	// pushes before pausing. It applies to subsequent subscriptions.
	SetPrefetch(ctx context.Context, n int) error

	Subscribe(ctx context.Context, queue, subscription string) (<-chan Delivery, error)
	Unsubscribe(ctx context.Context, subscription string) error

	// SubscriptionErr reports the failure that closed the subscription's
	// channel. It is nil while the subscription is live and when the broker
	// ended it cleanly, and is only meaningful until Unsubscribe.
	SubscriptionErr(subscription string) error

	// Publish sends body to queue. From the caller's side it is
	// fire-and-forget: nothing correlates it with a later ack.
	Publish(ctx context.Context, queue string, body []byte, persistent bool) error

	Close() error
}

// Purger is implemented by transports that can drop all ready messages.
type Purger interface {
	Purge(ctx context.Context, queue string) (int, error)
}

// Deleter is implemented by transports that can delete a queue.
type Deleter interface {
	Delete(ctx context.Context, queue string) error
}
