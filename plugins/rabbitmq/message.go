package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/batchmux/core"
)

// channel is the subset of *amqp.Channel used by the transport.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Reject(tag uint64, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueuePurge(name string, noWait bool) (int, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	IsClosed() bool
	Close() error
}

var _ channel = (*amqp.Channel)(nil)

// toDelivery adapts an amqp.Delivery to core.Delivery.
func toDelivery(d amqp.Delivery) core.Delivery {
	return core.Delivery{
		Tag:         core.DeliveryTag(d.DeliveryTag),
		Body:        d.Body,
		Redelivered: d.Redelivered,
		ContentType: d.ContentType,
	}
}

// forward copies deliveries from src to out until src closes or done is
// closed, then closes out. ended runs before out closes when src closed on
// its own. After done, deliveries still in hand or buffered in src are
// requeued until the library closes src on cancel.
func forward(src <-chan amqp.Delivery, out chan<- core.Delivery, done <-chan struct{}, ended func(), requeue func(tag uint64)) {
	defer func() {
		for d := range src {
			requeue(d.DeliveryTag)
		}
	}()
	defer close(out)
	for {
		select {
		case <-done:
			return
		case d, ok := <-src:
			if !ok {
				ended()
				return
			}
			select {
			case out <- toDelivery(d):
			case <-done:
				requeue(d.DeliveryTag)
				return
			}
		}
	}
}
