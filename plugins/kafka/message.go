package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/batchmux/core"
)

// redeliveredHeader marks messages republished by a requeueing reject.
const redeliveredHeader = "batchmux-redelivered"

// reader is the subset of *kafka.Reader used by the transport.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writer is the subset of *kafka.Writer used by the transport.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ reader = (*kafka.Reader)(nil)
	_ writer = (*kafka.Writer)(nil)
)

func toDelivery(m kafka.Message) core.Delivery {
	d := core.Delivery{Body: m.Value}
	for _, h := range m.Headers {
		switch h.Key {
		case redeliveredHeader:
			d.Redelivered = true
		case "content-type":
			d.ContentType = string(h.Value)
		}
	}
	return d
}

// requeued copies m for republishing with the redelivered marker set.
func requeued(m kafka.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers)+1)
	for _, h := range m.Headers {
		if h.Key != redeliveredHeader {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafka.Header{Key: redeliveredHeader, Value: []byte("1")})
	return kafka.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
	}
}
