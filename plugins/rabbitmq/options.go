package rabbitmq

import "time"

// Option configures the RabbitMQ transport.
type Option func(*options)

type options struct {
	// Exchange settings
	exchange     string
	exchangeType string

	// Queue settings
	durable    bool
	autoDelete bool
	exclusive  bool
	messageTTL time.Duration

	// Connection settings
	dialTimeout time.Duration
	contentType string
}

func defaults() options {
	return options{
		exchange:     "",       // default exchange, routing key = queue name
		exchangeType: "direct", // direct, fanout, topic, headers
		durable:      true,
		dialTimeout:  300 * time.Second,
		contentType:  "application/json",
	}
}

// WithExchange publishes through the named exchange and binds the queue to
// it with the queue name as routing key. Exchanges named "amq.*" are
// predeclared by the broker and only bound.
func WithExchange(name, kind string) Option {
	return func(o *options) {
		o.exchange = name
		o.exchangeType = kind
	}
}

// WithDurable controls whether queues survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithAutoDelete causes the queue to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}

// WithExclusive declares the queue exclusive to this connection.
func WithExclusive(e bool) Option {
	return func(o *options) { o.exclusive = e }
}

// WithMessageTTL sets the x-message-ttl argument of the declared queue.
func WithMessageTTL(d time.Duration) Option {
	return func(o *options) { o.messageTTL = d }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithContentType sets the content type of published messages.
func WithContentType(ct string) Option {
	return func(o *options) { o.contentType = ct }
}
