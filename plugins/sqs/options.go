package sqs

// Option configures the SQS transport.
type Option func(*options)

type options struct {
	region            string
	endpoint          string
	waitTimeSeconds   int32
	visibilityTimeout int32
	createQueue       bool
	retentionSeconds  int64
}

func defaults() options {
	return options{
		waitTimeSeconds:   20,
		visibilityTimeout: 30,
		createQueue:       true,
	}
}

// WithRegion overrides the region from the default AWS config chain.
func WithRegion(r string) Option {
	return func(o *options) { o.region = r }
}

// WithEndpoint points the client at a custom endpoint, such as LocalStack.
func WithEndpoint(url string) Option {
	return func(o *options) { o.endpoint = url }
}

// WithWaitTime sets the long-poll duration of ReceiveMessage (0-20 seconds).
func WithWaitTime(seconds int32) Option {
	return func(o *options) {
		if seconds >= 0 && seconds <= 20 {
			o.waitTimeSeconds = seconds
		}
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden
// from other consumers before it is redelivered.
func WithVisibilityTimeout(seconds int32) Option {
	return func(o *options) {
		if seconds >= 0 {
			o.visibilityTimeout = seconds
		}
	}
}

// WithCreateQueue controls whether a missing queue is created on open.
func WithCreateQueue(create bool) Option {
	return func(o *options) { o.createQueue = create }
}

// WithRetention sets MessageRetentionPeriod of created queues. SQS accepts
// 60 to 1209600 seconds.
func WithRetention(seconds int64) Option {
	return func(o *options) { o.retentionSeconds = seconds }
}
