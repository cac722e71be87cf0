package queue

import "context"

type AckNacker interface {
	Ack() error              // Acknowledge successful processing.
	Nack(requeue bool) error // Reject processing. requeue=true puts it back on the bus.
}

// Delivery is one message received from the bus, still undecoded.
type Delivery struct {
	Topic     string         // Routing key or topic the message was published to
	Headers   map[string]any // Transport headers, already converted to plain Go values
	MessageID string
	Body      []byte
	Acker     AckNacker // Settles the delivery with the broker
}

// Consumer streams deliveries from the bus.
type Consumer interface {
	// Consume starts receiving. The returned channel is closed when ctx is
	// done or the underlying subscription ends. Every delivery must be
	// settled through its Acker.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// Close releases any resources held by the consumer (e.g., connections).
	Close() error
}

// Publisher puts messages on the bus, used to feed fixtures and replays.
type Publisher interface {
	Publish(ctx context.Context, topic string, headers map[string]any, body []byte) error
	Close() error
}

// Inspector is implemented by buses that can report their backlog.
type Inspector interface {
	Depth() (int, error)
}
