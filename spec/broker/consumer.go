package broker

import "context"

// Delivery is a message received from the broker. ID is the delivery identifier
// used for idempotent processing and is stable across redeliveries.
type Delivery struct {
	ID    string
	Topic string
	Body  []byte

	Ack  func() error
	Nack func(requeue bool) error
}

// Consumer defines a consumer receiving messages via message broker
type Consumer interface {
	Close()
	Receive(ctx context.Context, topic string) (<-chan Delivery, error)
}
