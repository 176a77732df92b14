package broker

import "context"

// Message is a domain event leaving the engine
type Message struct {
	Topic          string
	IdempotencyKey string
	Body           []byte
}

// Producer defines a producer publishing domain events via message broker
type Producer interface {
	Close()
	Publish(ctx context.Context, msg Message) error
}
