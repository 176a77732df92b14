package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/miragespace/billing/spec/broker"

	"github.com/nats-io/nats.go"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ broker.Producer = &NATSBroker{}
var _ broker.Consumer = &NATSBroker{}

type NATSOptions struct {
	URL string
	// Stream is the JetStream stream holding the subjects below
	Stream   string
	Subjects []string
	// Durable prefixes the durable consumer names of this service
	Durable string
	Logger  *zap.Logger
}

// NATSBroker describes a message broker via NATS JetStream. Topics are used
// as subjects verbatim and the idempotency key becomes the Nats-Msg-Id, so
// the stream drops duplicates inside its window.
type NATSBroker struct {
	NATSOptions
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATSBroker connects and makes sure the stream exists
func NewNATSBroker(option NATSOptions) (*NATSBroker, error) {
	if option.URL == "" {
		option.URL = nats.DefaultURL
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Stream == "" {
		option.Stream = "PLATFORM"
	}
	if len(option.Subjects) == 0 {
		option.Subjects = []string{"payments.>", "users.>", "billing.>", "schools.>"}
	}
	if option.Durable == "" {
		option.Durable = "billing"
	}
	conn, err := nats.Connect(option.URL,
		nats.Name("billing"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, extErrors.Wrap(err, "Cannot create JetStream context")
	}
	if _, err := js.StreamInfo(option.Stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     option.Stream,
			Subjects: option.Subjects,
			Storage:  nats.FileStorage,
		}); err != nil {
			conn.Close()
			return nil, extErrors.Wrap(err, "Cannot create stream")
		}
	}
	return &NATSBroker{
		NATSOptions: option,
		conn:        conn,
		js:          js,
	}, nil
}

// Close drains subscriptions and closes the connection
func (n *NATSBroker) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// Publish sends msg and waits for the stream acknowledgement
func (n *NATSBroker) Publish(ctx context.Context, msg broker.Message) error {
	if _, err := n.js.Publish(msg.Topic, msg.Body,
		nats.MsgId(msg.IdempotencyKey),
		nats.Context(ctx),
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish message")
	}
	return nil
}

func durableName(prefix, topic string) string {
	return prefix + "_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// Receive creates a durable consumer for topic with explicit acks. Messages
// in flight when ctx is done are handed back for redelivery.
func (n *NATSBroker) Receive(ctx context.Context, topic string) (<-chan broker.Delivery, error) {
	rChan := make(chan broker.Delivery)
	done := make(chan struct{})
	sub, err := n.js.Subscribe(topic, func(m *nats.Msg) {
		select {
		case rChan <- natsDelivery(topic, m):
		case <-done:
			m.Nak()
		}
	},
		nats.Durable(durableName(n.Durable, topic)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	go func() {
		<-ctx.Done()
		close(done)
		if err := sub.Unsubscribe(); err != nil {
			n.Logger.Warn("Cannot unsubscribe",
				zap.String("Topic", topic),
				zap.Error(err),
			)
		}
	}()
	return rChan, nil
}

func natsDelivery(topic string, m *nats.Msg) broker.Delivery {
	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		if meta, err := m.Metadata(); err == nil {
			id = fmt.Sprintf("nats:%s:%d", meta.Stream, meta.Sequence.Stream)
		} else {
			id = "nats:" + contentID(topic, m.Data)
		}
	}
	return broker.Delivery{
		ID:    id,
		Topic: topic,
		Body:  m.Data,
		Ack: func() error {
			return m.Ack()
		},
		Nack: func(requeue bool) error {
			if requeue {
				return m.Nak()
			}
			return m.Term()
		},
	}
}
