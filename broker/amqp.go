// Package broker adapts RabbitMQ and NATS JetStream to the bus interfaces
// of spec/broker.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/miragespace/billing/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ broker.Producer = &AMQPBroker{}
var _ broker.Consumer = &AMQPBroker{}

const defaultPrefetch = 16

type AMQPOptions struct {
	URI string
	// QueuePrefix names the durable queues of this service, e.g. "billing"
	QueuePrefix string
	Prefetch    int
	Logger      *zap.Logger
}

// AMQPBroker describes a message broker via RabbitMQ. Topics map to topic
// exchanges named after their first segment, so "payments.payment_failed"
// is published to exchange "payments" with the full topic as routing key.
type AMQPBroker struct {
	AMQPOptions
	connection *amqp.Connection

	mu        sync.Mutex
	channel   *amqp.Channel
	confirms  chan amqp.Confirmation
	published uint64
	declared  map[string]bool
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(option AMQPOptions) (*AMQPBroker, error) {
	if option.URI == "" {
		return nil, fmt.Errorf("empty URI is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.QueuePrefix == "" {
		option.QueuePrefix = "billing"
	}
	if option.Prefetch <= 0 {
		option.Prefetch = defaultPrefetch
	}
	amqpConn, err := amqp.Dial(option.URI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	if err := amqpChan.Confirm(false); err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot enable publisher confirms")
	}
	return &AMQPBroker{
		AMQPOptions: option,
		connection:  amqpConn,
		channel:     amqpChan,
		confirms:    amqpChan.NotifyPublish(make(chan amqp.Confirmation, 1)),
		declared:    make(map[string]bool),
	}, nil
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func exchangeOf(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}

// Publish sends msg and waits for the broker to confirm it
func (a *AMQPBroker) Publish(ctx context.Context, msg broker.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	exchange := exchangeOf(msg.Topic)
	if !a.declared[exchange] {
		if err := declareExchange(a.channel, exchange); err != nil {
			return extErrors.Wrap(err, "Cannot declare exchange")
		}
		a.declared[exchange] = true
	}

	if err := a.channel.Publish(
		exchange,
		msg.Topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.IdempotencyKey,
			Body:         msg.Body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish message")
	}
	a.published++
	tag := a.published

	for {
		select {
		case <-ctx.Done():
			return extErrors.Wrap(ctx.Err(), "Publish was not confirmed")
		case c, ok := <-a.confirms:
			if !ok {
				return fmt.Errorf("broker channel closed before confirm")
			}
			if c.DeliveryTag < tag {
				// confirm of an earlier publish abandoned on timeout
				continue
			}
			if !c.Ack {
				return fmt.Errorf("broker rejected message %s", msg.IdempotencyKey)
			}
			return nil
		}
	}
}

// Receive binds a durable queue for topic and delivers its messages with
// manual acknowledgement. The channel closes when ctx is done.
func (a *AMQPBroker) Receive(ctx context.Context, topic string) (<-chan broker.Delivery, error) {
	ch, err := a.connection.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	if err := ch.Qos(a.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, extErrors.Wrap(err, "Cannot set prefetch")
	}
	exchange := exchangeOf(topic)
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, extErrors.Wrap(err, "Cannot declare exchange")
	}
	qName := a.QueuePrefix + "." + topic
	if _, err := ch.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := ch.QueueBind(
		qName,
		topic,
		exchange,
		false,
		nil,
	); err != nil {
		ch.Close()
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := ch.Consume(
		qName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}

	rChan := make(chan broker.Delivery)
	go func() {
		defer close(rChan)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgChan:
				if !ok {
					a.Logger.Warn("Consumer channel closed",
						zap.String("Topic", topic),
					)
					return
				}
				select {
				case rChan <- amqpDelivery(topic, d):
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			}
		}
	}()
	return rChan, nil
}

func amqpDelivery(topic string, d amqp.Delivery) broker.Delivery {
	id := d.MessageId
	if id == "" {
		id = "amqp:" + contentID(topic, d.Body)
	}
	return broker.Delivery{
		ID:    id,
		Topic: topic,
		Body:  d.Body,
		Ack: func() error {
			return d.Ack(false)
		},
		Nack: func(requeue bool) error {
			return d.Nack(false, requeue)
		},
	}
}

// contentID identifies messages published without an id by their content
func contentID(topic string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
