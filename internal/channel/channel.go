// Package channel carries outbox intents from the writer to the dispatcher.
// Delivery is at least once; a message is redelivered until acknowledged.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/teatrace/internal/config"
)

const (
	DriverKafka    = "kafka"
	DriverRabbitMQ = "rabbitmq"
)

var ErrClosed = errors.New("channel closed")

type Publisher interface {
	// Publish returns once the broker has durably accepted the message.
	Publish(ctx context.Context, key string, body []byte) error
	Close() error
}

// Delivery is one fetched message. Ack must be called exactly once after the
// message was handled; until then the broker holds back the next one.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
}

type Subscriber interface {
	Fetch(ctx context.Context) (Delivery, error)
	Close() error
}

func NewPublisher(cfg config.Config) (Publisher, error) {
	switch cfg.Channel.Driver {
	case DriverKafka:
		return NewKafkaProducer(kafkaConfig(cfg)), nil
	case DriverRabbitMQ:
		return DialRabbitMQ(cfg.RabbitMQ.URL, cfg.Channel.Topic)
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.Channel.Driver)
	}
}

func NewSubscriber(cfg config.Config) (Subscriber, error) {
	switch cfg.Channel.Driver {
	case DriverKafka:
		return NewKafkaConsumer(kafkaConfig(cfg)), nil
	case DriverRabbitMQ:
		return DialRabbitMQ(cfg.RabbitMQ.URL, cfg.Channel.Topic)
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.Channel.Driver)
	}
}

func kafkaConfig(cfg config.Config) KafkaConfig {
	return KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Channel.Topic,
		GroupID:        cfg.Kafka.GroupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		WriteTimeoutMs: cfg.Kafka.WriteTimeoutMs,
	}
}
