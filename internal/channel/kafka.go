package channel

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int // default 1B
	MaxBytes       int // default 1MB
	MaxWait        time.Duration
	WriteTimeoutMs int
}

// KafkaConsumer is a thin wrapper around segmentio/kafka-go Reader. Offsets
// are committed synchronously on Ack, one message at a time.
type KafkaConsumer struct {
	r *kafka.Reader
}

func NewKafkaConsumer(c KafkaConfig) *KafkaConsumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 1 << 20 // 1MB
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 250 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		MaxWait:        mw,
		CommitInterval: 0,
		QueueCapacity:  1,
	})

	return &KafkaConsumer{r: r}
}

type kafkaDelivery struct {
	r *kafka.Reader
	m kafka.Message
}

func (d kafkaDelivery) Body() []byte { return d.m.Value }

func (d kafkaDelivery) Ack(ctx context.Context) error {
	return d.r.CommitMessages(ctx, d.m)
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Delivery, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return kafkaDelivery{r: c.r, m: m}, nil
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }

// KafkaProducer writes intents keyed by signer, so one account's intents stay
// on one partition.
type KafkaProducer struct {
	w *kafka.Writer
}

func NewKafkaProducer(c KafkaConfig) *KafkaProducer {
	wt := time.Duration(c.WriteTimeoutMs) * time.Millisecond
	if wt <= 0 {
		wt = 5 * time.Second
	}
	return &KafkaProducer{w: &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           wt,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaProducer) Publish(ctx context.Context, key string, body []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body})
}

func (p *KafkaProducer) Close() error { return p.w.Close() }
