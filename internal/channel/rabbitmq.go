package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes to and consumes from one durable queue. Consumption uses
// prefetch 1 with manual acks.
type RabbitMQ struct {
	conn  *amqp.Connection
	pub   *amqp.Channel
	sub   *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

func DialRabbitMQ(url, queue string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	r := &RabbitMQ{conn: conn, queue: queue}

	if r.pub, err = conn.Channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = r.pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if _, err = r.pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare %s: %w", queue, err)
	}

	if r.sub, err = conn.Channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = r.sub.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq qos: %w", err)
	}
	return r, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, key string, body []byte) error {
	conf, err := r.pub.PublishWithDeferredConfirmWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Body:         body,
	})
	if err != nil {
		return err
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("rabbitmq: publish nacked")
	}
	return nil
}

type rabbitDelivery struct {
	d amqp.Delivery
}

func (d rabbitDelivery) Body() []byte { return d.d.Body }

func (d rabbitDelivery) Ack(context.Context) error { return d.d.Ack(false) }

func (r *RabbitMQ) Fetch(ctx context.Context) (Delivery, error) {
	r.mu.Lock()
	if r.deliveries == nil {
		ch, err := r.sub.Consume(r.queue, "", false, false, false, false, nil)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("rabbitmq consume: %w", err)
		}
		r.deliveries = ch
	}
	deliveries := r.deliveries
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return rabbitDelivery{d: d}, nil
	}
}

func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}
