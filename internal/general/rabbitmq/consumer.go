package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

var ErrConsumerClosed = errors.New("rabbitmq: consumer closed")

// newConsumer applies prefetch and starts a manual-ack consumer on the queue.
func newConsumer(ch *amqp.Channel, queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("rabbitmq: set QoS (prefetch=%d): %w", prefetch, err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag, server generated
		false, // autoAck
		true,  // exclusive
		false, // noLocal (ignored by RabbitMQ)
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: consume(%s): %w", queue, err)
	}
	return deliveries, nil
}

// Conn is one broker session delivering tenant events.
type Conn struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	consumer <-chan amqp.Delivery
	connLost chan *amqp.Error
	logger   *logger.Logger

	closeOnce sync.Once
}

// Join binds the session queue to the tenant's routing pattern.
func (c *Conn) Join(ctx context.Context, tenantID string) error {
	key := tenantBinding(tenantID)
	if err := c.ch.QueueBind(c.queue, key, contracts.ExchangeFleetEvents, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", c.queue, key, err)
	}
	c.logger.Debug(ctx, "rabbitmq_tenant_bound", "Session queue bound to tenant events", map[string]any{
		"queue":       c.queue,
		"routing_key": key,
	})
	return nil
}

// Next waits for the next delivery. Messages whose event cannot be named are dropped.
func (c *Conn) Next(ctx context.Context) (ports.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return ports.Frame{}, ctx.Err()

		case cerr := <-c.connLost:
			if cerr != nil {
				return ports.Frame{}, fmt.Errorf("rabbitmq: connection lost: %w", cerr)
			}
			return ports.Frame{}, ErrConsumerClosed

		case d, ok := <-c.consumer:
			if !ok {
				return ports.Frame{}, ErrConsumerClosed
			}

			event := d.Type
			if event == "" {
				event = eventFromRoutingKey(d.RoutingKey)
			}
			if event == "" {
				_ = d.Nack(false, false) // drop poison message
				c.logger.Error(ctx, "rabbitmq_unnamed_event", "Dropping delivery without event name", nil, map[string]any{
					"routing_key": d.RoutingKey,
				})
				continue
			}
			_ = d.Ack(false)
			return ports.Frame{Event: event, Payload: d.Body}, nil
		}
	}
}

// Close releases the channel and connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.ch != nil {
			_ = c.ch.Close()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
