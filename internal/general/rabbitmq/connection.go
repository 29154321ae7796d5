package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"fleet-track/internal/general/config"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

// Dialer opens broker-backed realtime connections. Reconnects are driven by the caller.
type Dialer struct {
	url      string
	logger   *logger.Logger
	prefetch int
}

// BrokerURL builds the AMQP URL from config.
func BrokerURL(cfg config.RabbitMQ) string {
	u := &url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/",
		User:   url.UserPassword(cfg.User, cfg.Password),
	}
	return u.String()
}

// NewDialer creates a Dialer for the configured broker.
func NewDialer(cfg *config.Config, logger *logger.Logger) *Dialer {
	return &Dialer{
		url:      BrokerURL(cfg.RabbitMQ),
		logger:   logger,
		prefetch: 32,
	}
}

// Dial connects, declares topology and starts consuming on a private queue.
// The broker authenticates with its own user; the session credential is not sent.
func (dialer *Dialer) Dial(ctx context.Context, _ string) (ports.Conn, error) {
	timeout := 30 * time.Second
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}

	// establish connection with sane defaults
	conn, err := amqp.DialConfig(dialer.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		dialer.logger.Error(ctx, "rabbitmq_dial_failed", "Failed to dial RabbitMQ", err, nil)
		return nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		dialer.logger.Error(ctx, "rabbitmq_open_channel_failed", "Failed to open RabbitMQ channel", err, nil)
		return nil, fmt.Errorf("rabbitmq: failed to open channel: %w", err)
	}

	queue, err := declareTopology(ch)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		dialer.logger.Error(ctx, "rabbitmq_declare_topology_failed", "Failed to declare RabbitMQ topology", err, nil)
		return nil, fmt.Errorf("rabbitmq: failed to declare topology: %w", err)
	}

	consumer, err := newConsumer(ch, queue, dialer.prefetch)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	dialer.logger.Info(ctx, "rabbitmq_connected", "RabbitMQ connection established successfully", map[string]any{
		"queue": queue,
	})

	return &Conn{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		consumer: consumer,
		connLost: conn.NotifyClose(make(chan *amqp.Error, 1)),
		logger:   dialer.logger,
	}, nil
}
