package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"fleet-track/internal/general/config"
	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

var (
	ErrNotJoined = errors.New("redisbus: join before reading")
	ErrClosed    = errors.New("redisbus: subscription closed")
)

// envelope mirrors the websocket {type, data} frame so both transports carry the same bytes.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChannelFor returns the pub/sub channel of a tenant.
func ChannelFor(tenantID string) string {
	return fmt.Sprintf(contracts.RedisChannelFormat, tenantID)
}

// Dialer opens pub/sub sessions against one Redis server.
type Dialer struct {
	opts   *redis.Options
	logger *logger.Logger
}

// NewDialer creates a Dialer from config.
func NewDialer(cfg config.Redis, logger *logger.Logger) *Dialer {
	return &Dialer{
		opts: &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		logger: logger,
	}
}

// Dial connects and verifies the server answers. The session credential is not used by Redis.
func (dialer *Dialer) Dial(ctx context.Context, _ string) (ports.Conn, error) {
	rdb := redis.NewClient(dialer.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		dialer.logger.Error(ctx, "redis_dial_failed", "Failed to reach Redis", err, map[string]any{"addr": dialer.opts.Addr})
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	dialer.logger.Info(ctx, "redis_connected", "Redis connection established", map[string]any{"addr": dialer.opts.Addr})
	return &Conn{rdb: rdb, logger: dialer.logger}, nil
}

// Conn is one Redis pub/sub session.
type Conn struct {
	rdb    *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	msgs   <-chan *redis.Message

	closeOnce sync.Once
}

// Join subscribes to the tenant channel and waits for the confirmation.
func (c *Conn) Join(ctx context.Context, tenantID string) error {
	channel := ChannelFor(tenantID)
	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	old := c.pubsub
	c.pubsub = pubsub
	c.msgs = pubsub.Channel()
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.logger.Debug(ctx, "redis_subscribed", "Subscribed to tenant channel", map[string]any{"channel": channel})
	return nil
}

// Next returns the next event published on the tenant channel.
func (c *Conn) Next(ctx context.Context) (ports.Frame, error) {
	c.mu.Lock()
	msgs := c.msgs
	c.mu.Unlock()
	if msgs == nil {
		return ports.Frame{}, ErrNotJoined
	}

	for {
		select {
		case <-ctx.Done():
			return ports.Frame{}, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ports.Frame{}, ErrClosed
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Type == "" {
				c.logger.Error(ctx, "redis_bad_frame", "Dropping malformed pub/sub message", err, map[string]any{
					"channel": msg.Channel,
				})
				continue
			}
			return ports.Frame{Event: env.Type, Payload: env.Data}, nil
		}
	}
}

// Close drops the subscription and the client.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.pubsub != nil {
			_ = c.pubsub.Close()
		}
		c.mu.Unlock()
		err = c.rdb.Close()
	})
	return err
}

// Publish sends one event to a tenant channel in the shared envelope format.
func Publish(ctx context.Context, rdb *redis.Client, tenantID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	payload, err := json.Marshal(envelope{Type: event, Data: raw})
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, ChannelFor(tenantID), payload).Err()
}
