package transport

import (
	"errors"
	"fmt"

	"fleet-track/internal/general/config"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/general/rabbitmq"
	"fleet-track/internal/general/redisbus"
	"fleet-track/internal/general/websocket"
	"fleet-track/internal/ports"
)

var ErrUnknownTransport = errors.New("unknown channel transport")

// NewDialer picks the realtime transport named in channel.transport.
func NewDialer(cfg *config.Config, logger *logger.Logger) (ports.Dialer, error) {
	switch cfg.Channel.Transport {
	case config.TransportWebSocket, "":
		return websocket.NewDialer(cfg.Channel.URL, logger), nil
	case config.TransportAMQP:
		return rabbitmq.NewDialer(cfg, logger), nil
	case config.TransportRedis:
		return redisbus.NewDialer(cfg.Redis, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Channel.Transport)
	}
}
