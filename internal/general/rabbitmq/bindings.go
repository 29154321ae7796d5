package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"fleet-track/internal/general/contracts"
)

// declareTopology ensures the events exchange and a private, server-named queue for this session.
func declareTopology(ch *amqp.Channel) (string, error) {
	if err := ch.ExchangeDeclare(contracts.ExchangeFleetEvents, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", contracts.ExchangeFleetEvents, err)
	}

	// exclusive + auto-delete: the queue disappears with the connection
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare session queue: %w", err)
	}
	return q.Name, nil
}

// tenantBinding is the routing pattern receiving every event of a tenant.
func tenantBinding(tenantID string) string {
	return contracts.RouteTenantPrefix + tenantID + ".#"
}

// eventFromRoutingKey extracts the event name from tenant.{tenant_id}.{event}.
func eventFromRoutingKey(key string) string {
	rest, ok := strings.CutPrefix(key, contracts.RouteTenantPrefix)
	if !ok {
		return ""
	}
	_, event, ok := strings.Cut(rest, ".")
	if !ok {
		return ""
	}
	return event
}
