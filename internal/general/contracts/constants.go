package contracts

// Real-time event names.
const (
	EventDriverLocationUpdate = "driver-location-update"
	EventShipmentStatusUpdate = "shipment-status-update"
)

// SourceSimulated marks location updates produced by the backend simulator.
const SourceSimulated = "SIMULATED"

// Exchanges
const (
	ExchangeFleetEvents = "fleet_events"
)

// Routing patterns
const (
	RouteTenantPrefix = "tenant." // tenant.{tenant_id}.{event}
)

// Redis pub/sub
const (
	RedisChannelFormat = "fleet:%s:events" // tenant id
)

// GroupPrefix prefixes the tenant id in websocket join frames.
const GroupPrefix = "tenant-"
