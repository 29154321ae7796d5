package ports

import (
	"context"

	"fleet-track/internal/domain/driver"
	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
	"fleet-track/internal/domain/shipment"
)

// LocationSender transmits a validated sample for a driver.
type LocationSender interface {
	SendLocation(ctx context.Context, driverID string, sample geo.PositionSample) error
}

// WatchHandle releases a running position watch. Clear is idempotent.
type WatchHandle interface {
	Clear()
}

// PositionSource is the device location sensor.
type PositionSource interface {
	// Current acquires one fix. Failures wrap geo.ErrPermissionDenied,
	// geo.ErrAcquireTimeout or geo.ErrPositionUnavailable.
	Current(ctx context.Context) (geo.PositionSample, error)
	// Watch delivers fixes (or acquisition errors) until the handle is cleared or ctx is done.
	Watch(ctx context.Context, fn func(geo.PositionSample, error)) (WatchHandle, error)
}

// RouteSource fetches the active route of a shipment. A route the backend has
// not computed yet is reported as route.ErrNotMaterialized.
type RouteSource interface {
	ActiveRoute(ctx context.Context, shipmentID string) (route.Record, error)
}

// ShipmentSource lists shipments the tracking core should know about.
type ShipmentSource interface {
	ListActiveShipments(ctx context.Context) ([]shipment.Shipment, error)
}

// RouteReader gives read-only access to cached routes.
type RosterSource interface {
	ListDrivers(ctx context.Context) ([]driver.Driver, error)
}

type RouteReader interface {
	Route(driverID string) (route.Record, bool)
}
