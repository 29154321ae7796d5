package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fleet-track/internal/domain/driver"
	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
	"fleet-track/internal/domain/shipment"
	"fleet-track/internal/general/contracts"
)

// RouteRepo reads computed routes, active shipments and the driver roster straight from the backend database.
type RouteRepo struct {
	db Querier
}

// NewRouteRepo constructs a new RouteRepo.
func NewRouteRepo(db Querier) *RouteRepo {
	return &RouteRepo{db: db}
}

// ActiveRoute returns the newest route computed for a shipment.
// A shipment without a row yet yields route.ErrNotMaterialized.
func (repo *RouteRepo) ActiveRoute(ctx context.Context, shipmentID string) (route.Record, error) {
	var (
		out       route.Record
		driverID  *string
		phaseText string
		rawPoints []byte
	)

	err := repo.db.QueryRow(ctx, `
		SELECT driver_id, phase, route_points, delivery_lat, delivery_lng, updated_at
		FROM shipment_routes
		WHERE shipment_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, shipmentID).Scan(&driverID, &phaseText, &rawPoints, &out.Delivery.Lat, &out.Delivery.Lng, &out.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return route.Record{}, route.ErrNotMaterialized
		}
		return route.Record{}, fmt.Errorf("select shipment route: %w", err)
	}

	phase, err := route.ParsePhase(phaseText)
	if err != nil {
		return route.Record{}, err
	}

	// route_points is a jsonb array of {lat,lng}
	var points []contracts.GeoPoint
	if len(rawPoints) > 0 {
		if err := json.Unmarshal(rawPoints, &points); err != nil {
			return route.Record{}, fmt.Errorf("decode route_points: %w", err)
		}
	}
	out.Points = make([]geo.Point, 0, len(points))
	for _, p := range points {
		out.Points = append(out.Points, geo.Point{Lat: p.Lat, Lng: p.Lng})
	}

	out.ShipmentID = shipmentID
	if driverID != nil {
		out.DriverID = *driverID
	}
	out.Phase = phase
	out.FetchedAt = out.FetchedAt.UTC()

	if err := out.Validate(); err != nil {
		return route.Record{}, err
	}
	return out, nil
}

// ListActiveShipments returns shipments in a route-relevant status.
func (repo *RouteRepo) ListActiveShipments(ctx context.Context) ([]shipment.Shipment, error) {
	rows, err := repo.db.Query(ctx, `
		SELECT id, driver_id, status
		FROM shipments
		WHERE status = ANY($1)
		ORDER BY updated_at DESC
	`, []string{
		shipment.StatusApproved.String(),
		shipment.StatusPickedUp.String(),
		shipment.StatusInTransit.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("select active shipments: %w", err)
	}
	defer rows.Close()

	var out []shipment.Shipment
	for rows.Next() {
		var (
			s          shipment.Shipment
			driverID   *string
			statusText string
		)
		if err := rows.Scan(&s.ID, &driverID, &statusText); err != nil {
			return nil, err
		}
		status, err := shipment.ParseStatus(statusText)
		if err != nil {
			continue
		}
		s.Status = status
		if driverID != nil {
			s.DriverID = *driverID
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDrivers returns the roster; any status other than OFFLINE counts as online.
func (repo *RouteRepo) ListDrivers(ctx context.Context) ([]driver.Driver, error) {
	rows, err := repo.db.Query(ctx, `
		SELECT d.id, COALESCE(u.name, ''), d.status
		FROM drivers d
		LEFT JOIN users u ON u.id = d.id
		ORDER BY u.name, d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("select drivers: %w", err)
	}
	defer rows.Close()

	var out []driver.Driver
	for rows.Next() {
		var id, name, status string
		if err := rows.Scan(&id, &name, &status); err != nil {
			return nil, err
		}
		d, err := driver.NewDriver(id, name, status != "OFFLINE")
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
