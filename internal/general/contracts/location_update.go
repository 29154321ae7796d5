package contracts

import (
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
)

// LocationPayload is the body of POST /drivers/:id/location and the
// location object inside driver-location-update events.
type LocationPayload struct {
	Latitude  *float64  `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64  `json:"longitude" validate:"required,gte=-180,lte=180"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLocationPayload converts a sample for the wire.
func NewLocationPayload(s geo.PositionSample) LocationPayload {
	lat, lng := s.Latitude, s.Longitude
	return LocationPayload{Latitude: &lat, Longitude: &lng, Timestamp: s.Timestamp.UTC()}
}

// Sample converts the payload back into a domain sample. Missing coordinates become zero.
func (payload LocationPayload) Sample() geo.PositionSample {
	var s geo.PositionSample
	if payload.Latitude != nil {
		s.Latitude = *payload.Latitude
	}
	if payload.Longitude != nil {
		s.Longitude = *payload.Longitude
	}
	s.Timestamp = payload.Timestamp
	return s
}

// RouteResponse is the data object of GET /shipments/:id/route.
type RouteResponse struct {
	RoutePoints   []GeoPoint `json:"routePoints"`
	Phase         string     `json:"phase" validate:"required"`
	DeliveryPoint GeoPoint   `json:"deliveryPoint"`
}

// Record converts the response into a route record for the driver.
func (resp RouteResponse) Record(driverID, shipmentID string, fetchedAt time.Time) (route.Record, error) {
	phase, err := route.ParsePhase(resp.Phase)
	if err != nil {
		return route.Record{}, err
	}
	points := make([]geo.Point, 0, len(resp.RoutePoints))
	for _, p := range resp.RoutePoints {
		points = append(points, geo.Point{Lat: p.Lat, Lng: p.Lng})
	}
	rec := route.Record{
		DriverID:   driverID,
		ShipmentID: shipmentID,
		Points:     points,
		Phase:      phase,
		Delivery:   geo.Point{Lat: resp.DeliveryPoint.Lat, Lng: resp.DeliveryPoint.Lng},
		FetchedAt:  fetchedAt.UTC(),
	}
	if err := rec.Validate(); err != nil {
		return route.Record{}, err
	}
	return rec, nil
}

// ShipmentBrief is one element of GET /shipments.
type ShipmentBrief struct {
	ID       string `json:"id"`
	DriverID string `json:"driverId,omitempty"`
	Status   string `json:"status"`
}

// DriverBrief is one element of GET /drivers.
type DriverBrief struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}
