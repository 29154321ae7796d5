package route

import (
	"errors"
	"strings"
	"time"

	"fleet-track/internal/domain/geo"
)

// Phase tells which leg of the shipment the route covers.
type Phase string

const (
	PhaseToPickup   Phase = "TO_PICKUP"
	PhaseToDelivery Phase = "TO_DELIVERY"
)

var (
	ErrInvalidPhase = errors.New("invalid route phase")
	// ErrNotMaterialized means the backend has not computed a route yet. It is not a failure.
	ErrNotMaterialized = errors.New("route not yet available")
	ErrDeliveryPoint   = errors.New("delivery point out of range")
)

// ParsePhase normalizes (uppercases+trims) and validates a phase string.
func ParsePhase(in string) (Phase, error) {
	phase := Phase(strings.ToUpper(strings.TrimSpace(in)))
	if phase.Valid() {
		return phase, nil
	}
	return "", ErrInvalidPhase
}

func (phase Phase) Valid() bool {
	return phase == PhaseToPickup || phase == PhaseToDelivery
}

func (phase Phase) String() string {
	return string(phase)
}

// Record is the cached active route of one driver. It is replaced wholesale, never merged.
type Record struct {
	DriverID   string      `json:"driverId"`
	ShipmentID string      `json:"shipmentId"`
	Points     []geo.Point `json:"routePoints"`
	Phase      Phase       `json:"phase"`
	Delivery   geo.Point   `json:"deliveryPoint"`
	FetchedAt  time.Time   `json:"fetchedAt"`
}

// Validate checks the phase and the delivery target.
func (record Record) Validate() error {
	if !record.Phase.Valid() {
		return ErrInvalidPhase
	}
	if !geo.ValidLatitude(record.Delivery.Lat) || !geo.ValidLongitude(record.Delivery.Lng) {
		return ErrDeliveryPoint
	}
	return nil
}

// Clone returns a copy that shares no slices with the receiver.
func (record Record) Clone() Record {
	out := record
	if record.Points != nil {
		out.Points = append([]geo.Point(nil), record.Points...)
	}
	return out
}

// Remaining returns the distance left to the delivery target from the given position:
// along the route from its nearest point, or in a straight line when the route has no points.
func (record Record) Remaining(lat, lng float64) float64 {
	if len(record.Points) == 0 {
		return geo.Distance(lat, lng, record.Delivery.Lat, record.Delivery.Lng)
	}
	step := geo.NearestPointIndex(lat, lng, record.Points)
	return geo.RouteRemainingDistance(lat, lng, record.Points, step)
}
