package shipment

import (
	"errors"
	"strings"
)

// Shipment is the slice of a shipment the tracking core cares about.
type Shipment struct {
	ID       string `json:"id"`
	DriverID string `json:"driverId,omitempty"`
	Status   Status `json:"status"`
}

var (
	ErrIDRequired = errors.New("shipment id is required")
)

// Validate checks invariants of the Shipment.
func (shipment Shipment) Validate() error {
	if strings.TrimSpace(shipment.ID) == "" {
		return ErrIDRequired
	}
	if !shipment.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// Assigned reports whether a driver is attached.
func (shipment Shipment) Assigned() bool {
	return strings.TrimSpace(shipment.DriverID) != ""
}

// Tracked reports whether the shipment has an assigned driver on an active route.
func (shipment Shipment) Tracked() bool {
	return shipment.Assigned() && shipment.Status.RouteRelevant()
}

// Relevant keeps only tracked shipments, at most one per driver (the first seen wins).
func Relevant(all []Shipment) []Shipment {
	seen := make(map[string]struct{}, len(all))
	out := make([]Shipment, 0, len(all))
	for _, s := range all {
		if !s.Tracked() {
			continue
		}
		if _, dup := seen[s.DriverID]; dup {
			continue
		}
		seen[s.DriverID] = struct{}{}
		out = append(out, s)
	}
	return out
}
