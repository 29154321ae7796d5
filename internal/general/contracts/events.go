package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/shipment"
)

var (
	ErrEmptyPayload = errors.New("empty event payload")
	ErrInvalidEvent = errors.New("invalid event payload")
)

var validate = validator.New()

// Event is a decoded, validated real-time event.
type Event interface {
	EventName() string
}

// DriverLocationUpdate is the payload of driver-location-update.
type DriverLocationUpdate struct {
	DriverID string          `json:"driverId" validate:"required"`
	Location LocationPayload `json:"location"`
	Source   string          `json:"source,omitempty"`
}

func (DriverLocationUpdate) EventName() string { return EventDriverLocationUpdate }

// Simulated reports whether the backend flagged the update as synthetic.
func (update DriverLocationUpdate) Simulated() bool {
	return strings.EqualFold(update.Source, SourceSimulated)
}

// Sample returns the carried position.
func (update DriverLocationUpdate) Sample() geo.PositionSample {
	return update.Location.Sample()
}

// ShipmentStatusUpdate is the payload of shipment-status-update.
type ShipmentStatusUpdate struct {
	ShipmentID      string          `json:"shipmentId" validate:"required"`
	NewStatus       shipment.Status `json:"newStatus" validate:"required"`
	DriverID        string          `json:"driverId,omitempty"`
	PendingApproval bool            `json:"pendingApproval,omitempty"`
}

func (ShipmentStatusUpdate) EventName() string { return EventShipmentStatusUpdate }

// RawEvent carries events this client has no typed shape for.
type RawEvent struct {
	Name    string
	Payload json.RawMessage
}

func (event RawEvent) EventName() string { return event.Name }

// DecodeEvent turns a named frame into a typed, validated event.
// Location timestamps missing on the wire are stamped with receivedAt.
func DecodeEvent(name string, payload []byte, receivedAt time.Time) (Event, error) {
	switch name {
	case EventDriverLocationUpdate:
		var update DriverLocationUpdate
		if err := decodePayload(payload, &update); err != nil {
			return nil, err
		}
		if err := validate.Struct(update); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, name, err)
		}
		if update.Location.Timestamp.IsZero() {
			update.Location.Timestamp = receivedAt.UTC()
		}
		return update, nil

	case EventShipmentStatusUpdate:
		var update ShipmentStatusUpdate
		if err := decodePayload(payload, &update); err != nil {
			return nil, err
		}
		if err := validate.Struct(update); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, name, err)
		}
		status, err := shipment.ParseStatus(update.NewStatus.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, name, err)
		}
		update.NewStatus = status
		return update, nil

	default:
		return RawEvent{Name: name, Payload: append(json.RawMessage(nil), payload...)}, nil
	}
}

// decodePayload rejects empty or malformed payloads. Unknown fields are
// ignored so the backend can add to an event without breaking clients.
func decodePayload(payload []byte, v any) error {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
