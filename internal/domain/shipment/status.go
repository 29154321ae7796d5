package shipment

import (
	"errors"
	"strings"
)

// Status is a shipment lifecycle status as reported by the backend.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

var ErrInvalidStatus = errors.New("invalid shipment status")

// ParseStatus normalizes (uppercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed shipment status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusPending, StatusApproved, StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// CanTransitionTo specifies if the status can transition to the next status.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusApproved || next == StatusCancelled

	case StatusApproved:
		return next == StatusPickedUp || next == StatusCancelled

	case StatusPickedUp:
		return next == StatusInTransit || next == StatusDelivered || next == StatusCancelled

	case StatusInTransit:
		return next == StatusDelivered || next == StatusCancelled

	default:
		return false
	}
}

// RouteRelevant reports whether a driver on a shipment in this status has an active route.
func (status Status) RouteRelevant() bool {
	return status == StatusApproved || status == StatusPickedUp || status == StatusInTransit
}

// RequiresSharing reports whether the assigned driver must be sharing location.
func (status Status) RequiresSharing() bool {
	return status.RouteRelevant()
}

// Terminal indicates if the shipment is finished.
func (status Status) Terminal() bool {
	return status == StatusDelivered || status == StatusCancelled
}
