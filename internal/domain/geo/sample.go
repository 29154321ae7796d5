package geo

import (
	"errors"
	"math"
	"time"
)

// Point is a bare WGS-84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PositionSample is a single device fix as it travels from the sensor to the backend.
type PositionSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
	ErrMissingTimestamp = errors.New("timestamp must be a valid time")
)

// Device acquisition failures. Position sources return (or wrap) one of these.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrAcquireTimeout      = errors.New("location request timed out")
)

// NewSample builds a sample stamped with the given time (UTC) and validates it.
func NewSample(lat, lng float64, at time.Time) (PositionSample, error) {
	s := PositionSample{Latitude: lat, Longitude: lng, Timestamp: at.UTC()}
	if err := s.Validate(); err != nil {
		return PositionSample{}, err
	}
	return s, nil
}

// Validate checks the coordinate ranges. Out-of-range values are rejected, never clamped.
func (s PositionSample) Validate() error {
	if !ValidLatitude(s.Latitude) {
		return ErrInvalidLatitude
	}
	if !ValidLongitude(s.Longitude) {
		return ErrInvalidLongitude
	}
	if s.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// Point drops the timestamp.
func (s PositionSample) Point() Point {
	return Point{Lat: s.Latitude, Lng: s.Longitude}
}

// SamePosition reports whether two samples sit on the exact same coordinates.
func (s PositionSample) SamePosition(o PositionSample) bool {
	return s.Latitude == o.Latitude && s.Longitude == o.Longitude
}

// Displayable reports whether the coordinates can be put on a map:
// finite, in range, and neither axis exactly zero.
func (p Point) Displayable() bool {
	if !ValidLatitude(p.Lat) || !ValidLongitude(p.Lng) {
		return false
	}
	return p.Lat != 0 && p.Lng != 0
}

func ValidLatitude(v float64) bool {
	return finite(v) && v >= -90 && v <= 90
}

func ValidLongitude(v float64) bool {
	return finite(v) && v >= -180 && v <= 180
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
