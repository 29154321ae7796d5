package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fleet-track/internal/domain/geo"
)

var ErrEmptyPath = errors.New("path needs at least one point")

// ParsePath reads "lat,lng;lat,lng;..." into points.
func ParsePath(s string) ([]geo.Point, error) {
	var out []geo.Point
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		latStr, lngStr, ok := strings.Cut(part, ",")
		if !ok {
			return nil, fmt.Errorf("point %q: expected lat,lng", part)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", part, err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", part, err)
		}
		if !geo.ValidLatitude(lat) {
			return nil, fmt.Errorf("point %q: %w", part, geo.ErrInvalidLatitude)
		}
		if !geo.ValidLongitude(lng) {
			return nil, fmt.Errorf("point %q: %w", part, geo.ErrInvalidLongitude)
		}
		out = append(out, geo.Point{Lat: lat, Lng: lng})
	}
	if len(out) == 0 {
		return nil, ErrEmptyPath
	}
	return out, nil
}
