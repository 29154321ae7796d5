package driver

import (
	"errors"
	"strings"
)

// Driver is a roster entry: the identity the dashboard shows next to a marker.
type Driver struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

var (
	ErrIDRequired = errors.New("driver id is required")
)

// NewDriver trims and validates the identity fields.
func NewDriver(id, name string, online bool) (Driver, error) {
	driver := Driver{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name), Online: online}
	if driver.ID == "" {
		return Driver{}, ErrIDRequired
	}
	if driver.Name == "" {
		driver.Name = driver.ID
	}
	return driver, nil
}
