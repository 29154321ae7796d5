package service

import (
	"context"
	"errors"
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
	"fleet-track/internal/software/channel"
	"fleet-track/internal/software/livetrack"
)

var ErrDriverNotFound = errors.New("driver not on the map")

// ConnectionStatus reports the realtime connection state.
type ConnectionStatus interface {
	Status() (channel.Status, error)
}

// RouteLister exposes the cached routes.
type RouteLister interface {
	Route(driverID string) (route.Record, bool)
	Routes() []route.Record
}

// Overview is the whole-fleet payload of the dashboard map.
type Overview struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Connection  Connection             `json:"connection"`
	Viewport    livetrack.Viewport     `json:"viewport"`
	Drivers     []livetrack.DriverView `json:"drivers"`
	RoutesKnown int                    `json:"routesKnown"`
}

// DriverDetail is the driver-detail map payload.
type DriverDetail struct {
	Driver   livetrack.DriverView `json:"driver"`
	Distance string               `json:"distance,omitempty"`
	ETA      string               `json:"eta"`
	Route    *route.Record        `json:"route,omitempty"`
}

type Connection struct {
	Status channel.Status `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// FleetService serves read-only views over the live tracking state.
type FleetService struct {
	tracker *livetrack.Tracker
	routes  RouteLister
	conn    ConnectionStatus
	now     func() time.Time
}

func NewFleetService(tracker *livetrack.Tracker, routes RouteLister, conn ConnectionStatus) *FleetService {
	return &FleetService{tracker: tracker, routes: routes, conn: conn, now: time.Now}
}

func (svc *FleetService) Overview(ctx context.Context) Overview {
	now := svc.now()
	overview := Overview{
		GeneratedAt: now.UTC(),
		Connection:  svc.connection(),
		Viewport:    svc.tracker.Viewport(),
		Drivers:     svc.tracker.Snapshot(now),
	}
	if svc.routes != nil {
		overview.RoutesKnown = len(svc.routes.Routes())
	}
	return overview
}

func (svc *FleetService) Driver(ctx context.Context, driverID string) (DriverDetail, error) {
	view, ok := svc.tracker.Driver(driverID, svc.now())
	if !ok {
		return DriverDetail{}, ErrDriverNotFound
	}
	detail := DriverDetail{Driver: view, ETA: view.ETA.String()}
	if view.HasRoute {
		detail.Distance = geo.FormatDistance(view.RemainingMeters)
		if svc.routes != nil {
			if record, ok := svc.routes.Route(driverID); ok {
				detail.Route = &record
			}
		}
	}
	return detail, nil
}

func (svc *FleetService) Viewport(ctx context.Context) livetrack.Viewport {
	return svc.tracker.Viewport()
}

// Select focuses the map on a visible driver, or clears the focus with an empty id.
func (svc *FleetService) Select(ctx context.Context, driverID string, follow bool) (livetrack.Viewport, error) {
	if driverID != "" {
		if _, ok := svc.tracker.Driver(driverID, svc.now()); !ok {
			return livetrack.Viewport{}, ErrDriverNotFound
		}
	}
	svc.tracker.Select(driverID, follow)
	return svc.tracker.Viewport(), nil
}

// Connection reports the realtime link for health checks.
func (svc *FleetService) Connection(ctx context.Context) Connection {
	return svc.connection()
}

func (svc *FleetService) connection() Connection {
	if svc.conn == nil {
		return Connection{Status: channel.StatusDisconnected}
	}
	status, err := svc.conn.Status()
	c := Connection{Status: status}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}
