package livetrack

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"fleet-track/internal/domain/driver"
	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type staticRoutes map[string]route.Record

func (r staticRoutes) Route(driverID string) (route.Record, bool) {
	rec, ok := r[driverID]
	return rec, ok
}

type fakeBus struct {
	handlers map[string]ports.EventHandler
}

func (b *fakeBus) Subscribe(consumerID, event string, handler ports.EventHandler) string {
	if b.handlers == nil {
		b.handlers = make(map[string]ports.EventHandler)
	}
	token := consumerID + "/" + event
	b.handlers[token] = handler
	return token
}

func (b *fakeBus) Unsubscribe(token string) { delete(b.handlers, token) }

func (b *fakeBus) publish(event contracts.Event) {
	for _, h := range b.handlers {
		h(context.Background(), event)
	}
}

func newTestTracker(routes ports.RouteReader, opts Options) *Tracker {
	tracker := NewTracker(routes, opts, logger.NewWithOutput("test", io.Discard))
	tracker.now = func() time.Time { return t0 }
	return tracker
}

func update(driverID string, lat, lng float64, at time.Time) contracts.DriverLocationUpdate {
	return contracts.DriverLocationUpdate{
		DriverID: driverID,
		Location: contracts.NewLocationPayload(geo.PositionSample{Latitude: lat, Longitude: lng, Timestamp: at}),
	}
}

func TestApplyDerivesSpeedAndBearing(t *testing.T) {
	tracker := newTestTracker(nil, Options{})

	if !tracker.Apply(update("d1", 40.0, -74.0, t0)) {
		t.Fatalf("first sample rejected")
	}
	if !tracker.Apply(update("d1", 40.001, -74.0, t0.Add(10*time.Second))) {
		t.Fatalf("second sample rejected")
	}

	view, ok := tracker.Driver("d1", t0.Add(time.Hour))
	if !ok {
		t.Fatalf("driver should be visible")
	}
	if math.Abs(view.SpeedKmh-40) > 0.5 {
		t.Fatalf("speed %.2f, want about 40", view.SpeedKmh)
	}
	if view.BearingDeg > 0.5 && view.BearingDeg < 359.5 {
		t.Fatalf("bearing %.2f, want about 0", view.BearingDeg)
	}
	if len(view.Trail) != 2 || view.Position.Lat != 40.001 {
		t.Fatalf("unexpected trail %+v", view.Trail)
	}
	if view.ETA.Known || view.HasRoute {
		t.Fatalf("no route means no ETA")
	}
}

func TestDuplicateSampleIsDropped(t *testing.T) {
	tracker := newTestTracker(nil, Options{})
	tracker.Apply(update("d1", 40.0, -74.0, t0))
	tracker.Apply(update("d1", 40.001, -74.0, t0.Add(10*time.Second)))
	before, _ := tracker.Driver("d1", t0)

	if tracker.Apply(update("d1", 40.001, -74.0, t0.Add(20*time.Second))) {
		t.Fatalf("duplicate position must be dropped")
	}
	after, _ := tracker.Driver("d1", t0)
	if len(tracker.History("d1")) != 2 {
		t.Fatalf("history grew on a duplicate")
	}
	if after.SpeedKmh != before.SpeedKmh || after.BearingDeg != before.BearingDeg {
		t.Fatalf("kinematics recomputed on a duplicate")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	tracker := newTestTracker(nil, Options{HistoryCapacity: 3})
	for i := 0; i < 5; i++ {
		tracker.Apply(update("d1", 40+float64(i)*0.001, -74, t0.Add(time.Duration(i)*time.Second)))
	}
	history := tracker.History("d1")
	if len(history) != 3 {
		t.Fatalf("history length %d, want 3", len(history))
	}
	if history[0].Latitude != 40.002 || history[2].Latitude != 40.004 {
		t.Fatalf("oldest entries should be evicted first: %+v", history)
	}
}

func TestInvalidUpdatesAreRejected(t *testing.T) {
	tracker := newTestTracker(nil, Options{})
	if tracker.Apply(update("d1", 95, -74, t0)) {
		t.Fatalf("out of range latitude accepted")
	}
	if tracker.Apply(update("", 40, -74, t0)) {
		t.Fatalf("update without driver accepted")
	}

	// missing coordinates decode to zero: stored, never displayed
	tracker.Apply(contracts.DriverLocationUpdate{DriverID: "d1", Location: contracts.LocationPayload{}})
	if _, ok := tracker.Driver("d1", t0); ok {
		t.Fatalf("zero coordinates must not be displayable")
	}
}

func TestSnapshotOmitsUndisplayableDrivers(t *testing.T) {
	tracker := newTestTracker(nil, Options{})
	tracker.Apply(update("d1", 40, -74, t0))
	tracker.Apply(update("d2", 0, -74, t0))
	tracker.Apply(update("d3", 41, 0, t0))

	views := tracker.Snapshot(t0)
	if len(views) != 1 || views[0].DriverID != "d1" {
		t.Fatalf("unexpected views %+v", views)
	}
}

func TestRosterNamesAndFilters(t *testing.T) {
	tracker := newTestTracker(nil, Options{})
	tracker.Apply(update("d1", 40, -74, t0))
	tracker.Apply(update("d2", 41, -73, t0))
	tracker.Apply(update("d3", 42, -72, t0))

	alice, _ := driver.NewDriver("d2", "Alice", true)
	bob, _ := driver.NewDriver("d1", "Bob", false)
	tracker.SetRoster([]driver.Driver{bob, alice})

	views := tracker.Snapshot(t0)
	if len(views) != 2 {
		t.Fatalf("expected roster members only, got %+v", views)
	}
	if views[0].Name != "Alice" || !views[0].Online || views[1].Name != "Bob" {
		t.Fatalf("unexpected order or names %+v", views)
	}
}

func TestRouteDrivesRemainingDistanceAndETA(t *testing.T) {
	routes := staticRoutes{
		"d1": {DriverID: "d1", Phase: route.PhaseToDelivery, Delivery: geo.Point{Lat: 40.1, Lng: -74.0}},
		"d2": {
			DriverID: "d2",
			Phase:    route.PhaseToPickup,
			Points:   []geo.Point{{Lat: 41.0, Lng: -73.0}, {Lat: 41.01, Lng: -73.0}, {Lat: 41.02, Lng: -73.0}},
			Delivery: geo.Point{Lat: 41.02, Lng: -73.0},
		},
	}
	tracker := newTestTracker(routes, Options{})

	tracker.Apply(update("d1", 40.0, -74.0, t0))
	tracker.Apply(update("d1", 40.001, -74.0, t0.Add(10*time.Second)))

	view, _ := tracker.Driver("d1", t0)
	want := geo.Distance(40.001, -74.0, 40.1, -74.0)
	if !view.HasRoute || view.Phase != route.PhaseToDelivery || math.Abs(view.RemainingMeters-want) > 1e-6 {
		t.Fatalf("unexpected route view %+v", view)
	}
	if eta := geo.EstimateArrival(want, view.SpeedKmh); view.ETA != eta || !view.ETA.Known {
		t.Fatalf("eta %+v, want %+v", view.ETA, eta)
	}

	// a stationary driver on a route has an unknown ETA
	tracker.Apply(update("d2", 41.0, -73.0, t0))
	view, _ = tracker.Driver("d2", t0)
	if !view.HasRoute || view.ETA.Known {
		t.Fatalf("stationary driver should have unknown ETA: %+v", view)
	}
	if math.Abs(view.RemainingMeters-geo.Distance(41.0, -73.0, 41.02, -73.0)) > 1 {
		t.Fatalf("remaining along the route %.1f", view.RemainingMeters)
	}
}

func TestMarkerEasesOutTowardsLatestSample(t *testing.T) {
	tracker := newTestTracker(nil, Options{AnimationWindow: time.Second})
	tracker.Apply(update("d1", 40.0, -74.0, t0))
	tracker.Apply(update("d1", 40.001, -74.0, t0.Add(10*time.Second)))

	start, _ := tracker.Driver("d1", t0)
	if start.Marker.Lat != 40.0 {
		t.Fatalf("marker should start at the previous position, got %v", start.Marker)
	}

	mid, _ := tracker.Driver("d1", t0.Add(500*time.Millisecond))
	wantMid := 40.0 + 0.001*0.875
	if math.Abs(mid.Marker.Lat-wantMid) > 1e-9 {
		t.Fatalf("mid marker %.7f, want %.7f", mid.Marker.Lat, wantMid)
	}

	end, _ := tracker.Driver("d1", t0.Add(2*time.Second))
	if end.Marker != end.Position {
		t.Fatalf("marker should settle on the latest sample")
	}
}

func TestViewportOverviewAndSelection(t *testing.T) {
	opts := Options{SelectedZoom: 16, OverviewZoom: 10, DefaultCenter: geo.Point{Lat: 1, Lng: 2}}
	tracker := newTestTracker(nil, opts)

	if vp := tracker.Viewport(); vp.Center != opts.DefaultCenter || vp.Zoom != 10 {
		t.Fatalf("empty fleet should use the default center: %+v", vp)
	}

	tracker.Apply(update("d1", 40, -74, t0))
	tracker.Apply(update("d2", 42, -72, t0))
	vp := tracker.Viewport()
	if vp.Center != (geo.Point{Lat: 41, Lng: -73}) || vp.Zoom != 10 || vp.Selected != "" {
		t.Fatalf("overview should center on the mean: %+v", vp)
	}

	tracker.Select("d1", false)
	tracker.Apply(update("d1", 40.01, -74, t0.Add(time.Second)))
	vp = tracker.Viewport()
	if vp.Center != (geo.Point{Lat: 40, Lng: -74}) || vp.Zoom != 16 || vp.Following {
		t.Fatalf("selection without follow should stay put: %+v", vp)
	}

	tracker.Select("d1", true)
	tracker.Apply(update("d1", 40.02, -74, t0.Add(2*time.Second)))
	if vp = tracker.Viewport(); vp.Center != (geo.Point{Lat: 40.02, Lng: -74}) || !vp.Following {
		t.Fatalf("follow should recenter on every update: %+v", vp)
	}

	tracker.Select("", true)
	if vp = tracker.Viewport(); vp.Selected != "" || vp.Following || vp.Zoom != 10 {
		t.Fatalf("clearing the selection should return to overview: %+v", vp)
	}
}

func TestAttachAndDetach(t *testing.T) {
	bus := &fakeBus{}
	tracker := newTestTracker(nil, Options{})

	detach := tracker.Attach(bus, "dashboard-map")
	bus.publish(update("d1", 40, -74, t0))
	if len(tracker.History("d1")) != 1 {
		t.Fatalf("attached tracker should receive updates")
	}

	detach()
	bus.publish(update("d1", 41, -74, t0))
	if len(tracker.History("d1")) != 1 {
		t.Fatalf("detached tracker still receives updates")
	}
}

func TestTrackersAreIndependent(t *testing.T) {
	bus := &fakeBus{}
	dashboard := newTestTracker(nil, Options{})
	detail := newTestTracker(nil, Options{})
	dashboard.Attach(bus, "dashboard-map")
	detail.Attach(bus, "driver-detail-map")

	bus.publish(update("d1", 40, -74, t0))
	detail.Select("d1", true)

	if dashboard.Viewport().Selected != "" {
		t.Fatalf("selection leaked between trackers")
	}
	if len(dashboard.History("d1")) != 1 || len(detail.History("d1")) != 1 {
		t.Fatalf("both trackers should see the update")
	}
}
