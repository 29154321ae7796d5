package livetrack

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"fleet-track/internal/domain/driver"
	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/route"
	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

// Options tune history size, marker animation and the viewport.
type Options struct {
	HistoryCapacity int
	AnimationWindow time.Duration
	SelectedZoom    int
	OverviewZoom    int
	DefaultCenter   geo.Point
}

// DriverView is everything a map needs to draw one driver.
type DriverView struct {
	DriverID        string      `json:"driverId"`
	Name            string      `json:"name"`
	Online          bool        `json:"online"`
	Position        geo.Point   `json:"position"`
	Marker          geo.Point   `json:"marker"`
	BearingDeg      float64     `json:"bearingDeg"`
	SpeedKmh        float64     `json:"speedKmh"`
	ETA             geo.ETA     `json:"eta"`
	RemainingMeters float64     `json:"remainingMeters"`
	HasRoute        bool        `json:"hasRoute"`
	Phase           route.Phase `json:"phase,omitempty"`
	Trail           []geo.Point `json:"trail"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Viewport is where the map should look.
type Viewport struct {
	Center    geo.Point `json:"center"`
	Zoom      int       `json:"zoom"`
	Selected  string    `json:"selected,omitempty"`
	Following bool      `json:"following"`
}

type track struct {
	history []geo.PositionSample
	speed   float64
	bearing float64

	animFrom  geo.Point
	animTo    geo.Point
	animStart time.Time
}

func (tr *track) latest() geo.PositionSample {
	return tr.history[len(tr.history)-1]
}

// Tracker keeps the live picture of the fleet for one consumer. Each map
// surface owns its own Tracker so they never write to each other's state.
type Tracker struct {
	routes ports.RouteReader
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	tracks   map[string]*track
	roster   map[string]driver.Driver
	selected string
	follow   bool
	center   geo.Point
	centered bool
}

// NewTracker builds a Tracker. routes may be nil when no route data is available.
func NewTracker(routes ports.RouteReader, opts Options, logger *logger.Logger) *Tracker {
	if opts.HistoryCapacity < 2 {
		opts.HistoryCapacity = 20
	}
	if opts.SelectedZoom <= 0 {
		opts.SelectedZoom = 15
	}
	if opts.OverviewZoom <= 0 {
		opts.OverviewZoom = 11
	}
	return &Tracker{
		routes: routes,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		tracks: make(map[string]*track),
		roster: make(map[string]driver.Driver),
	}
}

// Attach subscribes the tracker to location updates on bus and returns the detach func.
func (tracker *Tracker) Attach(bus ports.EventBus, consumerID string) func() {
	token := bus.Subscribe(consumerID, contracts.EventDriverLocationUpdate, func(ctx context.Context, event contracts.Event) {
		update, ok := event.(contracts.DriverLocationUpdate)
		if !ok {
			return
		}
		tracker.Apply(update)
	})
	return func() { bus.Unsubscribe(token) }
}

// Apply records a location update. It returns false when the update was
// rejected or repeated the driver's last position.
func (tracker *Tracker) Apply(update contracts.DriverLocationUpdate) bool {
	sample := update.Sample()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = tracker.now().UTC()
	}
	if update.DriverID == "" || sample.Validate() != nil {
		tracker.logger.Debug(context.Background(), "track_update_rejected", "Ignoring unusable location update", map[string]any{
			"driver_id": update.DriverID,
		})
		return false
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	now := tracker.now()
	tr, ok := tracker.tracks[update.DriverID]
	if !ok {
		tr = &track{}
		tracker.tracks[update.DriverID] = tr
	}

	var prev *geo.PositionSample
	if len(tr.history) > 0 {
		last := tr.latest()
		if last.SamePosition(sample) {
			return false
		}
		prev = &last
		tr.animFrom = tracker.markerAt(tr, now)
	} else {
		tr.animFrom = sample.Point()
	}

	tr.history = append(tr.history, sample)
	if over := len(tr.history) - tracker.opts.HistoryCapacity; over > 0 {
		tr.history = append(tr.history[:0:0], tr.history[over:]...)
	}

	if prev != nil {
		dt := sample.Timestamp.Sub(prev.Timestamp).Milliseconds()
		tr.speed = geo.Speed(prev.Latitude, prev.Longitude, sample.Latitude, sample.Longitude, dt)
		tr.bearing = geo.Bearing(prev.Latitude, prev.Longitude, sample.Latitude, sample.Longitude)
	}

	tr.animTo = sample.Point()
	tr.animStart = now

	if tracker.selected == update.DriverID && (tracker.follow || !tracker.centered) {
		tracker.center = sample.Point()
		tracker.centered = true
	}
	return true
}

// SetRoster replaces the known drivers. With a non-empty roster only its members are shown.
func (tracker *Tracker) SetRoster(entries []driver.Driver) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	tracker.roster = make(map[string]driver.Driver, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			continue
		}
		tracker.roster[entry.ID] = entry
	}
}

// Select focuses the viewport on driverID; an empty id returns to the fleet overview.
// With follow the viewport recenters on every update of that driver.
func (tracker *Tracker) Select(driverID string, follow bool) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	tracker.selected = driverID
	tracker.follow = driverID != "" && follow
	tracker.centered = false
	if tr, ok := tracker.tracks[driverID]; ok && len(tr.history) > 0 {
		tracker.center = tr.latest().Point()
		tracker.centered = true
	}
}

// Snapshot derives the view of every displayable driver at time now, ordered by name.
func (tracker *Tracker) Snapshot(now time.Time) []DriverView {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	views := make([]DriverView, 0, len(tracker.tracks))
	for id, tr := range tracker.tracks {
		if !tracker.visible(id, tr) {
			continue
		}
		views = append(views, tracker.view(id, tr, now))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Name != views[j].Name {
			return views[i].Name < views[j].Name
		}
		return views[i].DriverID < views[j].DriverID
	})
	return views
}

// Driver returns the view of a single driver.
func (tracker *Tracker) Driver(driverID string, now time.Time) (DriverView, bool) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	tr, ok := tracker.tracks[driverID]
	if !ok || !tracker.visible(driverID, tr) {
		return DriverView{}, false
	}
	return tracker.view(driverID, tr, now), true
}

// History returns a copy of the stored samples of a driver, oldest first.
func (tracker *Tracker) History(driverID string) []geo.PositionSample {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	tr, ok := tracker.tracks[driverID]
	if !ok {
		return nil
	}
	return append([]geo.PositionSample(nil), tr.history...)
}

func (tracker *Tracker) Viewport() Viewport {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	if tracker.selected != "" {
		tr, ok := tracker.tracks[tracker.selected]
		if ok && tracker.centered && tracker.visible(tracker.selected, tr) {
			return Viewport{
				Center:    tracker.center,
				Zoom:      tracker.opts.SelectedZoom,
				Selected:  tracker.selected,
				Following: tracker.follow,
			}
		}
	}

	points := make([]geo.Point, 0, len(tracker.tracks))
	for id, tr := range tracker.tracks {
		if tracker.visible(id, tr) {
			points = append(points, tr.latest().Point())
		}
	}
	center, ok := geo.Centroid(points)
	if !ok {
		center = tracker.opts.DefaultCenter
	}
	return Viewport{Center: center, Zoom: tracker.opts.OverviewZoom}
}

func (tracker *Tracker) visible(id string, tr *track) bool {
	if len(tr.history) == 0 || !tr.latest().Point().Displayable() {
		return false
	}
	if len(tracker.roster) > 0 {
		_, ok := tracker.roster[id]
		return ok
	}
	return true
}

func (tracker *Tracker) view(id string, tr *track, now time.Time) DriverView {
	last := tr.latest()
	view := DriverView{
		DriverID:   id,
		Name:       id,
		Position:   last.Point(),
		Marker:     tracker.markerAt(tr, now),
		BearingDeg: tr.bearing,
		SpeedKmh:   tr.speed,
		ETA:        geo.UnknownETA,
		UpdatedAt:  last.Timestamp,
		Trail:      make([]geo.Point, len(tr.history)),
	}
	for i, s := range tr.history {
		view.Trail[i] = s.Point()
	}
	if entry, ok := tracker.roster[id]; ok {
		view.Name = entry.Name
		view.Online = entry.Online
	}

	if tracker.routes != nil {
		if record, ok := tracker.routes.Route(id); ok {
			view.HasRoute = true
			view.Phase = record.Phase
			view.RemainingMeters = record.Remaining(last.Latitude, last.Longitude)
			view.ETA = geo.EstimateArrival(view.RemainingMeters, tr.speed)
		}
	}
	return view
}

// markerAt eases the marker from its previous spot to the latest sample (ease-out cubic).
func (tracker *Tracker) markerAt(tr *track, now time.Time) geo.Point {
	window := tracker.opts.AnimationWindow
	if window <= 0 || tr.animStart.IsZero() {
		return tr.animTo
	}
	t := float64(now.Sub(tr.animStart)) / float64(window)
	return geo.Lerp(tr.animFrom, tr.animTo, easeOutCubic(t))
}

func easeOutCubic(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return 1 - math.Pow(1-t, 3)
}
