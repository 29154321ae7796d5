package routecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fleet-track/internal/domain/route"
	"fleet-track/internal/domain/shipment"
	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

var (
	ErrUnknownDriver = errors.New("driver has no route-relevant shipment")
	ErrClosed        = errors.New("route refresher closed")
)

// Options tune the refresh triggers.
type Options struct {
	SettleDelay       time.Duration
	Throttle          time.Duration
	SimulatedThrottle time.Duration
	Retry             RetryPolicy
}

// Refresher keeps one route per driver fresh. All scheduling is per driver:
// a new refresh for a driver cancels and replaces the pending one.
type Refresher struct {
	source ports.RouteSource
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	shipments map[string]shipment.Shipment // shipment id -> shipment
	active    map[string]string            // driver id -> route-relevant shipment id
	cache     map[string]route.Record
	lastFetch map[string]time.Time
	lastErr   map[string]error
	pending   map[string]*job
	closed    bool
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var _ ports.RouteReader = (*Refresher)(nil)

func NewRefresher(source ports.RouteSource, opts Options, logger *logger.Logger) *Refresher {
	if opts.Throttle <= 0 {
		opts.Throttle = 30 * time.Second
	}
	if opts.SimulatedThrottle <= 0 {
		opts.SimulatedThrottle = 5 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	opts.Retry = opts.Retry.normalized()

	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		source:    source,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		shipments: make(map[string]shipment.Shipment),
		active:    make(map[string]string),
		cache:     make(map[string]route.Record),
		lastFetch: make(map[string]time.Time),
		lastErr:   make(map[string]error),
		pending:   make(map[string]*job),
	}
}

// Attach subscribes to status and location events on bus and returns the detach func.
func (refresher *Refresher) Attach(bus ports.EventBus, consumerID string) func() {
	statusToken := bus.Subscribe(consumerID, contracts.EventShipmentStatusUpdate, func(ctx context.Context, event contracts.Event) {
		if update, ok := event.(contracts.ShipmentStatusUpdate); ok {
			refresher.HandleStatus(ctx, update)
		}
	})
	locationToken := bus.Subscribe(consumerID, contracts.EventDriverLocationUpdate, func(ctx context.Context, event contracts.Event) {
		if update, ok := event.(contracts.DriverLocationUpdate); ok {
			refresher.HandleLocation(ctx, update)
		}
	})
	return func() {
		bus.Unsubscribe(statusToken)
		bus.Unsubscribe(locationToken)
	}
}

// Route returns a copy of the cached route of driverID.
func (refresher *Refresher) Route(driverID string) (route.Record, bool) {
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	record, ok := refresher.cache[driverID]
	if !ok {
		return route.Record{}, false
	}
	return record.Clone(), true
}

// Routes returns every cached route ordered by driver id.
func (refresher *Refresher) Routes() []route.Record {
	refresher.mu.Lock()
	defer refresher.mu.Unlock()

	out := make([]route.Record, 0, len(refresher.cache))
	for _, record := range refresher.cache {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// LastError is the error of the latest finished fetch for driverID, nil when it succeeded
// or the route was simply not there yet.
func (refresher *Refresher) LastError(driverID string) error {
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	return refresher.lastErr[driverID]
}

// SetShipments replaces the known shipments. When the set of route-relevant
// shipments changes every relevant driver is refetched and drivers that left
// the set lose their route.
func (refresher *Refresher) SetShipments(ctx context.Context, all []shipment.Shipment) {
	relevant := shipment.Relevant(all)
	next := make(map[string]string, len(relevant))
	for _, s := range relevant {
		next[s.DriverID] = s.ID
	}

	refresher.mu.Lock()
	refresher.shipments = make(map[string]shipment.Shipment, len(all))
	for _, s := range all {
		refresher.shipments[s.ID] = s
	}
	changed := !sameAssignments(refresher.active, next)
	if changed {
		for driverID := range refresher.active {
			if _, ok := next[driverID]; !ok {
				refresher.forgetLocked(driverID)
			}
		}
		refresher.active = next
	}
	refresher.mu.Unlock()

	if !changed {
		return
	}
	refresher.logger.Info(ctx, "route_set_changed", "Route-relevant shipments changed, refetching", map[string]any{
		"drivers": len(next),
	})
	for driverID := range next {
		refresher.schedule(ctx, driverID, 0, "shipments_changed")
	}
}

// HandleStatus reacts to a shipment status change. Transitions into a
// route-relevant status refetch after the settle delay; terminal ones drop the route.
func (refresher *Refresher) HandleStatus(ctx context.Context, update contracts.ShipmentStatusUpdate) {
	refresher.mu.Lock()
	known, ok := refresher.shipments[update.ShipmentID]
	driverID := update.DriverID
	if driverID == "" && ok {
		driverID = known.DriverID
	}
	if ok || driverID != "" {
		known.ID = update.ShipmentID
		known.Status = update.NewStatus
		if known.DriverID == "" {
			known.DriverID = driverID
		}
		refresher.shipments[update.ShipmentID] = known
	}
	if driverID != "" {
		switch {
		case update.NewStatus.RouteRelevant():
			refresher.active[driverID] = update.ShipmentID
		case refresher.active[driverID] == update.ShipmentID:
			refresher.forgetLocked(driverID)
		}
	}
	refresher.mu.Unlock()

	if driverID == "" {
		refresher.logger.Debug(ctx, "route_status_ignored", "Status update names no known driver", map[string]any{
			"shipment_id": update.ShipmentID,
		})
		return
	}
	if update.PendingApproval || !update.NewStatus.RouteRelevant() {
		return
	}
	refresher.schedule(ctx, driverID, refresher.opts.SettleDelay, "status_changed")
}

// HandleLocation refetches a missing route at once and a cached one at most once per throttle window.
// The simulated flag only shortens the window.
func (refresher *Refresher) HandleLocation(ctx context.Context, update contracts.DriverLocationUpdate) {
	driverID := update.DriverID

	refresher.mu.Lock()
	_, active := refresher.active[driverID]
	_, cached := refresher.cache[driverID]
	_, pending := refresher.pending[driverID]
	last := refresher.lastFetch[driverID]
	refresher.mu.Unlock()

	if !active {
		return
	}
	if !cached {
		// the route may not exist upstream yet; a pending fetch already covers it
		if !pending {
			refresher.schedule(ctx, driverID, 0, "route_missing")
		}
		return
	}

	window := refresher.opts.Throttle
	if update.Simulated() {
		window = refresher.opts.SimulatedThrottle
	}
	if refresher.now().Sub(last) < window {
		return
	}
	refresher.schedule(ctx, driverID, 0, "location_throttle_elapsed")
}

// Refresh fetches the route of driverID now and waits for the outcome.
// A route that is not there yet is not an error.
func (refresher *Refresher) Refresh(ctx context.Context, driverID string) error {
	refresher.mu.Lock()
	_, active := refresher.active[driverID]
	refresher.mu.Unlock()
	if !active {
		return fmt.Errorf("%w: %s", ErrUnknownDriver, driverID)
	}

	j := refresher.schedule(ctx, driverID, 0, "manual")
	if j == nil {
		return ErrClosed
	}
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every pending refresh and waits for them to finish.
func (refresher *Refresher) Close() {
	refresher.mu.Lock()
	if refresher.closed {
		refresher.mu.Unlock()
		return
	}
	refresher.closed = true
	for driverID, j := range refresher.pending {
		j.cancel()
		delete(refresher.pending, driverID)
	}
	refresher.mu.Unlock()

	refresher.cancel()
	refresher.wg.Wait()
}

// schedule cancels the pending refresh of driverID and starts a new one after delay.
func (refresher *Refresher) schedule(ctx context.Context, driverID string, delay time.Duration, reason string) *job {
	refresher.mu.Lock()
	defer refresher.mu.Unlock()

	if refresher.closed {
		return nil
	}
	shipmentID, ok := refresher.active[driverID]
	if !ok {
		return nil
	}
	if prev, ok := refresher.pending[driverID]; ok {
		prev.cancel()
	}

	jobCtx, cancel := context.WithCancel(refresher.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	refresher.pending[driverID] = j
	refresher.lastFetch[driverID] = refresher.now()

	refresher.wg.Add(1)
	go refresher.run(refresher.logger.WithDriverID(jobCtx, driverID), j, driverID, shipmentID, delay, reason)

	refresher.logger.Debug(refresher.logger.WithDriverID(ctx, driverID), "route_refresh_scheduled", "Route refresh scheduled", map[string]any{
		"shipment_id": shipmentID,
		"delay_ms":    delay.Milliseconds(),
		"reason":      reason,
	})
	return j
}

func (refresher *Refresher) run(ctx context.Context, j *job, driverID, shipmentID string, delay time.Duration, reason string) {
	defer refresher.wg.Done()
	defer close(j.done)
	defer refresher.release(driverID, j)

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			j.err = ctx.Err()
			return
		}
	}

	record, err := refresher.fetch(ctx, shipmentID)
	if ctx.Err() != nil {
		j.err = ctx.Err()
		return
	}

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if refresher.pending[driverID] != j {
		// superseded while fetching
		return
	}

	switch {
	case err == nil:
		record.DriverID = driverID
		if record.ShipmentID == "" {
			record.ShipmentID = shipmentID
		}
		if record.FetchedAt.IsZero() {
			record.FetchedAt = refresher.now()
		}
		refresher.cache[driverID] = record
		delete(refresher.lastErr, driverID)
		refresher.logger.Info(ctx, "route_refreshed", "Route cached", map[string]any{
			"shipment_id": shipmentID,
			"phase":       record.Phase.String(),
			"points":      len(record.Points),
			"reason":      reason,
		})
	case errors.Is(err, route.ErrNotMaterialized):
		delete(refresher.cache, driverID)
		delete(refresher.lastErr, driverID)
		refresher.logger.Info(ctx, "route_not_materialized", "Route not available yet", map[string]any{
			"shipment_id": shipmentID,
		})
	default:
		j.err = err
		refresher.lastErr[driverID] = err
		refresher.logger.Error(ctx, "route_fetch_failed", "Route fetch gave up", err, map[string]any{
			"shipment_id": shipmentID,
			"retries":     refresher.opts.Retry.MaxRetries,
		})
	}
}

// fetch calls the source under the retry policy. Not-materialized answers are
// retried too and share the same retry ceiling.
func (refresher *Refresher) fetch(ctx context.Context, shipmentID string) (route.Record, error) {
	var record route.Record
	attempt := 0

	operation := func() error {
		attempt++
		r, err := refresher.source.ActiveRoute(ctx, shipmentID)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		record = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		details := map[string]any{
			"shipment_id": shipmentID,
			"attempt":     attempt,
			"retry_ms":    wait.Milliseconds(),
		}
		if errors.Is(err, route.ErrNotMaterialized) {
			refresher.logger.Debug(ctx, "route_fetch_retry", "Route not available yet, retrying", details)
			return
		}
		refresher.logger.Error(ctx, "route_fetch_retry", "Route fetch failed, retrying", err, details)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(refresher.opts.Retry.BackOff(), ctx), notify)
	return record, err
}

func (refresher *Refresher) release(driverID string, j *job) {
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if refresher.pending[driverID] == j {
		delete(refresher.pending, driverID)
	}
	j.cancel()
}

// forgetLocked drops everything known about driverID's route.
func (refresher *Refresher) forgetLocked(driverID string) {
	if j, ok := refresher.pending[driverID]; ok {
		j.cancel()
		delete(refresher.pending, driverID)
	}
	delete(refresher.active, driverID)
	delete(refresher.cache, driverID)
	delete(refresher.lastFetch, driverID)
	delete(refresher.lastErr, driverID)
}

func sameAssignments(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
