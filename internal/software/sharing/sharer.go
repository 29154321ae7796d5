package sharing

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/shipment"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

// State of a sharing session.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateSharing  State = "SHARING"
)

// Options tune the two cadences.
type Options struct {
	SendInterval   time.Duration
	AcquireTimeout time.Duration
}

// Snapshot is the observable state of the session.
type Snapshot struct {
	State      State               `json:"state"`
	IsSharing  bool                `json:"isSharing"`
	DriverID   string              `json:"driverId,omitempty"`
	LastSample *geo.PositionSample `json:"lastSample,omitempty"`
	LastSendAt *time.Time          `json:"lastSendAt,omitempty"`
	Error      *ShareError         `json:"error,omitempty"`
}

// Sharer turns device fixes into periodic location sends for one driver.
// A fast watch keeps LastSample fresh; a slower ticker sends.
type Sharer struct {
	source ports.PositionSource
	sender ports.LocationSender
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	driverID   string
	gen        uint64 // bumped whenever a session ends, stale callbacks compare against it
	watched    *geo.PositionSample
	lastSample *geo.PositionSample
	lastSendAt time.Time
	err        *ShareError
	watch      ports.WatchHandle
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSharer(source ports.PositionSource, sender ports.LocationSender, opts Options, logger *logger.Logger) *Sharer {
	if opts.SendInterval <= 0 {
		opts.SendInterval = 3 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	return &Sharer{
		source: source,
		sender: sender,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		state:  StateIdle,
	}
}

// Start begins sharing for driverID. Calling it again for the same driver while
// starting or sharing does nothing. A fatal error stops the start and is returned,
// and so does ctx ending before the first fix is handled.
func (sharer *Sharer) Start(ctx context.Context, driverID string) error {
	if driverID == "" {
		return ErrDriverRequired
	}

	sharer.mu.Lock()
	if sharer.state != StateIdle {
		same := sharer.driverID == driverID
		sharer.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadySharing
	}
	sharer.gen++
	gen := sharer.gen
	sharer.resetLocked()
	sharer.err = nil
	sharer.state = StateStarting
	sharer.driverID = driverID
	sharer.mu.Unlock()

	ctx = sharer.logger.WithDriverID(ctx, driverID)
	sharer.logger.Info(ctx, "sharing_starting", "Starting location sharing", nil)

	// immediate fix, sent at once
	if sample, err := sharer.acquire(ctx); err != nil {
		sharer.fail(ctx, gen, classifyAcquire(err))
	} else {
		sharer.observe(gen, sample)
		sharer.send(ctx, gen, driverID, sample)
	}
	if err := ctx.Err(); err != nil {
		// caller gave up while starting
		sharer.mu.Lock()
		if sharer.gen == gen && sharer.state == StateStarting {
			sharer.gen++
			sharer.resetLocked()
		}
		sharer.mu.Unlock()
		return err
	}
	if !sharer.current(gen) {
		return sharer.fatalErr()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	watch, err := sharer.source.Watch(loopCtx, func(sample geo.PositionSample, err error) {
		sharer.onWatch(loopCtx, gen, sample, err)
	})
	if err != nil {
		// without a watch the ticker acquires on demand
		sharer.fail(ctx, gen, classifyAcquire(err))
		watch = nil
	}

	done := make(chan struct{})
	sharer.mu.Lock()
	if sharer.gen != gen || sharer.state != StateStarting {
		sharer.mu.Unlock()
		cancel()
		if watch != nil {
			watch.Clear()
		}
		return sharer.fatalErr()
	}
	sharer.watch = watch
	sharer.cancel = cancel
	sharer.done = done
	sharer.state = StateSharing
	sharer.mu.Unlock()

	go sharer.loop(loopCtx, gen, driverID, done)

	sharer.logger.Info(ctx, "sharing_started", "Location sharing started", map[string]any{
		"send_interval_ms": sharer.opts.SendInterval.Milliseconds(),
	})
	return nil
}

// Stop releases the watch and the send loop and resets the session. Safe to call repeatedly.
func (sharer *Sharer) Stop() {
	sharer.mu.Lock()
	if sharer.state == StateIdle {
		sharer.mu.Unlock()
		return
	}
	sharer.gen++
	driverID := sharer.driverID
	watch, cancel, done := sharer.watch, sharer.cancel, sharer.done
	sharer.resetLocked()
	sharer.err = nil
	sharer.mu.Unlock()

	release(watch, cancel)
	if done != nil {
		<-done
	}

	sharer.logger.Info(sharer.logger.WithDriverID(context.Background(), driverID), "sharing_stopped", "Location sharing stopped", nil)
}

// Reconcile starts or stops sharing to match a shipment status. Statuses that
// require sharing restart it when it is off, unless a fatal error is pending.
// Terminal statuses stop it.
func (sharer *Sharer) Reconcile(ctx context.Context, driverID string, status shipment.Status) error {
	switch {
	case status.RequiresSharing():
		sharer.mu.Lock()
		active := sharer.state != StateIdle
		blocked := sharer.err.Fatal()
		sharer.mu.Unlock()
		if active {
			return nil
		}
		if blocked {
			sharer.logger.Info(sharer.logger.WithDriverID(ctx, driverID), "sharing_reconcile_skipped", "Not restarting sharing after a fatal error", map[string]any{
				"status": status.String(),
			})
			return nil
		}
		return sharer.Start(ctx, driverID)
	case status.Terminal():
		sharer.Stop()
	}
	return nil
}

// ClearError dismisses the current error.
func (sharer *Sharer) ClearError() {
	sharer.mu.Lock()
	defer sharer.mu.Unlock()
	sharer.err = nil
}

func (sharer *Sharer) Snapshot() Snapshot {
	sharer.mu.Lock()
	defer sharer.mu.Unlock()

	snap := Snapshot{
		State:      sharer.state,
		IsSharing:  sharer.state == StateSharing,
		DriverID:   sharer.driverID,
	}
	if !sharer.lastSendAt.IsZero() {
		at := sharer.lastSendAt
		snap.LastSendAt = &at
	}
	if sharer.lastSample != nil {
		s := *sharer.lastSample
		snap.LastSample = &s
	}
	if sharer.err != nil {
		e := *sharer.err
		snap.Error = &e
	}
	return snap
}

func (sharer *Sharer) loop(ctx context.Context, gen uint64, driverID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sharer.opts.SendInterval)
	defer ticker.Stop()

	ctx = sharer.logger.WithDriverID(ctx, driverID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sharer.tick(ctx, gen, driverID)
		}
	}
}

// tick sends the latest watched fix, or acquires one when the watch has produced nothing yet.
func (sharer *Sharer) tick(ctx context.Context, gen uint64, driverID string) {
	sharer.mu.Lock()
	var sample geo.PositionSample
	have := sharer.watched != nil && sharer.gen == gen
	if have {
		sample = *sharer.watched
	}
	sharer.mu.Unlock()

	if !have {
		fix, err := sharer.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sharer.fail(ctx, gen, classifyAcquire(err))
			return
		}
		sharer.observe(gen, fix)
		sample = fix
	}
	sharer.send(ctx, gen, driverID, sample)
}

func (sharer *Sharer) send(ctx context.Context, gen uint64, driverID string, sample geo.PositionSample) {
	if err := sample.Validate(); err != nil {
		sharer.fail(ctx, gen, invalidSample(err))
		return
	}

	if err := sharer.sender.SendLocation(ctx, driverID, sample); err != nil {
		if ctx.Err() != nil {
			return
		}
		sharer.fail(ctx, gen, classifySend(err))
		return
	}

	sharer.mu.Lock()
	defer sharer.mu.Unlock()
	if sharer.gen != gen {
		return
	}
	s := sample
	sharer.lastSample = &s
	sharer.lastSendAt = sharer.now()
	if sharer.err != nil && !sharer.err.Fatal() {
		sharer.err = nil
	}
}

func (sharer *Sharer) onWatch(ctx context.Context, gen uint64, sample geo.PositionSample, err error) {
	if err != nil {
		shareErr := classifyAcquire(err)
		if shareErr.Fatal() {
			// Clear on the watch handle waits for this callback to return
			go sharer.fail(ctx, gen, shareErr)
			return
		}
		sharer.fail(ctx, gen, shareErr)
		return
	}
	sharer.mu.Lock()
	defer sharer.mu.Unlock()
	if sharer.gen != gen || sharer.state == StateIdle {
		return
	}
	s := sample
	sharer.watched = &s
	sharer.lastSample = &s
}

func (sharer *Sharer) observe(gen uint64, sample geo.PositionSample) {
	sharer.mu.Lock()
	defer sharer.mu.Unlock()
	if sharer.gen == gen && sample.Validate() == nil {
		s := sample
		sharer.lastSample = &s
	}
}

// fail records shareErr for the session gen. Fatal errors end the session.
func (sharer *Sharer) fail(ctx context.Context, gen uint64, shareErr *ShareError) {
	sharer.logger.Error(ctx, "location_"+shareErr.Code, shareErr.Message, shareErr.Err, map[string]any{
		"severity": string(shareErr.Severity),
	})

	sharer.mu.Lock()
	if sharer.gen != gen || sharer.state == StateIdle {
		sharer.mu.Unlock()
		return
	}
	if !shareErr.Fatal() {
		if !sharer.err.Fatal() {
			sharer.err = shareErr
		}
		sharer.mu.Unlock()
		return
	}

	sharer.gen++
	watch, cancel := sharer.watch, sharer.cancel
	sharer.resetLocked()
	sharer.err = shareErr
	sharer.mu.Unlock()

	release(watch, cancel)
	sharer.logger.Info(ctx, "sharing_halted", "Location sharing stopped by a fatal error", map[string]any{
		"code": shareErr.Code,
	})
}

func (sharer *Sharer) acquire(ctx context.Context) (geo.PositionSample, error) {
	ctx, cancel := context.WithTimeout(ctx, sharer.opts.AcquireTimeout)
	defer cancel()

	sample, err := sharer.source.Current(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, geo.ErrAcquireTimeout) {
		return geo.PositionSample{}, errors.Join(geo.ErrAcquireTimeout, err)
	}
	return sample, err
}

func (sharer *Sharer) current(gen uint64) bool {
	sharer.mu.Lock()
	defer sharer.mu.Unlock()
	return sharer.gen == gen && sharer.state == StateStarting
}

func (sharer *Sharer) fatalErr() error {
	sharer.mu.Lock()
	defer sharer.mu.Unlock()
	if sharer.err.Fatal() {
		return sharer.err
	}
	return nil
}

func (sharer *Sharer) resetLocked() {
	sharer.state = StateIdle
	sharer.driverID = ""
	sharer.watched = nil
	sharer.lastSample = nil
	sharer.lastSendAt = time.Time{}
	sharer.watch = nil
	sharer.cancel = nil
	sharer.done = nil
}

func release(watch ports.WatchHandle, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if watch != nil {
		watch.Clear()
	}
}
