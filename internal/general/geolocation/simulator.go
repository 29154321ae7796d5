package geolocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

var (
	ErrEmptyPath   = errors.New("simulator path needs at least one point")
	ErrInvalidPath = errors.New("simulator path has an out-of-range point")
	ErrBadSpeed    = errors.New("simulator speed must be positive")
	ErrBadInterval = errors.New("watch interval must be positive")
	ErrNilCallback = errors.New("watch callback is required")
)

// Options tune a Simulator.
type Options struct {
	SpeedKmh      float64       // travel speed along the path
	WatchInterval time.Duration // cadence of watch callbacks
	JitterMeters  float64       // random noise added to every fix, 0 disables it
	Seed          int64
	Now           func() time.Time
}

// Simulator is a position source that drives along a polyline, looping at the end.
type Simulator struct {
	mu       sync.Mutex
	path     []geo.Point
	legs     []float64
	total    float64
	opts     Options
	rng      *rand.Rand
	traveled float64
	last     time.Time
	failure  error
	watches  int
	log      *logger.Logger
}

// NewSimulator validates the path and options.
func NewSimulator(path []geo.Point, opts Options, log *logger.Logger) (*Simulator, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	for _, p := range path {
		if !geo.ValidLatitude(p.Lat) || !geo.ValidLongitude(p.Lng) {
			return nil, fmt.Errorf("%w: %+v", ErrInvalidPath, p)
		}
	}
	if opts.SpeedKmh <= 0 {
		return nil, ErrBadSpeed
	}
	if opts.WatchInterval <= 0 {
		return nil, ErrBadInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sim := &Simulator{
		path: append([]geo.Point(nil), path...),
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
		log:  log,
	}
	for i := 0; i < len(path)-1; i++ {
		d := geo.Distance(path[i].Lat, path[i].Lng, path[i+1].Lat, path[i+1].Lng)
		sim.legs = append(sim.legs, d)
		sim.total += d
	}
	return sim, nil
}

// Fail makes every following acquisition return err; nil restores normal operation.
func (sim *Simulator) Fail(err error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	sim.failure = err
}

// ActiveWatches reports how many watches are still running.
func (sim *Simulator) ActiveWatches() int {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return sim.watches
}

// Current advances the vehicle by the time elapsed since the previous fix and returns it.
func (sim *Simulator) Current(ctx context.Context) (geo.PositionSample, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return geo.PositionSample{}, geo.ErrAcquireTimeout
		}
		return geo.PositionSample{}, err
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()

	if sim.failure != nil {
		return geo.PositionSample{}, sim.failure
	}

	now := sim.opts.Now()
	if !sim.last.IsZero() {
		if dt := now.Sub(sim.last).Seconds(); dt > 0 {
			sim.traveled += sim.opts.SpeedKmh / 3.6 * dt
		}
	}
	sim.last = now

	p := sim.pointAt(sim.traveled)
	if sim.opts.JitterMeters > 0 {
		p = sim.jitter(p)
	}
	return geo.NewSample(p.Lat, p.Lng, now)
}

// Watch starts delivering fixes every WatchInterval until the handle is cleared or ctx ends.
func (sim *Simulator) Watch(ctx context.Context, fn func(geo.PositionSample, error)) (ports.WatchHandle, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	watchCtx, cancel := context.WithCancel(ctx)
	handle := &watchHandle{cancel: cancel, done: make(chan struct{})}

	sim.mu.Lock()
	sim.watches++
	sim.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			sim.mu.Lock()
			sim.watches--
			sim.mu.Unlock()
		}()

		ticker := time.NewTicker(sim.opts.WatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				sample, err := sim.Current(watchCtx)
				if watchCtx.Err() != nil {
					return
				}
				fn(sample, err)
			}
		}
	}()

	sim.log.Debug(ctx, "watch_started", "simulated position watch started", map[string]any{
		"interval_ms": sim.opts.WatchInterval.Milliseconds(),
	})
	return handle, nil
}

// pointAt walks the path for the given distance, wrapping around at the end.
func (sim *Simulator) pointAt(traveled float64) geo.Point {
	if len(sim.path) == 1 || sim.total == 0 {
		return sim.path[0]
	}
	remaining := math.Mod(traveled, sim.total)
	for i, leg := range sim.legs {
		if remaining <= leg {
			if leg == 0 {
				return sim.path[i]
			}
			return geo.Lerp(sim.path[i], sim.path[i+1], remaining/leg)
		}
		remaining -= leg
	}
	return sim.path[len(sim.path)-1]
}

func (sim *Simulator) jitter(p geo.Point) geo.Point {
	const metersPerDegree = 111_320.0
	dLat := (sim.rng.Float64()*2 - 1) * sim.opts.JitterMeters / metersPerDegree
	dLng := (sim.rng.Float64()*2 - 1) * sim.opts.JitterMeters / (metersPerDegree * math.Max(math.Cos(p.Lat*math.Pi/180), 0.01))
	out := geo.Point{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
	if !geo.ValidLatitude(out.Lat) || !geo.ValidLongitude(out.Lng) {
		return p
	}
	return out
}

type watchHandle struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Clear stops the watch and waits for its goroutine. Safe to call repeatedly,
// but not from inside the watch callback.
func (handle *watchHandle) Clear() {
	handle.once.Do(func() {
		handle.cancel()
		<-handle.done
	})
}
