package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-track/internal/domain/geo"
	"fleet-track/internal/domain/shipment"
	"fleet-track/internal/general/geolocation"
	"fleet-track/internal/general/httpapi"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []geo.PositionSample
	err  error
}

func (s *fakeSender) SendLocation(_ context.Context, _ string, sample geo.PositionSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sample)
	return nil
}

func (s *fakeSender) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// fixedSource always returns the same fix and counts watches.
type fixedSource struct {
	mu      sync.Mutex
	sample  geo.PositionSample
	err     error
	watches int
	active  int
}

func (s *fixedSource) Current(context.Context) (geo.PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.err
}

func (s *fixedSource) Watch(ctx context.Context, fn func(geo.PositionSample, error)) (ports.WatchHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches++
	s.active++
	return &fixedHandle{source: s}, nil
}

func (s *fixedSource) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type fixedHandle struct {
	once   sync.Once
	source *fixedSource
}

func (h *fixedHandle) Clear() {
	h.once.Do(func() {
		h.source.mu.Lock()
		h.source.active--
		h.source.mu.Unlock()
	})
}

func testLogger() *logger.Logger { return logger.NewWithOutput("test", io.Discard) }

func testOptions() Options {
	return Options{SendInterval: 10 * time.Millisecond, AcquireTimeout: time.Second}
}

func newSimulator(t *testing.T) *geolocation.Simulator {
	t.Helper()
	sim, err := geolocation.NewSimulator([]geo.Point{{Lat: 40.0, Lng: -74.0}, {Lat: 40.01, Lng: -74.0}}, geolocation.Options{
		SpeedKmh:      40,
		WatchInterval: 5 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	return sim
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSendsImmediatelyAndKeepsSending(t *testing.T) {
	sim := newSimulator(t)
	sender := &fakeSender{}
	sharer := NewSharer(sim, sender, testOptions(), testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sender.Sent() < 1 {
		t.Fatalf("the first fix should be sent during Start")
	}

	snap := sharer.Snapshot()
	if snap.State != StateSharing || !snap.IsSharing || snap.DriverID != "d1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.LastSample == nil || snap.LastSendAt == nil {
		t.Fatalf("last sample and send time should be set")
	}

	waitFor(t, "periodic sends", func() bool { return sender.Sent() >= 3 })
}

func TestStartTwiceCreatesOneWatch(t *testing.T) {
	sim := newSimulator(t)
	sharer := NewSharer(sim, &fakeSender{}, testOptions(), testLogger())
	defer sharer.Stop()

	for i := 0; i < 2; i++ {
		if err := sharer.Start(context.Background(), "d1"); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if n := sim.ActiveWatches(); n != 1 {
		t.Fatalf("expected a single watch, got %d", n)
	}
	if err := sharer.Start(context.Background(), "d2"); !errors.Is(err, ErrAlreadySharing) {
		t.Fatalf("expected ErrAlreadySharing, got %v", err)
	}
	if err := sharer.Start(context.Background(), ""); !errors.Is(err, ErrDriverRequired) {
		t.Fatalf("expected ErrDriverRequired, got %v", err)
	}
}

func TestStopReleasesWatchAndTimer(t *testing.T) {
	sim := newSimulator(t)
	sender := &fakeSender{}
	sharer := NewSharer(sim, sender, testOptions(), testLogger())

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "a tick", func() bool { return sender.Sent() >= 2 })

	sharer.Stop()
	sharer.Stop()

	if n := sim.ActiveWatches(); n != 0 {
		t.Fatalf("watch leaked: %d active", n)
	}
	snap := sharer.Snapshot()
	if snap.State != StateIdle || snap.IsSharing || snap.DriverID != "" || snap.LastSample != nil || snap.LastSendAt != nil {
		t.Fatalf("session fields not reset: %+v", snap)
	}

	sent := sender.Sent()
	time.Sleep(40 * time.Millisecond)
	if sender.Sent() != sent {
		t.Fatalf("sends continued after Stop")
	}
}

func TestWatchedSampleIsSentOnTick(t *testing.T) {
	sim := newSimulator(t)
	sender := &fakeSender{}
	opts := testOptions()
	opts.SendInterval = 30 * time.Millisecond
	sharer := NewSharer(sim, sender, opts, testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "tick send", func() bool { return sender.Sent() >= 2 })

	sender.mu.Lock()
	last := sender.sent[len(sender.sent)-1]
	sender.mu.Unlock()
	if !geo.ValidLatitude(last.Latitude) || last.Timestamp.IsZero() {
		t.Fatalf("bad sample sent: %+v", last)
	}
}

func TestFatalSendErrorsStopSharing(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{401, CodeAuthRejected},
		{403, CodeAuthRejected},
		{404, CodeDriverNotFound},
	}
	for _, tc := range cases {
		sim := newSimulator(t)
		sender := &fakeSender{err: &httpapi.APIError{StatusCode: tc.status}}
		sharer := NewSharer(sim, sender, testOptions(), testLogger())

		err := sharer.Start(context.Background(), "d1")
		var shareErr *ShareError
		if !errors.As(err, &shareErr) || shareErr.Code != tc.code || !shareErr.Fatal() {
			t.Fatalf("status %d: expected fatal %s, got %v", tc.status, tc.code, err)
		}
		snap := sharer.Snapshot()
		if snap.IsSharing || snap.Error == nil || snap.Error.Code != tc.code {
			t.Fatalf("status %d: unexpected snapshot %+v", tc.status, snap)
		}
		if n := sim.ActiveWatches(); n != 0 {
			t.Fatalf("status %d: watch leaked", tc.status)
		}
	}
}

func TestFatalErrorDuringLoopHaltsSession(t *testing.T) {
	sim := newSimulator(t)
	sender := &fakeSender{}
	sharer := NewSharer(sim, sender, testOptions(), testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sender.SetErr(&httpapi.APIError{StatusCode: 404, Message: "driver not found"})

	waitFor(t, "fatal halt", func() bool { return sharer.Snapshot().State == StateIdle })
	snap := sharer.Snapshot()
	if snap.Error == nil || snap.Error.Code != CodeDriverNotFound {
		t.Fatalf("fatal error should stay visible: %+v", snap.Error)
	}
	waitFor(t, "watch release", func() bool { return sim.ActiveWatches() == 0 })
}

func TestStickyAndTransientErrorsKeepSharing(t *testing.T) {
	cases := []struct {
		err      error
		code     string
		severity Severity
	}{
		{&httpapi.APIError{StatusCode: 422}, CodePayloadRejected, SeveritySticky},
		{&httpapi.APIError{StatusCode: 400}, CodePayloadRejected, SeveritySticky},
		{&httpapi.APIError{StatusCode: 503}, CodeSendFailed, SeverityTransient},
		{errors.New("dial tcp: connection refused"), CodeSendFailed, SeverityTransient},
	}
	for _, tc := range cases {
		sim := newSimulator(t)
		sender := &fakeSender{err: tc.err}
		sharer := NewSharer(sim, sender, testOptions(), testLogger())

		if err := sharer.Start(context.Background(), "d1"); err != nil {
			t.Fatalf("%s: start should not fail: %v", tc.code, err)
		}
		snap := sharer.Snapshot()
		if !snap.IsSharing || snap.Error == nil || snap.Error.Code != tc.code || snap.Error.Severity != tc.severity {
			t.Fatalf("%s: unexpected snapshot %+v", tc.code, snap)
		}

		// next good send clears the warning
		sender.SetErr(nil)
		waitFor(t, "error cleared", func() bool { return sharer.Snapshot().Error == nil })
		sharer.Stop()
	}
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	sim := newSimulator(t)
	sim.Fail(geo.ErrPermissionDenied)
	sender := &fakeSender{}
	sharer := NewSharer(sim, sender, testOptions(), testLogger())

	err := sharer.Start(context.Background(), "d1")
	var shareErr *ShareError
	if !errors.As(err, &shareErr) || shareErr.Code != CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	if !errors.Is(err, geo.ErrPermissionDenied) {
		t.Fatalf("cause should be kept")
	}
	if sender.Sent() != 0 || sim.ActiveWatches() != 0 {
		t.Fatalf("nothing should run after a permission error")
	}
}

func TestPermissionRevokedDuringWatchHalts(t *testing.T) {
	sim := newSimulator(t)
	sharer := NewSharer(sim, &fakeSender{}, Options{SendInterval: time.Hour, AcquireTimeout: time.Second}, testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sim.Fail(geo.ErrPermissionDenied)

	waitFor(t, "halt from watch", func() bool { return sharer.Snapshot().State == StateIdle })
	waitFor(t, "watch release", func() bool { return sim.ActiveWatches() == 0 })
	if e := sharer.Snapshot().Error; e == nil || e.Code != CodePermissionDenied {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestAcquireTimeoutIsTransient(t *testing.T) {
	source := &fixedSource{err: geo.ErrAcquireTimeout}
	sender := &fakeSender{}
	sharer := NewSharer(source, sender, testOptions(), testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := sharer.Snapshot()
	if !snap.IsSharing || snap.Error == nil || snap.Error.Code != CodeAcquireTimeout {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// the ticker acquires on demand once the device recovers
	sample, _ := geo.NewSample(40, -74, time.Now())
	source.mu.Lock()
	source.err = nil
	source.sample = sample
	source.mu.Unlock()

	waitFor(t, "on-demand send", func() bool { return sender.Sent() >= 1 })
	waitFor(t, "warning cleared", func() bool { return sharer.Snapshot().Error == nil })
}

func TestOtherAcquireErrorsAreWarnings(t *testing.T) {
	source := &fixedSource{err: geo.ErrPositionUnavailable}
	sharer := NewSharer(source, &fakeSender{}, testOptions(), testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if e := sharer.Snapshot().Error; e == nil || e.Code != CodePositionUnavailable || e.Severity != SeverityTransient {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestInvalidSampleIsNeverSent(t *testing.T) {
	source := &fixedSource{sample: geo.PositionSample{Latitude: 123, Longitude: -74, Timestamp: time.Now()}}
	sender := &fakeSender{}
	sharer := NewSharer(source, sender, testOptions(), testLogger())
	defer sharer.Stop()

	if err := sharer.Start(context.Background(), "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if sender.Sent() != 0 {
		t.Fatalf("invalid sample was transmitted")
	}
	snap := sharer.Snapshot()
	if !snap.IsSharing || snap.Error == nil || snap.Error.Code != CodeInvalidSample {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !errors.Is(snap.Error, geo.ErrInvalidLatitude) {
		t.Fatalf("validation cause should be kept")
	}
	if source.Active() != 1 {
		t.Fatalf("expected one watch")
	}
}

func TestReconcileFollowsShipmentStatus(t *testing.T) {
	sim := newSimulator(t)
	sharer := NewSharer(sim, &fakeSender{}, testOptions(), testLogger())
	defer sharer.Stop()
	ctx := context.Background()

	if err := sharer.Reconcile(ctx, "d1", shipment.StatusPending); err != nil || sharer.Snapshot().IsSharing {
		t.Fatalf("pending must not start sharing")
	}
	if err := sharer.Reconcile(ctx, "d1", shipment.StatusApproved); err != nil || !sharer.Snapshot().IsSharing {
		t.Fatalf("approved should start sharing: %v", err)
	}
	if err := sharer.Reconcile(ctx, "d1", shipment.StatusInTransit); err != nil {
		t.Fatalf("in transit: %v", err)
	}
	if n := sim.ActiveWatches(); n != 1 {
		t.Fatalf("sharing should persist without restarting, %d watches", n)
	}
	if err := sharer.Reconcile(ctx, "d1", shipment.StatusDelivered); err != nil || sharer.Snapshot().IsSharing {
		t.Fatalf("delivered should stop sharing")
	}
	if sim.ActiveWatches() != 0 {
		t.Fatalf("watch leaked after terminal status")
	}

	// re-entrant: statuses that need sharing bring it back
	if err := sharer.Reconcile(ctx, "d1", shipment.StatusPickedUp); err != nil || !sharer.Snapshot().IsSharing {
		t.Fatalf("picked up should restart sharing")
	}
	if err := sharer.Reconcile(ctx, "d1", shipment.StatusCancelled); err != nil || sharer.Snapshot().IsSharing {
		t.Fatalf("cancelled should stop sharing")
	}
}

func TestReconcileDoesNotRestartAfterFatalError(t *testing.T) {
	sim := newSimulator(t)
	sender := &fakeSender{err: &httpapi.APIError{StatusCode: 404}}
	sharer := NewSharer(sim, sender, testOptions(), testLogger())
	defer sharer.Stop()

	if err := sharer.Reconcile(context.Background(), "d1", shipment.StatusApproved); err == nil {
		t.Fatalf("expected fatal error from the first start")
	}
	if err := sharer.Reconcile(context.Background(), "d1", shipment.StatusInTransit); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if sharer.Snapshot().IsSharing {
		t.Fatalf("fatal error must block automatic restarts")
	}

	sharer.ClearError()
	sender.SetErr(nil)
	if err := sharer.Reconcile(context.Background(), "d1", shipment.StatusInTransit); err != nil || !sharer.Snapshot().IsSharing {
		t.Fatalf("cleared error should allow restart: %v", err)
	}
}

func TestStartAbortsWhenCallerCancels(t *testing.T) {
	source := newGatedSource()
	sharer := NewSharer(source, &fakeSender{}, testOptions(), testLogger())
	t.Cleanup(sharer.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sharer.Start(ctx, "d1") }()
	<-source.entered
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after cancel")
	}
	if snap := sharer.Snapshot(); snap.State != StateIdle || snap.DriverID != "" {
		t.Fatalf("cancelled start left state behind: %+v", snap)
	}
}

func TestSnapshotOmitsLastSendBeforeFirstSend(t *testing.T) {
	sharer := NewSharer(&fixedSource{}, &fakeSender{}, testOptions(), testLogger())
	raw, err := json.Marshal(sharer.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "lastSendAt") {
		t.Fatalf("idle snapshot should not carry lastSendAt: %s", raw)
	}
}
