package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleet-track/internal/general/contracts"
)

const locationFrame = `{"driverId":"d1","location":{"latitude":40.1,"longitude":-74.1,"timestamp":"2024-01-01T00:00:00Z"}}`

type recorder struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (r *recorder) handle(_ context.Context, ev contracts.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestEnsureConnectedJoinsTenantAndFansOut(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	m := NewManager(dialer, testOptions(), testLogger())

	var a, b recorder
	m.Subscribe("map-a", contracts.EventDriverLocationUpdate, a.handle)
	m.Subscribe("map-b", contracts.EventDriverLocationUpdate, b.handle)

	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())

	waitDialed(t, dialer)
	waitStatus(t, m, StatusConnected)
	if joins := conn.Joins(); len(joins) != 1 || joins[0] != "acme" {
		t.Fatalf("unexpected joins %v", joins)
	}

	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	conn.push(contracts.EventDriverLocationUpdate, `{"driverId":"d2","location":{"latitude":41,"longitude":-73}}`)
	waitFor(t, "both subscribers to receive both events", func() bool { return a.count() == 2 && b.count() == 2 })

	a.mu.Lock()
	first := a.events[0].(contracts.DriverLocationUpdate)
	second := a.events[1].(contracts.DriverLocationUpdate)
	a.mu.Unlock()
	if first.DriverID != "d1" || second.DriverID != "d2" {
		t.Fatalf("events delivered out of order: %s then %s", first.DriverID, second.DriverID)
	}
}

func TestUnsubscribedConsumerNeverFiresAgain(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	m := NewManager(dialer, testOptions(), testLogger())
	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())
	waitStatus(t, m, StatusConnected)

	var first, second recorder
	token := m.Subscribe("dashboard-map", contracts.EventDriverLocationUpdate, first.handle)
	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	waitFor(t, "first consumer to receive", func() bool { return first.count() == 1 })

	// first consumer unmounts, second mounts on the same event
	m.Unsubscribe(token)
	m.Subscribe("driver-detail-map", contracts.EventDriverLocationUpdate, second.handle)

	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	waitFor(t, "second consumer to receive", func() bool { return second.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if first.count() != 1 {
		t.Fatalf("unsubscribed handler fired again: %d", first.count())
	}
	if n := m.Subscribers(contracts.EventDriverLocationUpdate); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
}

func TestResubscribeIsIdempotentPerConsumer(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(newFakeDialer(conn), testOptions(), testLogger())
	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())
	waitStatus(t, m, StatusConnected)

	var old, current recorder
	t1 := m.Subscribe("map", contracts.EventDriverLocationUpdate, old.handle)
	t2 := m.Subscribe("map", contracts.EventDriverLocationUpdate, current.handle)
	if t1 != t2 {
		t.Fatalf("re-subscribe should keep the token")
	}
	if n := m.Subscribers(contracts.EventDriverLocationUpdate); n != 1 {
		t.Fatalf("duplicate handlers accumulated: %d", n)
	}

	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	waitFor(t, "replacement handler to fire", func() bool { return current.count() == 1 })
	if old.count() != 0 {
		t.Fatalf("replaced handler fired")
	}

	m.Unsubscribe(t1)
	m.Unsubscribe(t1)
	m.Unsubscribe("unknown")
	if n := m.Subscribers(contracts.EventDriverLocationUpdate); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(newFakeDialer(conn), testOptions(), testLogger())
	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())
	waitStatus(t, m, StatusConnected)

	var ok recorder
	m.Subscribe("broken", contracts.EventDriverLocationUpdate, func(context.Context, contracts.Event) { panic("boom") })
	m.Subscribe("healthy", contracts.EventDriverLocationUpdate, ok.handle)

	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	waitFor(t, "healthy subscriber to receive both events", func() bool { return ok.count() == 2 })
	if st, _ := m.Status(); st != StatusConnected {
		t.Fatalf("panic should not affect the connection, status %q", st)
	}
}

func TestInvalidFramesAreDropped(t *testing.T) {
	conn := newFakeConn()
	m := NewManager(newFakeDialer(conn), testOptions(), testLogger())
	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())
	waitStatus(t, m, StatusConnected)

	var rec recorder
	m.Subscribe("map", contracts.EventDriverLocationUpdate, rec.handle)

	conn.push(contracts.EventDriverLocationUpdate, `{"driverId":"d1","location":{"latitude":123,"longitude":0}}`)
	conn.push(contracts.EventDriverLocationUpdate, `garbage`)
	conn.push(contracts.EventDriverLocationUpdate, locationFrame)
	waitFor(t, "valid event", func() bool { return rec.count() == 1 })
}

func TestReconnectReannouncesTenant(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := newFakeDialer(first, second)
	m := NewManager(dialer, testOptions(), testLogger())

	var rec recorder
	m.Subscribe("map", contracts.EventDriverLocationUpdate, rec.handle)

	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())

	waitDialed(t, dialer)
	waitStatus(t, m, StatusConnected)

	first.fail <- errConnLost
	waitDialed(t, dialer)
	waitFor(t, "rejoin on the new connection", func() bool { return len(second.Joins()) == 1 })
	waitStatus(t, m, StatusConnected)

	if !first.Closed() {
		t.Fatalf("failed connection should be closed")
	}
	if second.Joins()[0] != "acme" {
		t.Fatalf("unexpected rejoin %v", second.Joins())
	}

	second.push(contracts.EventDriverLocationUpdate, locationFrame)
	waitFor(t, "event after reconnect", func() bool { return rec.count() == 1 })
}

func TestDialFailuresKeepRetrying(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(dialer, testOptions(), testLogger())
	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	defer m.Disconnect(context.Background())

	waitFor(t, "several failed dials", func() bool { return dialer.Dials() >= 3 })
	if st, err := m.Status(); st == StatusConnected || err == nil {
		t.Fatalf("expected error state, got %q %v", st, err)
	}

	conn := newFakeConn()
	dialer.Add(conn)
	waitStatus(t, m, StatusConnected)
	if len(conn.Joins()) != 1 {
		t.Fatalf("join not sent after recovery")
	}
}

func TestEnsureConnectedIsNoOpForSameCredential(t *testing.T) {
	conn, replacement := newFakeConn(), newFakeConn()
	dialer := newFakeDialer(conn, replacement)
	m := NewManager(dialer, testOptions(), testLogger())
	tok := sessionToken(t, "u1", "acme")

	for i := 0; i < 3; i++ {
		if err := m.EnsureConnected(context.Background(), tok); err != nil {
			t.Fatalf("ensure connected: %v", err)
		}
	}
	defer m.Disconnect(context.Background())
	waitStatus(t, m, StatusConnected)
	time.Sleep(20 * time.Millisecond)
	if n := dialer.Dials(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}

	// a different credential replaces the connection
	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u2", "globex")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	waitFor(t, "replacement join", func() bool { return len(replacement.Joins()) == 1 })
	if !conn.Closed() {
		t.Fatalf("old connection should be closed")
	}
	if replacement.Joins()[0] != "globex" {
		t.Fatalf("unexpected tenant %v", replacement.Joins())
	}
}

func TestEnsureConnectedRejectsBadCredential(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(dialer, testOptions(), testLogger())
	if err := m.EnsureConnected(context.Background(), ""); err != ErrEmptyCredential {
		t.Fatalf("expected ErrEmptyCredential, got %v", err)
	}
	if err := m.EnsureConnected(context.Background(), "not-a-jwt"); err == nil {
		t.Fatalf("expected credential error")
	}
	if dialer.Dials() != 0 {
		t.Fatalf("nothing should be dialed")
	}
}

func TestDisconnectWaitsForGraceAndStopsDelivery(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	opts := testOptions()
	opts.LogoutGrace = 30 * time.Millisecond
	m := NewManager(dialer, opts, testLogger())

	var calls atomic.Int32
	m.Subscribe("map", contracts.EventDriverLocationUpdate, func(context.Context, contracts.Event) { calls.Add(1) })

	if err := m.EnsureConnected(context.Background(), sessionToken(t, "u1", "acme")); err != nil {
		t.Fatalf("ensure connected: %v", err)
	}
	waitStatus(t, m, StatusConnected)

	start := time.Now()
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if elapsed := time.Since(start); elapsed < opts.LogoutGrace {
		t.Fatalf("disconnect returned before the grace period: %v", elapsed)
	}
	if !conn.Closed() {
		t.Fatalf("connection should be closed")
	}
	if st, _ := m.Status(); st != StatusDisconnected {
		t.Fatalf("unexpected status %q", st)
	}

	time.Sleep(30 * time.Millisecond)
	if n := dialer.Dials(); n != 1 {
		t.Fatalf("no reconnect expected after disconnect, got %d dials", n)
	}
	if calls.Load() != 0 {
		t.Fatalf("no events expected")
	}

	// second disconnect is a no-op
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}
