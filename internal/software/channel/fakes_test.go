package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"fleet-track/internal/domain/user"
	"fleet-track/internal/general/jwt"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

var errConnLost = errors.New("connection lost")

type fakeConn struct {
	frames chan ports.Frame
	fail   chan error

	mu     sync.Mutex
	joins  []string
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan ports.Frame, 16),
		fail:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Join(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, tenantID)
	return nil
}

func (c *fakeConn) Next(ctx context.Context) (ports.Frame, error) {
	select {
	case <-ctx.Done():
		return ports.Frame{}, ctx.Err()
	case <-c.done:
		return ports.Frame{}, io.EOF
	case err := <-c.fail:
		return ports.Frame{}, err
	case f := <-c.frames:
		return f, nil
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) Joins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) push(event, payload string) {
	c.frames <- ports.Frame{Event: event, Payload: []byte(payload)}
}

// fakeDialer hands out queued connections; with none queued it fails the dial.
type fakeDialer struct {
	mu          sync.Mutex
	conns       []*fakeConn
	dials       int
	credentials []string
	dialed      chan *fakeConn
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	return &fakeDialer{conns: conns, dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (ports.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.credentials = append(d.credentials, credential)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) Add(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testLogger() *logger.Logger { return logger.NewWithOutput("test", io.Discard) }

func testOptions() Options {
	return Options{ReconnectDelay: 10 * time.Millisecond, DialTimeout: time.Second, LogoutGrace: 0}
}

func sessionToken(t *testing.T, subject, tenant string) string {
	t.Helper()
	mgr, err := jwt.NewManager("channel-test", time.Hour)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	tok, _, err := mgr.IssueSessionToken(subject, tenant, user.RoleDispatcher)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func waitDialed(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("connection was never dialed")
		return nil
	}
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := m.Status(); got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, err := m.Status()
	t.Fatalf("status %q (err %v), want %q", got, err, want)
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
