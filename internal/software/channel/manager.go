package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/jwt"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

// Status is the connectivity state of the session connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

var (
	ErrEmptyCredential = errors.New("credential is required")
	ErrNilHandler      = errors.New("handler is required")
)

// Options tune the connection policy.
type Options struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	LogoutGrace    time.Duration
}

// Manager owns the single realtime connection of a session and fans events out to subscribers.
type Manager struct {
	dialer ports.Dialer
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	subs    map[string]*subscription // token -> subscription
	byKey   map[subKey]string        // (consumer, event) -> token
	seq     uint64
	session *session
	status  Status
	lastErr error
}

type subKey struct {
	consumer string
	event    string
}

type subscription struct {
	token    string
	consumer string
	event    string
	seq      uint64
	handler  ports.EventHandler
}

type session struct {
	credential string
	tenantID   string
	cancel     context.CancelFunc
	done       chan struct{}
	conn       ports.Conn
}

var _ ports.EventBus = (*Manager)(nil)

// NewManager creates a Manager. Nothing is dialed until EnsureConnected.
func NewManager(dialer ports.Dialer, opts Options, logger *logger.Logger) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 20 * time.Second
	}
	return &Manager{
		dialer: dialer,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		subs:   make(map[string]*subscription),
		byKey:  make(map[subKey]string),
		status: StatusDisconnected,
	}
}

// Subscribe registers handler for event on behalf of consumerID and returns the unsubscribe token.
// Subscribing the same (consumer, event) pair again replaces the handler and keeps the token.
// An empty consumerID always creates a new subscription.
func (manager *Manager) Subscribe(consumerID, event string, handler ports.EventHandler) string {
	if handler == nil {
		manager.logger.Error(context.Background(), "channel_subscribe_rejected", "Subscribe called without a handler", ErrNilHandler, map[string]any{
			"consumer_id": consumerID,
			"event":       event,
		})
		return ""
	}
	if consumerID == "" {
		consumerID = uuid.NewString()
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	key := subKey{consumer: consumerID, event: event}
	if token, ok := manager.byKey[key]; ok {
		manager.subs[token].handler = handler
		return token
	}

	manager.seq++
	sub := &subscription{
		token:    uuid.NewString(),
		consumer: consumerID,
		event:    event,
		seq:      manager.seq,
		handler:  handler,
	}
	manager.subs[sub.token] = sub
	manager.byKey[key] = sub.token
	return sub.token
}

// Unsubscribe removes exactly the subscription behind token. Unknown tokens are ignored.
func (manager *Manager) Unsubscribe(token string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	sub, ok := manager.subs[token]
	if !ok {
		return
	}
	delete(manager.subs, token)
	delete(manager.byKey, subKey{consumer: sub.consumer, event: sub.event})
}

// Subscribers reports how many handlers are registered for event.
func (manager *Manager) Subscribers(event string) int {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	n := 0
	for _, sub := range manager.subs {
		if sub.event == event {
			n++
		}
	}
	return n
}

// Status returns the current connectivity state and the last connection error.
func (manager *Manager) Status() (Status, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.status, manager.lastErr
}

// EnsureConnected starts the connection loop for credential unless one is already running for it.
// A different credential replaces the running connection.
func (manager *Manager) EnsureConnected(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	tenantID, err := jwt.TenantFromToken(credential)
	if err != nil {
		return fmt.Errorf("read tenant from credential: %w", err)
	}

	manager.mu.Lock()
	current := manager.session
	if current != nil && current.credential == credential && !isDone(current.done) {
		manager.mu.Unlock()
		return nil
	}
	manager.session = nil
	manager.mu.Unlock()

	// credential changed or the old loop died
	if current != nil {
		manager.stopSession(ctx, current)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		credential: credential,
		tenantID:   tenantID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	manager.mu.Lock()
	if manager.session != nil {
		// lost a race with a concurrent EnsureConnected
		manager.mu.Unlock()
		cancel()
		return nil
	}
	manager.session = sess
	manager.status = StatusConnecting
	manager.lastErr = nil
	manager.mu.Unlock()

	go manager.run(loopCtx, sess)
	return nil
}

// Disconnect tears the connection down, waits for the loop to exit, then
// waits the logout grace so the server can mark the session offline.
func (manager *Manager) Disconnect(ctx context.Context) error {
	manager.mu.Lock()
	sess := manager.session
	manager.session = nil
	manager.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := manager.stopSession(ctx, sess); err != nil {
		return err
	}

	manager.setStatus(nil, StatusDisconnected, nil)
	manager.logger.Info(ctx, "channel_disconnected", "Realtime connection closed on logout", map[string]any{
		"tenant_id": sess.tenantID,
	})

	if manager.opts.LogoutGrace <= 0 {
		return nil
	}
	timer := time.NewTimer(manager.opts.LogoutGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (manager *Manager) stopSession(ctx context.Context, sess *session) error {
	sess.cancel()

	manager.mu.Lock()
	conn := sess.conn
	manager.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run dials, joins and reads until ctx ends, reconnecting at a constant delay.
func (manager *Manager) run(ctx context.Context, sess *session) {
	defer close(sess.done)

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		manager.setStatus(sess, StatusConnecting, nil)

		dialCtx, cancel := context.WithTimeout(ctx, manager.opts.DialTimeout)
		conn, err := manager.dialer.Dial(dialCtx, sess.credential)
		cancel()
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}

		// announce scope on every (re)connect
		if err := conn.Join(ctx, sess.tenantID); err != nil {
			_ = conn.Close()
			return fmt.Errorf("join tenant group: %w", err)
		}

		if !manager.attach(sess, conn) {
			_ = conn.Close()
			return backoff.Permanent(context.Canceled)
		}
		manager.setStatus(sess, StatusConnected, nil)
		manager.logger.Info(ctx, "channel_connected", "Realtime connection established", map[string]any{
			"tenant_id": sess.tenantID,
			"attempt":   attempt,
		})

		err = manager.read(ctx, conn)
		manager.detach(sess, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		manager.setStatus(sess, StatusError, err)
		manager.logger.Error(ctx, "channel_reconnect_scheduled", "Realtime connection failed, retrying", err, map[string]any{
			"tenant_id": sess.tenantID,
			"attempt":   attempt,
			"retry_ms":  wait.Milliseconds(),
		})
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(manager.opts.ReconnectDelay), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil && !errors.Is(err, context.Canceled) {
		manager.logger.Error(ctx, "channel_loop_exited", "Realtime connection loop stopped", err, nil)
	}
	manager.setStatus(sess, StatusDisconnected, nil)
}

// read decodes frames and dispatches them in arrival order until the connection fails.
func (manager *Manager) read(ctx context.Context, conn ports.Conn) error {
	for {
		frame, err := conn.Next(ctx)
		if err != nil {
			return err
		}

		event, err := contracts.DecodeEvent(frame.Event, frame.Payload, manager.now())
		if err != nil {
			manager.logger.Error(ctx, "channel_frame_rejected", "Dropping invalid realtime event", err, map[string]any{
				"event": frame.Event,
			})
			continue
		}
		manager.dispatch(ctx, event)
	}
}

// dispatch calls every handler subscribed at the time of arrival, in subscription order.
func (manager *Manager) dispatch(ctx context.Context, event contracts.Event) {
	name := event.EventName()

	manager.mu.Lock()
	targets := make([]*subscription, 0, 4)
	for _, sub := range manager.subs {
		if sub.event == name {
			cp := *sub
			targets = append(targets, &cp)
		}
	}
	manager.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, sub := range targets {
		// a handler removed by an earlier handler in this round must not fire
		if !manager.live(sub.token) {
			continue
		}
		manager.invoke(ctx, sub, event)
	}
}

func (manager *Manager) invoke(ctx context.Context, sub *subscription, event contracts.Event) {
	defer func() {
		if r := recover(); r != nil {
			manager.logger.Error(ctx, "channel_handler_panic", "Subscriber panicked while handling event", fmt.Errorf("%v", r), map[string]any{
				"consumer_id": sub.consumer,
				"event":       sub.event,
			})
		}
	}()
	sub.handler(ctx, event)
}

func (manager *Manager) live(token string) bool {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	_, ok := manager.subs[token]
	return ok
}

func (manager *Manager) attach(sess *session, conn ports.Conn) bool {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if isDone(sess.done) || manager.session != sess {
		return false
	}
	sess.conn = conn
	return true
}

func (manager *Manager) detach(sess *session, conn ports.Conn) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if sess.conn == conn {
		sess.conn = nil
	}
}

// setStatus records status for sess; a nil sess or the current session may update it.
func (manager *Manager) setStatus(sess *session, status Status, err error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if sess != nil && manager.session != sess {
		return
	}
	manager.status = status
	if err != nil || status == StatusConnected || status == StatusDisconnected {
		manager.lastErr = err
	}
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
