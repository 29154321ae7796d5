package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleet-track/internal/general/contracts"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

const (
	wsWriteTimeout   = 5 * time.Second
	wsCloseAckWindow = 2 * time.Second
	ctrlTimeout      = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	readLimit        = 1 << 20 // 1 MiB
)

// Control frame types that never reach subscribers.
const (
	typeAuthSuccess = "auth_success"
	typeAuthError   = "auth_error"
	typeJoin        = "join"
	typeJoined      = "joined"
	typeError       = "error"
)

var (
	ErrClosed       = errors.New("websocket connection closed")
	ErrAuthRejected = errors.New("websocket authentication rejected")
)

// message is the {type, data} envelope used in both directions.
type message struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type joinData struct {
	Group string `json:"group"`
}

// Conn is an authenticated client connection. One goroutine reads, one pings;
// writes share a per-connection lock.
type Conn struct {
	ws      *websocket.Conn
	log     *logger.Logger
	writeMu sync.Mutex

	frames chan ports.Frame
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

func newConn(ws *websocket.Conn, log *logger.Logger) *Conn {
	conn := &Conn{
		ws:     ws,
		log:    log,
		frames: make(chan ports.Frame, 64),
		done:   make(chan struct{}),
	}

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(_ string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go conn.readLoop()
	go conn.pingLoop()
	return conn
}

// Join announces the tenant group the session belongs to.
func (conn *Conn) Join(ctx context.Context, tenantID string) error {
	data, err := json.Marshal(joinData{Group: contracts.GroupPrefix + tenantID})
	if err != nil {
		return err
	}
	if err := conn.writeJSON(message{Type: typeJoin, Data: data}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	conn.log.Debug(ctx, "ws_join_sent", "Join frame sent", map[string]any{"tenant_id": tenantID})
	return nil
}

// Next returns the next event frame.
func (conn *Conn) Next(ctx context.Context) (ports.Frame, error) {
	select {
	case <-ctx.Done():
		return ports.Frame{}, ctx.Err()
	case frame, ok := <-conn.frames:
		if !ok {
			return ports.Frame{}, conn.err()
		}
		return frame, nil
	}
}

// Close sends a normal close frame and releases the socket. Safe to call repeatedly.
func (conn *Conn) Close() error {
	var err error
	conn.closeOnce.Do(func() {
		close(conn.done)
		conn.wsWriteClose(websocket.CloseNormalClosure, "logout")
		err = conn.ws.Close()
	})
	return err
}

func (conn *Conn) readLoop() {
	defer close(conn.frames)
	for {
		mt, payload, err := conn.ws.ReadMessage()
		if err != nil {
			conn.setErr(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg message
		if err := json.Unmarshal(payload, &msg); err != nil {
			conn.log.Error(context.Background(), "ws_bad_frame", "Dropping non-JSON frame", err, nil)
			continue
		}
		switch msg.Type {
		case "", typeAuthSuccess, typeJoined:
			continue
		case typeError, typeAuthError:
			conn.log.Error(context.Background(), "ws_server_error", "Server reported an error", errors.New(msg.Error), map[string]any{
				"type": msg.Type,
			})
			continue
		}

		select {
		case conn.frames <- ports.Frame{Event: msg.Type, Payload: msg.Data}:
		case <-conn.done:
			conn.setErr(ErrClosed)
			return
		}
	}
}

// pingLoop keeps the read deadline alive on idle connections.
func (conn *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctrlTimeout))
			conn.writeMu.Unlock()
			if err != nil {
				// Close socket to unblock the reader.
				conn.log.Error(context.Background(), "ws_ping_failed", "Failed to send ping", err, nil)
				_ = conn.ws.Close()
				return
			}
		}
	}
}

// writeJSON marshals v and writes a single TextMessage under the write lock.
func (conn *Conn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.ws.WriteMessage(websocket.TextMessage, payload)
}

// wsWriteClose sends a close control frame with the given code and reason.
func (conn *Conn) wsWriteClose(code int, reason string) {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsCloseAckWindow),
	)
}

func (conn *Conn) setErr(err error) {
	conn.errMu.Lock()
	defer conn.errMu.Unlock()
	if conn.readErr == nil {
		conn.readErr = err
	}
}

func (conn *Conn) err() error {
	conn.errMu.Lock()
	defer conn.errMu.Unlock()
	select {
	case <-conn.done:
		return ErrClosed
	default:
	}
	if conn.readErr == nil {
		return ErrClosed
	}
	return conn.readErr
}
