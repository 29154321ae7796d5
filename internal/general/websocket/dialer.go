package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleet-track/internal/general/jwt"
	"fleet-track/internal/general/logger"
	"fleet-track/internal/ports"
)

const authReplyTimeout = 5 * time.Second

// Dialer connects to the realtime endpoint and performs the auth handshake.
type Dialer struct {
	url    string
	log    *logger.Logger
	dialer *websocket.Dialer
}

// NewDialer builds a Dialer for a ws:// or wss:// URL.
func NewDialer(url string, log *logger.Logger) *Dialer {
	return &Dialer{
		url: url,
		log: log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Dial opens the socket, sends the auth frame and waits for auth_success.
func (dialer *Dialer) Dial(ctx context.Context, credential string) (ports.Conn, error) {
	frame, err := jwt.NewAuthFrame(credential)
	if err != nil {
		return nil, err
	}

	ws, _, err := dialer.dialer.DialContext(ctx, dialer.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dialer.url, err)
	}

	// auth must be answered within a bounded window
	deadline := time.Now().Add(authReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	_ = ws.SetReadDeadline(deadline)
	_, reply, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	var msg message
	if err := json.Unmarshal(reply, &msg); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("decode auth reply: %w", err)
	}
	if msg.Type != typeAuthSuccess {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, msg.Error)
	}

	dialer.log.Info(ctx, "ws_connected", "Realtime WebSocket connected", map[string]any{"url": dialer.url})
	return newConn(ws, dialer.log), nil
}
