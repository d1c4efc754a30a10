package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
)

const (
	baseReconnectDelay   = time.Second
	maxReconnectDelay    = 30 * time.Second
	maxReconnectAttempts = 5
	defaultAuthWindow    = 10 * time.Second
	dialTimeout          = 15 * time.Second
	writeWait            = 10 * time.Second
)

// State is the gateway connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Backoff returns the reconnect delay before attempt n (n ≥ 1):
// min(1s · 2^(n-1), 30s).
func Backoff(attempt int) time.Duration {
	d := baseReconnectDelay << (attempt - 1)
	if d > maxReconnectDelay || d <= 0 {
		d = maxReconnectDelay
	}
	return d
}

// Handler receives an inbound message the subscriber registered for.
type Handler func(msg domain.Message)

type subscription struct {
	types   map[string]struct{}
	handler Handler
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Gateway is the single persistent room-protocol connection of one
// client process. It owns the auth handshake, reconnection with bounded
// exponential backoff, and fan-out of inbound messages to subscribers.
type Gateway struct {
	// AuthWindow bounds the wait for an auth outcome after dialing.
	// Set before Connect; defaults to 10s.
	AuthWindow time.Duration

	url    string
	dialer *websocket.Dialer

	mu             sync.Mutex
	state          State
	lastErr        error
	conn           *websocket.Conn
	token          string
	attempt        int
	userClosed     bool
	pending        *connectAttempt
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string]subscription
}

// New creates a gateway for the given websocket URL. No connection is
// opened until Connect.
func New(url string) *Gateway {
	return &Gateway{
		AuthWindow: defaultAuthWindow,
		url:        url,
		dialer:     websocket.DefaultDialer,
		subs:       make(map[string]subscription),
	}
}

// State returns the current connection state.
func (gw *Gateway) State() State {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.state
}

// Err returns the terminal condition the gateway is stuck in, if any:
// domain.ErrReconnectExhausted once the retry ceiling is reached.
// Cleared by the next explicit Connect.
func (gw *Gateway) Err() error {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.lastErr
}

// Connect opens the transport connection and performs the auth
// handshake. At most one live connection attempt exists per gateway:
// a call made while connected returns immediately, and a call made
// while a handshake is outstanding waits for that handshake's outcome.
func (gw *Gateway) Connect(ctx context.Context, token string) error {
	gw.mu.Lock()
	if gw.state == Connected {
		gw.mu.Unlock()
		return nil
	}
	if p := gw.pending; p != nil {
		gw.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if gw.reconnectTimer != nil {
		gw.reconnectTimer.Stop()
		gw.reconnectTimer = nil
	}
	p := &connectAttempt{done: make(chan struct{})}
	gw.pending = p
	gw.token = token
	gw.attempt = 0
	gw.userClosed = false
	gw.lastErr = nil
	gw.state = Connecting
	gw.mu.Unlock()

	err := gw.dialAndAuth(ctx, token)

	gw.mu.Lock()
	p.err = err
	gw.pending = nil
	if err != nil {
		gw.state = Disconnected
	}
	gw.mu.Unlock()
	close(p.done)
	return err
}

// Disconnect performs a normal, user-initiated closure: it cancels any
// pending reconnect, clears all reconnect state including the token,
// and closes the connection with code 1000. The gateway never retries
// after Disconnect.
func (gw *Gateway) Disconnect() {
	gw.mu.Lock()
	gw.userClosed = true
	gw.token = ""
	gw.attempt = 0
	if gw.reconnectTimer != nil {
		gw.reconnectTimer.Stop()
		gw.reconnectTimer = nil
	}
	conn := gw.conn
	gw.conn = nil
	gw.state = Disconnected
	gw.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	slog.Info("gateway disconnected")
}

// Send writes one message to the server. Messages sent while not
// authenticated are logged and dropped, never queued: freshness beats
// delivery for playback updates.
func (gw *Gateway) Send(msg domain.Message) {
	gw.mu.Lock()
	conn := gw.conn
	connected := gw.state == Connected
	gw.mu.Unlock()

	if !connected || conn == nil {
		slog.Warn("send dropped, not connected", "type", msg.Type)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "type", msg.Type, "error", err)
		return
	}

	gw.writeMu.Lock()
	defer gw.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Warn("send failed", "type", msg.Type, "error", err)
	}
}

// Subscribe registers interest in a set of message types. Re-subscribing
// with the same id replaces the previous registration.
func (gw *Gateway) Subscribe(id string, types []string, h Handler) {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	gw.subMu.Lock()
	gw.subs[id] = subscription{types: set, handler: h}
	gw.subMu.Unlock()
}

// Unsubscribe removes the subscriber with the given id.
func (gw *Gateway) Unsubscribe(id string) {
	gw.subMu.Lock()
	delete(gw.subs, id)
	gw.subMu.Unlock()
}

func (gw *Gateway) dialAndAuth(ctx context.Context, token string) error {
	conn, _, err := gw.dialer.DialContext(ctx, gw.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", gw.url, err)
	}

	gw.mu.Lock()
	gw.conn = conn
	gw.state = Authenticating
	gw.mu.Unlock()

	auth, _ := json.Marshal(domain.Message{Type: domain.TypeAuth, Token: token})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		conn.Close()
		return fmt.Errorf("auth write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(gw.AuthWindow))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return domain.ErrAuthenticationTimeout
			}
			return fmt.Errorf("auth read: %w", err)
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid message during auth", "error", err)
			continue
		}

		switch msg.Type {
		case domain.TypeAuthSuccess:
			conn.SetReadDeadline(time.Time{})
			gw.mu.Lock()
			gw.state = Connected
			gw.attempt = 0
			gw.mu.Unlock()
			slog.Info("gateway connected", "url", gw.url)
			go gw.readLoop(conn)
			return nil
		case domain.TypeAuthError:
			conn.Close()
			return fmt.Errorf("%w: %s", domain.ErrAuthenticationFailed, msg.Message)
		}
		// anything else during the handshake is ignored
	}
}

func (gw *Gateway) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			gw.handleClosure(conn, err)
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid message", "error", err)
			continue
		}
		gw.dispatch(msg)
	}
}

// dispatch delivers msg to every subscriber whose type set contains the
// message type. The subscriber set is snapshotted so subscribe and
// unsubscribe calls can race with delivery safely.
func (gw *Gateway) dispatch(msg domain.Message) {
	gw.subMu.RLock()
	handlers := make([]Handler, 0, len(gw.subs))
	for _, s := range gw.subs {
		if _, ok := s.types[msg.Type]; ok {
			handlers = append(handlers, s.handler)
		}
	}
	gw.subMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (gw *Gateway) handleClosure(conn *websocket.Conn, err error) {
	conn.Close()

	gw.mu.Lock()
	if gw.conn == conn {
		gw.conn = nil
	}
	if gw.userClosed {
		gw.mu.Unlock()
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		gw.state = Disconnected
		gw.attempt = 0
		gw.mu.Unlock()
		slog.Info("server closed connection")
		return
	}
	gw.mu.Unlock()

	slog.Warn("connection lost", "error", err)
	gw.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or
// surfaces the terminal reconnect-exhausted notice once the attempt
// ceiling is reached.
func (gw *Gateway) scheduleReconnect() {
	gw.mu.Lock()
	if gw.userClosed || gw.token == "" {
		gw.state = Disconnected
		gw.mu.Unlock()
		return
	}
	gw.attempt++
	if gw.attempt > maxReconnectAttempts {
		gw.state = Disconnected
		gw.lastErr = domain.ErrReconnectExhausted
		gw.mu.Unlock()
		slog.Error("reconnect attempts exhausted", "attempts", maxReconnectAttempts)
		gw.dispatch(domain.Message{Type: domain.TypeReconnectExhausted})
		return
	}
	gw.state = Reconnecting
	delay := Backoff(gw.attempt)
	gw.reconnectTimer = time.AfterFunc(delay, gw.retry)
	gw.mu.Unlock()

	slog.Info("reconnect scheduled", "attempt", gw.attempt, "delay", delay)
}

func (gw *Gateway) retry() {
	gw.mu.Lock()
	if gw.state != Reconnecting || gw.userClosed || gw.pending != nil {
		gw.mu.Unlock()
		return
	}
	token := gw.token
	p := &connectAttempt{done: make(chan struct{})}
	gw.pending = p
	gw.state = Connecting
	gw.reconnectTimer = nil
	gw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	err := gw.dialAndAuth(ctx, token)

	gw.mu.Lock()
	p.err = err
	gw.pending = nil
	gw.mu.Unlock()
	close(p.done)

	if err != nil {
		slog.Warn("reconnect failed", "error", err)
		gw.scheduleReconnect()
	}
}
