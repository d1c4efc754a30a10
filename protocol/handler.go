package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
	"github.com/val-makkas/absolute-cinema-sub001/metrics"
)

// TokenVerifier validates an opaque auth token. A nil verifier accepts
// any non-empty token.
type TokenVerifier func(token string) error

// Handler routes inbound room-protocol messages from one connection to
// the registry. A connection must authenticate before any other message
// is accepted.
type Handler struct {
	registry domain.Registry
	verify   TokenVerifier
	met      *metrics.Metrics

	mu     sync.Mutex
	authed map[string]bool
}

func NewHandler(reg domain.Registry, verify TokenVerifier, met *metrics.Metrics) *Handler {
	return &Handler{
		registry: reg,
		verify:   verify,
		met:      met,
		authed:   make(map[string]bool),
	}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		h.met.IncMalformed()
		return
	}

	if msg.Type == domain.TypeAuth {
		h.handleAuth(conn, msg)
		return
	}

	if !h.isAuthed(conn) {
		slog.Warn("message before auth", "clientId", conn.ID(), "type", msg.Type)
		return
	}

	switch msg.Type {
	case domain.TypeJoin:
		h.registry.Join(conn, msg.RoomID, msg.Username)
	case domain.TypePlayback:
		if msg.Data == nil {
			slog.Warn("playback message without data", "clientId", conn.ID())
			h.met.IncMalformed()
			return
		}
		h.registry.ApplyPlayback(conn, msg.Data.PositionSeconds, msg.Data.Paused)
	case domain.TypeChat:
		h.registry.BroadcastChat(conn, msg.Message)
	default:
		slog.Warn("unknown message type", "clientId", conn.ID(), "type", msg.Type)
	}
}

// Disconnect releases the connection's auth state and room membership.
// Called exactly once per closed connection by the transport adapter.
func (h *Handler) Disconnect(conn domain.Connection) {
	h.mu.Lock()
	delete(h.authed, conn.ID())
	h.mu.Unlock()

	h.registry.Leave(conn)
}

func (h *Handler) handleAuth(conn domain.Connection, msg domain.Message) {
	if err := h.checkToken(msg.Token); err != nil {
		slog.Warn("auth rejected", "clientId", conn.ID(), "error", err)
		h.reply(conn, domain.Message{Type: domain.TypeAuthError, Message: err.Error()})
		return
	}

	h.mu.Lock()
	h.authed[conn.ID()] = true
	h.mu.Unlock()

	slog.Info("client authenticated", "clientId", conn.ID())
	h.reply(conn, domain.Message{Type: domain.TypeAuthSuccess})
}

func (h *Handler) checkToken(token string) error {
	if token == "" {
		return domain.ErrAuthenticationFailed
	}
	if h.verify != nil {
		return h.verify(token)
	}
	return nil
}

func (h *Handler) isAuthed(conn domain.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authed[conn.ID()]
}

func (h *Handler) reply(conn domain.Connection, msg domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("reply failed", "clientId", conn.ID(), "error", err)
	}
}
