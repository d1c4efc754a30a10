package domain

import "time"

// Message types carried on the room protocol. ReconnectExhausted is a
// gateway-local notice and never appears on the wire.
const (
	TypeAuth               = "auth"
	TypeAuthSuccess        = "auth_success"
	TypeAuthError          = "auth_error"
	TypeJoin               = "join"
	TypePlayback           = "playback"
	TypeChat               = "chat"
	TypeUserJoined         = "user-joined"
	TypeUserLeft           = "user-left"
	TypeReconnectExhausted = "reconnect-exhausted"
)

// PlaybackState is one playback snapshot. EmittedAt is stamped in Unix
// milliseconds at the moment of broadcast so recipients can compute
// one-way latency; it is zero on client-originated updates.
type PlaybackState struct {
	PositionSeconds float64 `json:"positionSeconds"`
	Paused          bool    `json:"paused"`
	EmittedAt       int64   `json:"emittedAt,omitempty"`
}

// Message is the single envelope for every room-protocol message.
// Unused fields are omitted per type.
type Message struct {
	Type      string         `json:"type"`
	Token     string         `json:"token,omitempty"`
	RoomID    string         `json:"roomId,omitempty"`
	Username  string         `json:"username,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      *PlaybackState `json:"data,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// NowMillis returns the current time in Unix milliseconds, the timestamp
// unit used everywhere on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Connection is an opaque per-socket handle the registry can send bytes
// to. Created on accept, destroyed on close.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Registry tracks rooms, membership and last playback state.
type Registry interface {
	Join(conn Connection, roomID, username string)
	Leave(conn Connection)
	ApplyPlayback(conn Connection, positionSeconds float64, paused bool)
	BroadcastChat(conn Connection, text string)
	Stats() (rooms, members int)
}

// MessageHandler processes inbound messages from one connection.
// Disconnect must be called exactly once when the connection closes,
// including abnormal closures.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}
