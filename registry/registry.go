package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
	"github.com/val-makkas/absolute-cinema-sub001/metrics"
)

type member struct {
	conn     domain.Connection
	username string
	seq      int64 // join order, used for host handoff
}

type room struct {
	id        string
	members   map[string]*member
	hostID    string
	playback  *domain.PlaybackState
	updatedAt time.Time
	mu        sync.Mutex // serializes all operations within one room
}

// Registry owns the set of rooms and their membership. A room exists iff
// it has at least one member: it is created lazily on first join and
// deleted synchronously when its last member leaves.
type Registry struct {
	rooms  map[string]*room
	byConn map[string]string // connection id → room id
	mu     sync.RWMutex
	seq    atomic.Int64
	met    *metrics.Metrics
}

// New creates an empty registry. met may be nil.
func New(met *metrics.Metrics) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[string]string),
		met:    met,
	}
}

// Join adds conn to roomID, creating the room if absent. Re-joining the
// same room is a no-op; joining a different room leaves the old one
// first. The first joiner becomes host. All other current members
// receive a user-joined event.
func (g *Registry) Join(conn domain.Connection, roomID, username string) {
	g.mu.Lock()
	if prev, ok := g.byConn[conn.ID()]; ok {
		if prev == roomID {
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
		g.Leave(conn)
		g.mu.Lock()
	}
	r, exists := g.rooms[roomID]
	if !exists {
		r = &room{id: roomID, members: make(map[string]*member)}
		g.rooms[roomID] = r
	}
	g.byConn[conn.ID()] = roomID
	// take the room lock before releasing the registry lock: a
	// concurrent leave of the last member must not delete the room
	// between the lookup above and the insert below
	r.mu.Lock()
	g.mu.Unlock()

	if _, ok := r.members[conn.ID()]; ok {
		r.mu.Unlock()
		return
	}
	r.members[conn.ID()] = &member{conn: conn, username: username, seq: g.seq.Add(1)}
	if r.hostID == "" {
		r.hostID = conn.ID()
	}
	count := len(r.members)
	g.fanout(r, conn.ID(), domain.Message{
		Type:      domain.TypeUserJoined,
		Username:  username,
		Timestamp: domain.NowMillis(),
	})
	r.mu.Unlock()

	slog.Info("member joined", "room", roomID, "clientId", conn.ID(), "username", username, "members", count)
}

// Leave removes conn from its room; no-op if conn was never joined. The
// remaining members receive a user-left event; if the leaver was host,
// the earliest-joined remaining member becomes host. An empty room is
// deleted.
func (g *Registry) Leave(conn domain.Connection) {
	g.mu.Lock()
	roomID, ok := g.byConn[conn.ID()]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.byConn, conn.ID())
	r := g.rooms[roomID]
	g.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	m, ok := r.members[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, conn.ID())
	if r.hostID == conn.ID() {
		r.hostID = ""
		var earliest int64
		for id, rest := range r.members {
			if r.hostID == "" || rest.seq < earliest {
				r.hostID = id
				earliest = rest.seq
			}
		}
	}
	count := len(r.members)
	if count > 0 {
		g.fanout(r, conn.ID(), domain.Message{
			Type:      domain.TypeUserLeft,
			Username:  m.username,
			Timestamp: domain.NowMillis(),
		})
	}
	r.mu.Unlock()

	slog.Info("member left", "room", roomID, "clientId", conn.ID(), "username", m.username, "members", count)

	if count == 0 {
		g.mu.Lock()
		r.mu.Lock()
		// only delete the exact room object observed empty: the id may
		// have been re-created in the meantime
		if len(r.members) == 0 && g.rooms[roomID] == r {
			delete(g.rooms, roomID)
			slog.Info("room removed", "room", roomID)
		}
		r.mu.Unlock()
		g.mu.Unlock()
	}
}

// ApplyPlayback replaces the room's playback snapshot wholesale, stamps
// emittedAt, and broadcasts it to every member except the sender.
// Last write wins; a connection not in a room is logged and ignored.
func (g *Registry) ApplyPlayback(conn domain.Connection, positionSeconds float64, paused bool) {
	r := g.roomOf(conn)
	if r == nil {
		slog.Warn("playback update from connection without a room", "clientId", conn.ID())
		return
	}

	r.mu.Lock()
	m, ok := r.members[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	snap := &domain.PlaybackState{
		PositionSeconds: positionSeconds,
		Paused:          paused,
		EmittedAt:       domain.NowMillis(),
	}
	r.playback = snap
	r.updatedAt = time.Now()
	g.fanout(r, conn.ID(), domain.Message{
		Type:   domain.TypePlayback,
		Sender: m.username,
		Data:   snap,
	})
	r.mu.Unlock()

	g.met.IncPlaybackUpdates()
}

// BroadcastChat fans a chat message out to every member except the
// sender. No room state is mutated.
func (g *Registry) BroadcastChat(conn domain.Connection, text string) {
	r := g.roomOf(conn)
	if r == nil {
		slog.Warn("chat from connection without a room", "clientId", conn.ID())
		return
	}

	r.mu.Lock()
	m, ok := r.members[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	g.fanout(r, conn.ID(), domain.Message{
		Type:      domain.TypeChat,
		Message:   text,
		Username:  m.username,
		Timestamp: domain.NowMillis(),
	})
	r.mu.Unlock()

	g.met.IncChatMessages()
}

// Stats returns the current room and member counts.
func (g *Registry) Stats() (rooms, members int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rooms = len(g.rooms)
	for _, r := range g.rooms {
		r.mu.Lock()
		members += len(r.members)
		r.mu.Unlock()
	}
	return rooms, members
}

// Host returns the host connection id of roomID, if the room exists.
func (g *Registry) Host(roomID string) (string, bool) {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID, true
}

// Playback returns the last playback snapshot of roomID, if any.
func (g *Registry) Playback(roomID string) (domain.PlaybackState, bool) {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return domain.PlaybackState{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playback == nil {
		return domain.PlaybackState{}, false
	}
	return *r.playback, true
}

// fanout sends msg to every member except excludeID. Callers hold r.mu.
// A member whose send fails is detached asynchronously, as the room lock
// is held here.
func (g *Registry) fanout(r *room, excludeID string, msg domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "room", r.id, "type", msg.Type, "error", err)
		return
	}

	delivered := 0
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			go g.Leave(m.conn)
			continue
		}
		delivered++
	}
	g.met.AddBroadcasts(delivered)
}

func (g *Registry) roomOf(conn domain.Connection) *room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	roomID, ok := g.byConn[conn.ID()]
	if !ok {
		return nil
	}
	return g.rooms[roomID]
}
