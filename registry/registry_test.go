package registry

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) getReceived() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, 0, len(m.received))
	for _, raw := range m.received {
		var msg domain.Message
		if err := json.Unmarshal(raw, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func received(m *mockConn, msgType string) []domain.Message {
	var out []domain.Message
	for _, msg := range m.getReceived() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestRegistry_JoinBroadcast(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*Registry) (joiner *mockConn, others []*mockConn)
		wantJoined map[string]int
	}{
		{
			name: "others are notified, joiner is not",
			setup: func(g *Registry) (*mockConn, []*mockConn) {
				a := &mockConn{id: "a"}
				b := &mockConn{id: "b"}
				g.Join(a, "room1", "alice")
				g.Join(b, "room1", "bob")
				return b, []*mockConn{a}
			},
			wantJoined: map[string]int{"a": 1, "b": 0},
		},
		{
			name: "no cross-room notification",
			setup: func(g *Registry) (*mockConn, []*mockConn) {
				a := &mockConn{id: "a"}
				b := &mockConn{id: "b"}
				g.Join(a, "room1", "alice")
				g.Join(b, "room2", "bob")
				return b, []*mockConn{a}
			},
			wantJoined: map[string]int{"a": 0},
		},
		{
			name: "re-join is idempotent",
			setup: func(g *Registry) (*mockConn, []*mockConn) {
				a := &mockConn{id: "a"}
				b := &mockConn{id: "b"}
				g.Join(a, "room1", "alice")
				g.Join(b, "room1", "bob")
				g.Join(b, "room1", "bob")
				return b, []*mockConn{a}
			},
			wantJoined: map[string]int{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(nil)
			conn, conns := tt.setup(g)
			conns = append(conns, conn)

			for _, c := range conns {
				if want, ok := tt.wantJoined[c.ID()]; ok {
					assert.Len(t, received(c, domain.TypeUserJoined), want, "conn %s", c.ID())
				}
			}
		})
	}
}

func TestRegistry_RoomExistsIffMembers(t *testing.T) {
	g := New(nil)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}

	rooms, members := g.Stats()
	require.Zero(t, rooms)
	require.Zero(t, members)

	g.Join(a, "room1", "alice")
	g.Join(b, "room1", "bob")
	rooms, members = g.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 2, members)

	g.Leave(a)
	rooms, members = g.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, members)

	g.Leave(b)
	rooms, members = g.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, members)

	// leave of a never-joined connection is a no-op
	g.Leave(&mockConn{id: "ghost"})
	rooms, _ = g.Stats()
	assert.Zero(t, rooms)
}

func TestRegistry_LeaveNotifiesRemaining(t *testing.T) {
	g := New(nil)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	c := &mockConn{id: "c"}
	g.Join(a, "room1", "alice")
	g.Join(b, "room1", "bob")
	g.Join(c, "room1", "carol")

	g.Leave(b)

	left := received(a, domain.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].Username)
	assert.NotZero(t, left[0].Timestamp)
	assert.Len(t, received(c, domain.TypeUserLeft), 1)
	assert.Empty(t, received(b, domain.TypeUserLeft))
}

func TestRegistry_HostAssignment(t *testing.T) {
	g := New(nil)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	c := &mockConn{id: "c"}
	g.Join(a, "room1", "alice")
	g.Join(b, "room1", "bob")
	g.Join(c, "room1", "carol")

	host, ok := g.Host("room1")
	require.True(t, ok)
	assert.Equal(t, "a", host, "first joiner is host")

	g.Leave(b)
	host, _ = g.Host("room1")
	assert.Equal(t, "a", host, "host unchanged while connected")

	g.Leave(a)
	host, _ = g.Host("room1")
	assert.Equal(t, "b", host, "earliest remaining member becomes host")
}

func TestRegistry_ApplyPlayback(t *testing.T) {
	g := New(nil)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	g.Join(a, "room1", "alice")
	g.Join(b, "room1", "bob")

	g.ApplyPlayback(a, 42.5, false)

	// sender never receives its own broadcast
	assert.Empty(t, received(a, domain.TypePlayback))

	msgs := received(b, domain.TypePlayback)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Data)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, 42.5, msgs[0].Data.PositionSeconds)
	assert.False(t, msgs[0].Data.Paused)
	assert.NotZero(t, msgs[0].Data.EmittedAt, "emittedAt stamped at broadcast")

	snap, ok := g.Playback("room1")
	require.True(t, ok)
	assert.Equal(t, 42.5, snap.PositionSeconds)

	// last write wins
	g.ApplyPlayback(b, 50.0, true)
	snap, _ = g.Playback("room1")
	assert.Equal(t, 50.0, snap.PositionSeconds)
	assert.True(t, snap.Paused)
}

func TestRegistry_PlaybackWithoutRoom(t *testing.T) {
	g := New(nil)
	stray := &mockConn{id: "stray"}

	// logged and dropped, never propagated
	g.ApplyPlayback(stray, 10, false)

	rooms, _ := g.Stats()
	assert.Zero(t, rooms)
	_, ok := g.Playback("room1")
	assert.False(t, ok)
}

func TestRegistry_BroadcastChat(t *testing.T) {
	g := New(nil)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	c := &mockConn{id: "c"}
	g.Join(a, "room1", "alice")
	g.Join(b, "room1", "bob")
	g.Join(c, "room1", "carol")

	g.BroadcastChat(a, "hello")

	assert.Empty(t, received(a, domain.TypeChat))
	for _, other := range []*mockConn{b, c} {
		msgs := received(other, domain.TypeChat)
		require.Len(t, msgs, 1, "conn %s", other.ID())
		assert.Equal(t, "hello", msgs[0].Message)
		assert.Equal(t, "alice", msgs[0].Username)
		assert.NotZero(t, msgs[0].Timestamp)
	}
}

func TestRegistry_JoinRacesLastLeave(t *testing.T) {
	for i := 0; i < 2000; i++ {
		g := New(nil)
		a := &mockConn{id: "a"}
		b := &mockConn{id: "b"}
		g.Join(b, "room1", "bob")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Join(a, "room1", "alice")
		}()
		go func() {
			defer wg.Done()
			g.Leave(b)
		}()
		wg.Wait()

		rooms, members := g.Stats()
		require.Equal(t, 1, rooms, "iteration %d", i)
		require.Equal(t, 1, members, "iteration %d", i)

		// the joiner must have landed in the live room, not an orphan
		g.ApplyPlayback(a, float64(i), false)
		snap, ok := g.Playback("room1")
		require.True(t, ok, "iteration %d: joiner stranded", i)
		require.Equal(t, float64(i), snap.PositionSeconds, "iteration %d", i)
	}
}

func TestRegistry_MoveRoom(t *testing.T) {
	g := New(nil)
	a := &mockConn{id: "a"}
	b := &mockConn{id: "b"}
	g.Join(a, "room1", "alice")
	g.Join(b, "room1", "bob")

	g.Join(b, "room2", "bob")

	rooms, members := g.Stats()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 2, members)
	assert.Len(t, received(a, domain.TypeUserLeft), 1)

	g.ApplyPlayback(b, 5, false)
	assert.Empty(t, received(a, domain.TypePlayback), "no leak across rooms")
}
