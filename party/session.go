// Package party ties the client pieces together: it listens for room
// playback broadcasts on the gateway, reconciles them against the local
// player, applies corrections through the player controller, and
// publishes locally observed play/pause/seek changes back to the room.
package party

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
	"github.com/val-makkas/absolute-cinema-sub001/gateway"
	"github.com/val-makkas/absolute-cinema-sub001/syncer"
)

const (
	defaultPollInterval = time.Second
	commandTimeout      = 5 * time.Second
	// seekEpsilon is how far the observed position may stray from the
	// position extrapolated since the last poll before it counts as a
	// local seek worth publishing.
	seekEpsilon = 1.5
)

// Gateway is the slice of the connection gateway the session needs.
type Gateway interface {
	Send(msg domain.Message)
	Subscribe(id string, types []string, h gateway.Handler)
	Unsubscribe(id string)
}

// Player is the slice of the process controller the session needs.
type Player interface {
	Position(ctx context.Context) (seconds float64, paused bool, err error)
	SeekTo(ctx context.Context, seconds float64) error
	SetPause(ctx context.Context, paused bool) error
}

type observation struct {
	pos    float64
	paused bool
	at     time.Time
	valid  bool
}

// Session is one client's membership in one room.
type Session struct {
	// DriftThreshold overrides the synchronizer default when > 0.
	DriftThreshold float64
	// PollInterval controls how often the local player is observed.
	PollInterval time.Duration

	gw       Gateway
	pl       Player
	roomID   string
	username string
	subID    string

	mu     sync.Mutex
	last   observation
	cancel context.CancelFunc
}

// New creates a session for roomID. Start joins the room.
func New(gw Gateway, pl Player, roomID, username string) *Session {
	return &Session{
		PollInterval: defaultPollInterval,
		gw:           gw,
		pl:           pl,
		roomID:       roomID,
		username:     username,
		subID:        "party-" + uuid.NewString(),
	}
}

// Start joins the room, subscribes to playback broadcasts and begins
// observing the local player. It returns immediately; Stop ends the
// session.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.gw.Subscribe(s.subID, []string{domain.TypePlayback}, func(msg domain.Message) {
		s.onPlayback(ctx, msg)
	})
	s.gw.Send(domain.Message{
		Type:     domain.TypeJoin,
		RoomID:   s.roomID,
		Username: s.username,
	})

	go s.observeLoop(ctx)
}

// Stop unsubscribes and stops observing. The gateway connection and the
// player process are owned by the caller and stay up.
func (s *Session) Stop() {
	s.gw.Unsubscribe(s.subID)
	if s.cancel != nil {
		s.cancel()
	}
}

// onPlayback reconciles one remote snapshot against the local player
// and applies whatever correction the synchronizer decides.
func (s *Session) onPlayback(ctx context.Context, msg domain.Message) {
	if msg.Data == nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	pos, paused, err := s.pl.Position(cctx)
	if err != nil {
		slog.Warn("local position unavailable", "error", err)
		return
	}

	corr := syncer.Reconcile(pos, paused, *msg.Data, time.Now(), s.DriftThreshold)
	if corr.IsZero() {
		return
	}

	if corr.SeekTo != nil {
		if err := s.pl.SeekTo(cctx, *corr.SeekTo); err != nil {
			slog.Warn("seek correction failed", "error", err)
		}
	}
	if corr.SetPause != nil {
		if err := s.pl.SetPause(cctx, *corr.SetPause); err != nil {
			slog.Warn("pause correction failed", "error", err)
		}
	}
	slog.Debug("correction applied", "sender", msg.Sender, "seek", corr.SeekTo != nil, "pause", corr.SetPause != nil)

	// the correction moves the local player; forget the previous
	// observation so it is not re-published as a local seek
	s.mu.Lock()
	s.last = observation{}
	s.mu.Unlock()
}

// observeLoop polls the local player and publishes position/pause
// changes that look user-initiated: a pause toggle, or a position that
// jumped away from where normal playback would have put it.
func (s *Session) observeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		pos, paused, err := s.pl.Position(cctx)
		cancel()
		if err != nil {
			continue
		}

		s.mu.Lock()
		last := s.last
		s.last = observation{pos: pos, paused: paused, at: time.Now(), valid: true}
		s.mu.Unlock()

		if !last.valid {
			continue
		}

		expected := last.pos
		if !last.paused {
			expected += time.Since(last.at).Seconds()
		}
		if paused == last.paused && math.Abs(pos-expected) <= seekEpsilon {
			continue
		}

		s.gw.Send(domain.Message{
			Type:   domain.TypePlayback,
			RoomID: s.roomID,
			Data:   &domain.PlaybackState{PositionSeconds: pos, Paused: paused},
		})
	}
}
