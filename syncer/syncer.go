// Package syncer reconciles a locally observed playback position with a
// remotely broadcast snapshot. It is a pure decision function: the
// caller applies the resulting correction through the player controller.
package syncer

import (
	"math"
	"time"

	"github.com/val-makkas/absolute-cinema-sub001/domain"
)

// DefaultDriftThreshold is the drift, in seconds, below which no seek is
// issued. Correcting on every update would cause visible jitter.
const DefaultDriftThreshold = 2.0

// Correction is the decided corrective action. A nil field means no
// action of that kind.
type Correction struct {
	SeekTo   *float64
	SetPause *bool
}

// IsZero reports whether no corrective action was decided.
func (c Correction) IsZero() bool {
	return c.SeekTo == nil && c.SetPause == nil
}

// Reconcile compares the local player state against a remote snapshot
// received at now and decides what, if anything, to correct.
//
// The remote position is advanced by the one-way latency (clamped to
// zero to tolerate clock skew) unless the remote is paused, in which
// case no time has elapsed since emission. A seek is emitted only when
// the drift exceeds threshold; pass threshold <= 0 for the default.
func Reconcile(localPos float64, localPaused bool, remote domain.PlaybackState, now time.Time, threshold float64) Correction {
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}

	target := remote.PositionSeconds
	if !remote.Paused {
		latency := float64(now.UnixMilli()-remote.EmittedAt) / 1000.0
		if latency < 0 {
			latency = 0
		}
		target += latency
	}

	var c Correction
	if math.Abs(localPos-target) > threshold {
		c.SeekTo = &target
	}
	if remote.Paused != localPaused {
		paused := remote.Paused
		c.SetPause = &paused
	}
	return c
}
