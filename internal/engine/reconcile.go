package engine

import (
	"math"

	"github.com/couchsync/server/internal/domain"
)

// Plan is the set of player actions needed to converge a local snapshot
// onto a remote one. It is produced by Reconcile and executed by the
// engine; keeping it a pure value makes the convergence rules testable
// without any transport or player.
type Plan struct {
	Seek   bool
	SeekTo float64

	SetRate bool
	Rate    float64

	// Exactly one of Pause/Play is set: the remote snapshot always
	// carries an opinion on paused.
	Pause bool
	Play  bool
}

// Reconcile compares a local and a remote snapshot of the same video and
// returns the actions that bring the local player in line. Time drift
// within tolerance is deliberately left alone: seeking on every
// sub-threshold heartbeat would stutter playback without improving sync.
func Reconcile(local, remote domain.PlaybackState, tolerance float64) Plan {
	var p Plan

	if math.Abs(local.Time-remote.Time) > tolerance {
		p.Seek = true
		p.SeekTo = remote.Time
	}

	if remote.PlaybackRate > 0 && local.PlaybackRate != remote.PlaybackRate {
		p.SetRate = true
		p.Rate = remote.PlaybackRate
	}

	if remote.Paused {
		p.Pause = true
	} else {
		p.Play = true
	}

	return p
}

// NextVideo returns the cyclic successor of current in catalog order.
// When current is missing from the catalog (stale state, library
// reshuffle) it falls back to the first entry, so every peer still lands
// on the same video. Returns "" only for an empty catalog.
func NextVideo(catalog []domain.CatalogEntry, current string) string {
	if len(catalog) == 0 {
		return ""
	}

	for i, entry := range catalog {
		if entry.Name == current {
			return catalog[(i+1)%len(catalog)].Name
		}
	}

	return catalog[0].Name
}
