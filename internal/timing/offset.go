package timing

import (
	"math/rand"
	"time"

	"hitspin/internal/core"
)

// Package-level random number generator for offset selection
var rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Excerpt selection doesn't require crypto-secure randomness

// SelectOffset picks the playback window for a round. Tracks shorter than
// the window play from the start for their whole (clamped) length; longer
// tracks start at a uniform random offset in [0, durationMs-windowMs],
// bounds inclusive.
func SelectOffset(durationMs, windowMs int) core.PlaybackWindow {
	if durationMs <= 0 {
		return core.PlaybackWindow{OffsetMs: 0, PlayMs: windowMs}
	}

	if durationMs <= windowMs {
		playMs := windowMs
		if durationMs < playMs {
			playMs = durationMs
		}
		return core.PlaybackWindow{OffsetMs: 0, PlayMs: playMs}
	}

	maxOffset := durationMs - windowMs
	return core.PlaybackWindow{
		OffsetMs: rng.Intn(maxOffset + 1),
		PlayMs:   windowMs,
	}
}
