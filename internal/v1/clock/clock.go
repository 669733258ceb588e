// Package clock provides the millisecond timestamps used for playback
// scheduling, throttling, and liveness tracking.
package clock

import (
	"k8s.io/utils/clock"
)

// source is swappable so tests can drive time deterministically.
var source clock.PassiveClock = clock.RealClock{}

// SetSource replaces the underlying clock. Intended for tests; returns a
// restore function for the previous source.
func SetSource(c clock.PassiveClock) func() {
	prev := source
	source = c
	return func() { source = prev }
}

// NowMs returns the current wall-clock time as milliseconds since the Unix
// epoch. If the clock reports a time before the epoch the result is 0 rather
// than a huge unsigned value; callers doing `now - prev` arithmetic must
// guard with prev <= now.
func NowMs() uint64 {
	ms := source.Now().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
