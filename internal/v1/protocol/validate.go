package protocol

import (
	"math"
	"strings"
	"unicode"
)

const (
	// MaxPositionSeconds caps playback positions at 24 hours.
	MaxPositionSeconds = 86400.0
	// MaxNameLength bounds user and room names, in code points.
	MaxNameLength = 100
	// MaxChatMessageLength bounds chat message bodies.
	MaxChatMessageLength = 500
)

// IsValidPosition reports whether p is a finite playback position within
// [0, MaxPositionSeconds].
func IsValidPosition(p float64) bool {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return false
	}
	return p >= 0.0 && p <= MaxPositionSeconds
}

// IsValidPlayState accepts exactly "playing" or "paused".
func IsValidPlayState(s string) bool {
	return s == "playing" || s == "paused"
}

// IsValidMediaID accepts 32 ASCII hex characters, either case.
func IsValidMediaID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// SanitizeName trims surrounding whitespace, drops control characters, and
// truncates to MaxNameLength code points. The second return is false when
// nothing usable remains.
func SanitizeName(name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", false
	}
	var b strings.Builder
	count := 0
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		count++
		if count == MaxNameLength {
			break
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}
