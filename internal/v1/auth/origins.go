package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/logging"
)

// ParseAllowedOrigins splits a comma-separated allow-list, trimming entries
// and dropping empties.
func ParseAllowedOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// IsOriginAllowed reports whether origin matches the allow-list. A wildcard
// entry disables the check entirely, which is worth shouting about.
func IsOriginAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" {
			logging.Warn(context.Background(),
				"SECURITY: wildcard origin (*) configured, ALL origins allowed",
				zap.String("origin", origin))
			return true
		}
	}
	for _, o := range allowed {
		if o == origin {
			return true
		}
	}
	return false
}
