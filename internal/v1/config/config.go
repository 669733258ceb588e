// Package config loads and validates environment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults for the optional variables.
const (
	DefaultPort           = "3000"
	DefaultAudience       = "OpenWatchParty"
	DefaultIssuer         = "Jellyfin"
	DefaultAllowedOrigins = "http://localhost:8096,https://localhost:8096"
	DefaultLogLevel       = "info"
	DefaultRateLimitWsIP  = "60-M"
)

// Config holds validated environment configuration.
type Config struct {
	// JWTSecret is the shared HMAC secret. Empty disables authentication
	// globally (anonymous mode).
	JWTSecret   string
	JWTAudience string
	JWTIssuer   string

	// AllowedOrigins is the raw comma-separated Origin allow-list.
	AllowedOrigins string

	Port     string
	LogLevel string

	// RateLimitWsIP is the per-IP WebSocket upgrade rate in ulule/limiter
	// formatted notation (e.g. "60-M").
	RateLimitWsIP string

	// OTLPEndpoint enables the tracing exporter when non-empty.
	OTLPEndpoint string

	DevelopmentMode bool
}

// FromEnv reads the environment, applies defaults, and validates what can
// be validated up front. An empty JWT_SECRET is a supported mode, not an
// error.
func FromEnv() (*Config, error) {
	cfg := &Config{
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTAudience:     getEnvOrDefault("JWT_AUDIENCE", DefaultAudience),
		JWTIssuer:       getEnvOrDefault("JWT_ISSUER", DefaultIssuer),
		AllowedOrigins:  getEnvOrDefault("ALLOWED_ORIGINS", DefaultAllowedOrigins),
		Port:            getEnvOrDefault("PORT", DefaultPort),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		RateLimitWsIP:   getEnvOrDefault("RATE_LIMIT_WS_IP", DefaultRateLimitWsIP),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DevelopmentMode: os.Getenv("DEVELOPMENT_MODE") == "true",
	}

	var errs []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// AuthEnabled reports whether bearer-token authentication is required.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}
