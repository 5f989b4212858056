// Package middleware provides HTTP middleware components for the aggregator's API.
package middleware

import (
	"time"

	"github.com/aggregator-io/aggregator/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: applied to all requests regardless of origin
//   - Per-client: applied per remote IP, so no single publisher can starve
//     the rest of the fleet
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 20

	GlobalBurst int // Default: 0 (computed as 2 × GlobalRPS)
	ClientBurst int // Default: 0 (computed as 2 × ClientRPS)

	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes clients idle >1 hour
// Default max clients: 10,000 (prevents unbounded memory growth).
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("AGGREGATOR_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("AGGREGATOR_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("AGGREGATOR_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("AGGREGATOR_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"AGGREGATOR_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("AGGREGATOR_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("AGGREGATOR_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
