// Package middleware provides HTTP middleware components for the SoulLink
// tracker API.
package middleware

import (
	"time"

	"github.com/soullink-io/soullink-tracker/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-player: Applied to authenticated requests
//   - Unauthenticated: Applied to requests without a resolved player
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	PlayerRPS int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate)
	GlobalBurst int // Default: 0 (computed as 2 × GlobalRPS = 200)
	PlayerBurst int // Default: 0 (computed as 2 × PlayerRPS = 100)
	UnAuthBurst int // Default: 0 (computed as 2 × UnAuthRPS = 20)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxPlayers      int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
//
// Default burst capacity: 2 × rate (allows 2-second burst)
// Default cleanup: every 5 minutes, removes players idle >1 hour.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("SOULLINK_GLOBAL_RPS", defaultGlobalRPS),
		PlayerRPS: config.GetEnvInt("SOULLINK_PLAYER_RPS", defaultPlayerRPS),
		UnAuthRPS: config.GetEnvInt("SOULLINK_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("SOULLINK_GLOBAL_BURST", 0),
		PlayerBurst: config.GetEnvInt("SOULLINK_PLAYER_BURST", 0),
		UnAuthBurst: config.GetEnvInt("SOULLINK_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"SOULLINK_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("SOULLINK_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxPlayers:  config.GetEnvInt("SOULLINK_RATE_LIMIT_MAX_PLAYERS", maxPlayers),
	}
}
