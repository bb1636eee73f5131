// Package middleware provides HTTP middleware components for the SoulLink
// tracker API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxPlayers                 int     = 100
	defaultGlobalRPS           int     = 100
	defaultPlayerRPS           int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node
	// deployment) or distributed stores like Redis (multi-replica
	// deployment with shared rate-limit state).
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For authenticated requests, playerID identifies the player.
		// For unauthenticated requests, playerID is empty string.
		Allow(playerID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-player limit (applied to authenticated requests)
	// 3. Unauthenticated limit (applied to requests without a resolved player)
	//
	// Uses token bucket algorithm with configurable burst capacity.
	// Burst capacity allows temporary bursts above the sustained rate.
	//
	// Memory cleanup runs periodically to prevent unbounded growth. Players
	// idle longer than IdleTimeout are removed.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perPlayer       map[string]*playerLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		// Configuration (stored for creating new player limiters and cleanup)
		playerRPS       int
		playerBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxPlayers      int
	}

	// playerLimiter tracks rate limit state for a single player.
	// Includes last access time for memory cleanup.
	playerLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
// Cleanup runs periodically to prevent unbounded memory growth.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS: 100,
//	    PlayerRPS: 50,
//	    UnAuthRPS: 10,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	playerBurst := computeBurstCapacity(config.PlayerRPS, config.PlayerBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perPlayer:       make(map[string]*playerLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		playerRPS:       config.PlayerRPS,
		playerBurst:     playerBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxPlayers:      config.MaxPlayers,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
//
// If burstOverride is 0, computes burst automatically as 2 × rate.
// If burstOverride > 0, uses the override value.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Rate limiting is enforced in three tiers:
// 1. Global limit (all requests)
// 2. Per-player limit (authenticated) OR unauthenticated limit
//
// playerID is empty string for unauthenticated requests.
func (rl *InMemoryRateLimiter) Allow(playerID string) bool {
	// Tier 1: Check global limit first (fail fast)
	if !rl.global.Allow() {
		return false
	}

	// Tier 2: Check player-specific or unauthenticated limit
	if playerID == "" {
		return rl.unauthenticated.Allow()
	}

	rl.mu.RLock()
	pl, ok := rl.perPlayer[playerID]
	rl.mu.RUnlock()

	if !ok {
		// Lazy initialization: create limiter for this player
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if pl, ok = rl.perPlayer[playerID]; !ok {
			pl = &playerLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.playerRPS), rl.playerBurst),
				lastAccess: time.Now(),
			}

			rl.perPlayer[playerID] = pl

			// Warn when approaching the configured player cap, so operators
			// can spot runaway token issuance before it becomes a problem.
			currentCount := len(rl.perPlayer)
			threshold := int(float64(rl.maxPlayers) * thresholdMultiplier) // 80% threshold

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max players limit",
					"current_players", currentCount,
					"max_players", rl.maxPlayers,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate player token proliferation or increase max_players limit")
			}
		}

		rl.mu.Unlock()
	}

	// Update last access time (for cleanup)
	pl.mu.Lock()
	pl.lastAccess = time.Now()
	pl.mu.Unlock()

	return pl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts a background goroutine that periodically removes
// stale player limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes player limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for playerID, pl := range rl.perPlayer {
		pl.mu.Lock()
		lastAccess := pl.lastAccess
		pl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perPlayer, playerID)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// Rate limiting is applied in three tiers:
//  1. Global limit (all requests)
//  2. Per-player limit (authenticated requests with PlayerContext)
//  3. Unauthenticated limit (requests without PlayerContext)
//
// When a request exceeds the rate limit, the middleware returns a 429 (Too Many Requests)
// response in RFC 9457 problem-detail format.
//
// The middleware must be placed after AuthenticatePlayer in the chain to access
// PlayerContext for per-player rate limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract player ID from context (set by AuthenticatePlayer).
			// If no PlayerContext exists, use empty string for unauthenticated
			// rate limiting.
			playerID := ""
			if player, ok := GetPlayerContext(r.Context()); ok {
				playerID = player.PlayerID.String()
			}

			if !limiter.Allow(playerID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC9457Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit error response",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
