package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlayerContext carries the identity of the authenticated caller, set by
// AuthenticatePlayer and read by downstream handlers and the rate limiter.
type PlayerContext struct {
	PlayerID    uuid.UUID
	RunID       uuid.UUID
	DisplayName string
	AuthTime    time.Time
}

type playerContextKey struct{}

// SetPlayerContext returns a context carrying player identity.
func SetPlayerContext(ctx context.Context, player PlayerContext) context.Context {
	return context.WithValue(ctx, playerContextKey{}, player)
}

// GetPlayerContext retrieves the player identity set by AuthenticatePlayer,
// if any request upstream of this handler authenticated one.
func GetPlayerContext(ctx context.Context) (PlayerContext, bool) {
	player, ok := ctx.Value(playerContextKey{}).(PlayerContext)

	return player, ok
}
