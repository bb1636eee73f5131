// Package middleware provides HTTP middleware components for the SoulLink
// tracker API.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/soullink-io/soullink-tracker/internal/registry"
)

// publicEndpoints defines endpoints that bypass player-token authentication
// (health probes, monitoring). Never add ingestion/admin endpoints here.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// Only call this during route setup for health check endpoints.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// PlayerStore is the subset of registry.Store that player authentication
// needs. Declared here, satisfied by *registry.Store, to keep this package
// free of a hard dependency on the registry package's full surface.
type PlayerStore interface {
	AuthenticateToken(ctx context.Context, tokenPlaintext string) (registry.Player, error)
}

// AuthError represents an authentication error with a specific cause.
type AuthError struct {
	Cause   error
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return "authentication failed: " + e.Message
	}

	return "authentication failed: " + e.Cause.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// ErrMissingToken is returned when no bearer token is provided.
var ErrMissingToken = errors.New("missing bearer token")

// extractBearerToken extracts the bearer credential from the Authorization
// header.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}

// AuthenticatePlayer creates authentication middleware that resolves the
// caller's bearer token to a player and enriches the request context with
// PlayerContext. Public endpoints registered via
// RegisterPublicEndpoint bypass this check.
func AuthenticatePlayer(store PlayerStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			// Admin operations authenticate by network position, not player
			// token: their handlers reject anything that isn't loopback. A
			// token requirement here would make bootstrapping impossible —
			// no player exists before the first create-run/create-player.
			if strings.HasPrefix(r.URL.Path, "/admin/") {
				next.ServeHTTP(w, r)

				return
			}

			token, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Cause: ErrMissingToken})

				return
			}

			player, err := store.AuthenticateToken(r.Context(), token)
			if err != nil {
				writeAuthError(w, r, logger, &AuthError{Cause: registry.ErrInvalidToken, Message: err.Error()})

				return
			}

			ctx := SetPlayerContext(r.Context(), PlayerContext{
				PlayerID:    player.ID,
				RunID:       player.RunID,
				DisplayName: player.DisplayName,
				AuthTime:    time.Now(),
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("player authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	detail := "Missing or invalid player token"
	if writeErr := writeRFC9457Error(w, r, http.StatusUnauthorized, detail, correlationID); writeErr != nil {
		logger.Error("failed to write auth error response", slog.Any("error", writeErr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}
