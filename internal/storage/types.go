// Package storage provides the PostgreSQL connection pool and low-level
// secure-comparison/token utilities shared by every other storage-backed
// package (eventstore, projection, idempotency, registry).
package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	randomBytesSize = 32
	tokenLength     = 76 // "soullink_pt_" (12 chars) + 64 hex chars
	tokenPrefix     = "soullink_pt_" // pragma: allowlist secret
	prefixLen       = 16             // bytes of prefix+head shown when masking
	suffixLen       = 4
	postgresDriver  = "postgres"
	ctxTimeout      = 5 * time.Second
)

var (
	// ErrTokenStringEmpty is returned when an empty token string is parsed.
	ErrTokenStringEmpty = errors.New("token string cannot be empty")
	// ErrInvalidTokenFormat is returned when a token doesn't carry the expected prefix.
	ErrInvalidTokenFormat = errors.New("invalid token format")
	// ErrInvalidTokenLength is returned when a token's length doesn't match the generated format.
	ErrInvalidTokenLength = errors.New("invalid token length")
)

// Connection wraps *sql.DB with the health-check/pool-stats conveniences used
// across the storage-backed packages.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL connection pool per cfg and verifies it
// with an immediate ping before returning.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the database with a bounded timeout, used by readiness probes.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the underlying connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats exposes connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// SecureCompare performs a constant-time comparison of two strings to
// prevent timing attacks during player-token verification.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskToken masks a player token for secure logging, showing only a
// non-identifying prefix/suffix.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}

	tokenLen := len(token)

	if tokenLen == tokenLength {
		maskedLen := tokenLen - prefixLen - suffixLen

		return token[:prefixLen] + strings.Repeat("*", maskedLen) + token[tokenLen-suffixLen:]
	}

	return strings.Repeat("*", tokenLen)
}

// ComputeTokenLookupHash computes the SHA-256 hash of a token for O(1)
// database lookup. Separate from the bcrypt hash, which remains the actual
// security boundary (see internal/storage/hash.go).
func ComputeTokenLookupHash(token string) string {
	hash := sha256.Sum256([]byte(token))

	return hex.EncodeToString(hash[:])
}

// GenerateToken creates a new high-entropy, one-time player authentication
// token, handed out exactly once at player creation or rotation.
func GenerateToken() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return tokenPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseToken validates and extracts a bearer token from a raw header value.
func ParseToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrTokenStringEmpty
	}

	raw = strings.TrimPrefix(raw, "Bearer ")

	if !strings.HasPrefix(raw, tokenPrefix) {
		return "", ErrInvalidTokenFormat
	}

	if len(raw) != tokenLength {
		return "", ErrInvalidTokenLength
	}

	return raw, nil
}
