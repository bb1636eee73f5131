package storage

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash (MVP performance vs security balance)
	// Can be increased to 12 (~250ms) for production security hardening.
	bcryptCost  = 10
	bcryptLimit = 72
)

// ErrTokenEmpty is returned when an empty token is passed to HashToken.
var ErrTokenEmpty = errors.New("token cannot be empty")

// HashToken generates a bcrypt hash of a player authentication token for
// secure storage. The token is never stored in plaintext - only the bcrypt
// hash is persisted.
//
// Performance: ~60ms per call with cost 10 (intentionally slow for security)
// Security: Each hash includes a random salt, so identical tokens produce
// different hashes.
//
// Note: Bcrypt has a 72-byte input limit. For longer tokens, we pre-hash with
// SHA-256 to ensure consistent behavior while maintaining security properties.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenEmpty
	}

	var input []byte

	if len(token) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(token))
		input = hasher.Sum(nil)
	} else {
		input = []byte(token)
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	return string(hash), nil
}

// CompareTokenHash performs constant-time comparison of a token against its
// bcrypt hash. This is the primary method for token validation - never
// compare plaintext tokens.
//
// Returns true if the token matches the stored hash, false otherwise,
// including for any error condition (empty inputs, malformed hash, etc.)
//
// Note: Must use the same input preparation logic as HashToken for long tokens.
func CompareTokenHash(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}

	var input []byte

	if len(token) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(token))
		input = hasher.Sum(nil)
	} else {
		input = []byte(token)
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), input) == nil
}
