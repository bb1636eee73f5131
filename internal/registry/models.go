// Package registry owns run and player identity: creation, membership, and
// authentication-token hashing/rotation.
package registry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRunNotFound       = errors.New("registry: run not found")
	ErrPlayerNotFound    = errors.New("registry: player not found")
	ErrPlayerNameTaken   = errors.New("registry: player display name already in use for this run")
	ErrRunRulesImmutable = errors.New("registry: rules configuration is immutable after first event")
	ErrInvalidToken      = errors.New("registry: invalid or unknown player token")
)

// Run is the identity of a single SoulLink playthrough.
type Run struct {
	ID               uuid.UUID
	DisplayName      string
	RulesConfig      map[string]any
	PasswordVerifier *PasswordVerifier // nil if the run has no admin password
	CreatedAt        time.Time
	RulesLockedAt    *time.Time // set once the first event is appended
}

// PasswordVerifier is a salt+hash pair used to verify an optional run-level
// admin password. The hash is bcrypt; Salt is retained for documentation
// completeness but bcrypt embeds its own salt, so it is not separately
// consumed during verification.
type PasswordVerifier struct {
	Salt string
	Hash string
}

// RulesConfigJSON marshals RulesConfig to the opaque key-value JSON blob
// stored as the run's rules configuration.
func (r Run) RulesConfigJSON() ([]byte, error) {
	if r.RulesConfig == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(r.RulesConfig)
}

// Player is a participant in one run.
type Player struct {
	ID           uuid.UUID
	RunID        uuid.UUID
	DisplayName  string
	GameLabel    string
	RegionLabel  string
	TokenHash    string // bcrypt hash, security boundary
	TokenLookup  string // SHA-256 lookup hash, O(1) index
	CreatedAt    time.Time
	TokenRotated *time.Time
}
