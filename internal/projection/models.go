// Package projection applies committed event envelopes to the queryable read
// models (route progress, family blocklist, party status, soul links) that
// make up the projection engine. Every write path that can race
// a concurrent path uses the savepoint discipline in savepoint.go so an
// expected unique-constraint collision never poisons the caller's
// transaction.
package projection

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEncounterNotFound is returned when a catch result references an
	// encounter this run has never recorded. The caller must fail the
	// ingestion without touching any read model.
	ErrEncounterNotFound = errors.New("projection: referenced encounter not found")

	// ErrUnexpectedConstraint is the escape hatch for a constraint violation
	// that the savepoint discipline does not recognize as an expected race
	//. The caller must abort its outer
	// transaction on this error.
	ErrUnexpectedConstraint = errors.New("projection: unexpected constraint violation")
)

// RouteProgress is one (run, player, route) row.
type RouteProgress struct {
	RunID      uuid.UUID
	PlayerID   uuid.UUID
	RouteID    int
	Finalized  bool
	LastUpdate time.Time
}

// BlocklistEntry is one (run, family) row. Origin is
// upgrade-only: faint < first_encounter < caught.
type BlocklistEntry struct {
	RunID     uuid.UUID
	FamilyID  int
	Origin    string
	CreatedAt time.Time
}

// PartyStatusEntry is one (run, player, pokemon key) row.
type PartyStatusEntry struct {
	RunID      uuid.UUID
	PlayerID   uuid.UUID
	PokemonKey string
	Alive      bool
	LastUpdate time.Time
}

// Link is one (run, route) soul-link row.
type Link struct {
	ID      uuid.UUID
	RunID   uuid.UUID
	RouteID int
}

// LinkMember ties one player's caught encounter to a Link.
type LinkMember struct {
	LinkID      uuid.UUID
	PlayerID    uuid.UUID
	EncounterID uuid.UUID
}

// EncounterRecord is the projection engine's view of a previously-recorded
// encounter, resolved by encounter id for catch-result processing and
// cross-player dupe lookups.
type EncounterRecord struct {
	EncounterID uuid.UUID
	PlayerID    uuid.UUID
	RunID       uuid.UUID
	RouteID     int
	FamilyID    int
}
