// Package rules implements the pure SoulLink rules engine: given a run's
// current state and an incoming event, it returns a decision. Every function
// here is a stateless, side-effect-free transformation of its arguments — no
// I/O, no clock reads, no randomness — so that the same (state, event) pair
// always produces the same decision.
package rules

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// Sentinel errors. These indicate programmer error at the caller (missing
// lookup, mismatched player) and must never reach the wire: the ingestion
// service logs and aborts on them rather than surfacing them to a client.
var (
	ErrEncounterLookupRequired = errors.New("rules: encounter lookup is required for catch result processing")
	ErrEncounterNotFound       = errors.New("rules: referenced encounter not found")
	ErrPlayerMismatch          = errors.New("rules: catch result player does not match encounter owner")
)

// RouteState tracks one player's finalization status on one route.
type RouteState struct {
	FEFinalized bool
}

// RunState is the pure-function input covering everything the rules engine
// needs about a run, scoped to a single player's view of route progress plus
// the run-wide blocked-family set. Cross-player route dupes require a lookup
// the projection layer supplies (CrossPlayerLookup), because pure state here
// only covers this player's routes.
type RunState struct {
	BlockedFamilies map[int]struct{}
	PlayerRoutes    map[int]RouteState // keyed by route id, this player only
}

// NewRunState returns an empty RunState ready for use.
func NewRunState() RunState {
	return RunState{
		BlockedFamilies: make(map[int]struct{}),
		PlayerRoutes:    make(map[int]RouteState),
	}
}

// IsFamilyBlocked reports whether family is in the run-wide blocklist.
func (s RunState) IsFamilyBlocked(family int) bool {
	_, blocked := s.BlockedFamilies[family]
	return blocked
}

// RouteStateFor returns this player's state for route, defaulting to the
// zero value (not finalized) when absent.
func (s RunState) RouteStateFor(route int) RouteState {
	return s.PlayerRoutes[route]
}

// WithBlockedFamily returns a new RunState with family added to the blocklist.
// RunState is never mutated in place — every transition returns a fresh copy,
// matching the frozen-dataclass discipline of the reference implementation.
func (s RunState) WithBlockedFamily(family int) RunState {
	next := make(map[int]struct{}, len(s.BlockedFamilies)+1)
	for f := range s.BlockedFamilies {
		next[f] = struct{}{}
	}
	next[family] = struct{}{}

	return RunState{BlockedFamilies: next, PlayerRoutes: s.PlayerRoutes}
}

// CrossPlayerLookup answers: has any other player already finalized a first
// encounter for this family on this route? The projection layer supplies this
// because it alone can see across players; the pure engine cannot.
type CrossPlayerLookup func(routeID, familyID int) bool

// EncounterDecision is the result of evaluating an encounter.
type EncounterDecision struct {
	Status    events.EncounterStatus
	DupesSkip bool
	// FEFinalized is always false for encounters — only a catch result
	// finalizes a first encounter.
	FEFinalized bool
}

// ShouldCreateRouteProgress reports whether the projection engine should
// upsert a (run, player, route) row for this decision.
func (d EncounterDecision) ShouldCreateRouteProgress() bool {
	return !d.DupesSkip
}

// EvaluateEncounter classifies an encounter under the dupes clause:
//
//  1. If the encounter's family is already globally blocked, DUPE_SKIP.
//  2. Else if crossPlayerLookup reports another player already finalized this
//     family on this route, DUPE_SKIP.
//  3. Otherwise FIRST_ENCOUNTER, never finalized by the encounter itself.
func EvaluateEncounter(state RunState, familyID, routeID int, crossPlayerLookup CrossPlayerLookup) EncounterDecision {
	if state.IsFamilyBlocked(familyID) {
		return EncounterDecision{Status: events.StatusDupeSkip, DupesSkip: true}
	}

	if crossPlayerLookup != nil && crossPlayerLookup(routeID, familyID) {
		return EncounterDecision{Status: events.StatusDupeSkip, DupesSkip: true}
	}

	return EncounterDecision{Status: events.StatusFirstEncounter, DupesSkip: false, FEFinalized: false}
}

// EncounterLookup resolves a stored encounter id to the (player, route,
// family) it was raised for. Supplied by the projection layer, which alone
// has access to the event store / encounter index.
type EncounterLookup func(encounterID uuid.UUID) (playerID uuid.UUID, routeID, familyID int, err error)

// CatchDecision is the result of applying a catch result.
type CatchDecision struct {
	FEFinalized bool
	// BlockFamily/BlockOrigin are set together iff the catch result implies
	// a blocklist addition (outcome == caught).
	BlockFamily int
	BlockOrigin events.BlockOrigin
	ShouldBlock bool
	RouteID     int
}

// ApplyCatchResult always finalizes the first encounter the catch result
// refers to, and additionally blocks the family (origin=caught) iff the
// outcome was caught. lookup resolves the encounter; its result's player
// must match event.player or this is an error.
func ApplyCatchResult(
	event events.CatchResult,
	callerPlayer uuid.UUID,
	lookup EncounterLookup,
) (CatchDecision, error) {
	if lookup == nil {
		return CatchDecision{}, ErrEncounterLookupRequired
	}

	ownerPlayer, routeID, familyID, err := lookup(event.EncounterID)
	if err != nil {
		return CatchDecision{}, fmt.Errorf("%w: %s: %w", ErrEncounterNotFound, event.EncounterID, err)
	}

	if ownerPlayer != callerPlayer {
		return CatchDecision{}, fmt.Errorf("%w: encounter %s belongs to %s, not %s",
			ErrPlayerMismatch, event.EncounterID, ownerPlayer, callerPlayer)
	}

	decision := CatchDecision{FEFinalized: true, RouteID: routeID}

	if event.Outcome == events.OutcomeCaught {
		decision.ShouldBlock = true
		decision.BlockFamily = familyID
		decision.BlockOrigin = events.OriginCaught
	}

	return decision, nil
}

// ProcessFamilyBlocked folds a FamilyBlocked event into RunState, returning
// the updated state. Pure — no notion of "upgrade" lives here; origin
// priority upgrades are a projection/blocklist concern, since the
// pure RunState only tracks membership, not origin.
func ProcessFamilyBlocked(state RunState, event events.FamilyBlocked) RunState {
	return state.WithBlockedFamily(event.FamilyID)
}

// FaintDecision is always empty: a faint affects party status only, never
// rules state.
type FaintDecision struct{}

// ProcessFaint returns the (always empty) decision for a faint event.
func ProcessFaint(_ RunState, _ events.Faint) FaintDecision {
	return FaintDecision{}
}

// ShouldCreateSoulLink reports whether two or more distinct players have a
// caught encounter on routeID, the trigger condition for a soul link.
func ShouldCreateSoulLink(caughtPlayersOnRoute map[uuid.UUID]struct{}) bool {
	return len(caughtPlayersOnRoute) >= 2
}
