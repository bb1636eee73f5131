// Package events defines the closed set of SoulLink domain event payloads and
// the envelope that wraps them in the event store.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminator tag for the closed payload variant set. Adding a
// new event kind means adding a case to Type and to every switch over it
// (IsValid, DecodePayload); the compiler does not check that coverage, and
// the zero value is not a valid Type.
type Type string

const (
	TypeEncounter               Type = "encounter"
	TypeCatchResult             Type = "catch_result"
	TypeFaint                   Type = "faint"
	TypeSoulLinkCreated         Type = "soul_link_created"
	TypeSoulLinkBroken          Type = "soul_link_broken"
	TypeFamilyBlocked           Type = "family_blocked"
	TypeFirstEncounterFinalized Type = "first_encounter_finalized"
)

// IsValid reports whether t is one of the closed set of known event types.
func (t Type) IsValid() bool {
	switch t {
	case TypeEncounter, TypeCatchResult, TypeFaint, TypeSoulLinkCreated,
		TypeSoulLinkBroken, TypeFamilyBlocked, TypeFirstEncounterFinalized:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrPayloadTypeMismatch = errors.New("payload does not match declared event type")
)

// EncounterMethod enumerates how an encounter was triggered.
type EncounterMethod string

const (
	MethodGrass   EncounterMethod = "grass"
	MethodSurf    EncounterMethod = "surf"
	MethodFish    EncounterMethod = "fish"
	MethodStatic  EncounterMethod = "static"
	MethodUnknown EncounterMethod = "unknown"
)

func (m EncounterMethod) IsValid() bool {
	switch m {
	case MethodGrass, MethodSurf, MethodFish, MethodStatic, MethodUnknown:
		return true
	default:
		return false
	}
}

// RodKind enumerates fishing rod grades. Required iff Method == MethodFish.
// Rod kind is recorded for provenance only; it never bypasses family
// blocking.
type RodKind string

const (
	RodOld   RodKind = "old"
	RodGood  RodKind = "good"
	RodSuper RodKind = "super"
)

func (r RodKind) IsValid() bool {
	switch r {
	case RodOld, RodGood, RodSuper:
		return true
	default:
		return false
	}
}

// EncounterStatus is the authoritative classification the rules engine
// assigns to an encounter. The API layer must never trust a client-supplied
// status; this is always computed server-side.
type EncounterStatus string

const (
	StatusFirstEncounter EncounterStatus = "first_encounter"
	StatusDupeSkip       EncounterStatus = "dupe_skip"
)

// CatchOutcome enumerates the result of attempting to catch an encountered
// Pokemon.
type CatchOutcome string

const (
	OutcomeCaught CatchOutcome = "caught"
	OutcomeFled   CatchOutcome = "fled"
	OutcomeKO     CatchOutcome = "ko"
	OutcomeFailed CatchOutcome = "failed"
)

func (o CatchOutcome) IsValid() bool {
	switch o {
	case OutcomeCaught, OutcomeFled, OutcomeKO, OutcomeFailed:
		return true
	default:
		return false
	}
}

// BlockOrigin enumerates how a family entered the blocklist. Priority is
// strictly increasing in the order declared here.
type BlockOrigin string

const (
	OriginFaint          BlockOrigin = "faint"
	OriginFirstEncounter BlockOrigin = "first_encounter"
	OriginCaught         BlockOrigin = "caught"
)

// Priority returns the origin's position in the upgrade-only ordering:
// faint(1) < first_encounter(2) < caught(3). Unknown origins sort lowest.
func (o BlockOrigin) Priority() int {
	switch o {
	case OriginFaint:
		return 1
	case OriginFirstEncounter:
		return 2
	case OriginCaught:
		return 3
	default:
		return 0
	}
}

// Encounter is the payload for TypeEncounter.
type Encounter struct {
	RouteID   int             `json:"route_id"`
	SpeciesID int             `json:"species_id"`
	FamilyID  int             `json:"family_id"`
	Level     int             `json:"level"`
	Shiny     bool            `json:"shiny"`
	Method    EncounterMethod `json:"method"`
	RodKind   *RodKind        `json:"rod_kind,omitempty"`
	// Status and DupesSkip are computed by the rules engine and carried on
	// the stored/broadcast envelope; never accepted from a client request.
	Status    EncounterStatus `json:"status"`
	DupesSkip bool            `json:"dupes_skip"`
}

// Validate checks structural invariants that don't require run state:
// method/rod-kind pairing and enum membership. Cross-player dupe rules live
// in the rules engine (internal/rules), not here.
func (e Encounter) Validate() error {
	if !e.Method.IsValid() {
		return errors.New("encounter: invalid method")
	}

	if e.Method == MethodFish {
		if e.RodKind == nil || !e.RodKind.IsValid() {
			return errors.New("encounter: rod_kind is required when method=fish")
		}
	} else if e.RodKind != nil {
		return errors.New("encounter: rod_kind is only valid when method=fish")
	}

	if e.Level < 1 || e.Level > 100 {
		return errors.New("encounter: level out of range")
	}

	return nil
}

// CatchResult is the payload for TypeCatchResult.
type CatchResult struct {
	EncounterID uuid.UUID    `json:"encounter_id"`
	Outcome     CatchOutcome `json:"outcome"`
}

func (c CatchResult) Validate() error {
	if c.EncounterID == uuid.Nil {
		return errors.New("catch_result: encounter_id is required")
	}

	if !c.Outcome.IsValid() {
		return errors.New("catch_result: invalid outcome")
	}

	return nil
}

// Faint is the payload for TypeFaint.
type Faint struct {
	PokemonKey string `json:"pokemon_key"`
	PartySlot  *int   `json:"party_slot,omitempty"`
}

func (f Faint) Validate() error {
	if f.PokemonKey == "" {
		return errors.New("faint: pokemon_key is required")
	}

	return nil
}

// SoulLinkCreated is the payload for TypeSoulLinkCreated.
type SoulLinkCreated struct {
	LinkID  uuid.UUID   `json:"link_id"`
	RouteID int         `json:"route_id"`
	Players []uuid.UUID `json:"players"`
}

func (s SoulLinkCreated) Validate() error {
	if s.LinkID == uuid.Nil {
		return errors.New("soul_link_created: link_id is required")
	}

	if len(s.Players) < 2 {
		return errors.New("soul_link_created: at least two players are required")
	}

	return nil
}

// SoulLinkBroken is the payload for TypeSoulLinkBroken.
type SoulLinkBroken struct {
	LinkID  uuid.UUID   `json:"link_id"`
	RouteID int         `json:"route_id"`
	Players []uuid.UUID `json:"players"`
}

func (s SoulLinkBroken) Validate() error {
	if s.LinkID == uuid.Nil {
		return errors.New("soul_link_broken: link_id is required")
	}

	return nil
}

// FamilyBlocked is the payload for TypeFamilyBlocked.
type FamilyBlocked struct {
	FamilyID int         `json:"family_id"`
	Origin   BlockOrigin `json:"origin"`
}

func (f FamilyBlocked) Validate() error {
	if f.Origin.Priority() == 0 {
		return errors.New("family_blocked: invalid origin")
	}

	return nil
}

// FirstEncounterFinalized is the payload for TypeFirstEncounterFinalized.
type FirstEncounterFinalized struct {
	RouteID         int       `json:"route_id"`
	FinalizingPlayer uuid.UUID `json:"finalizing_player"`
}

func (f FirstEncounterFinalized) Validate() error {
	if f.FinalizingPlayer == uuid.Nil {
		return errors.New("first_encounter_finalized: finalizing_player is required")
	}

	return nil
}

// Envelope is the immutable, storage-form record of a domain event: payload
// plus identity, ordering, and timing metadata. Only the event store may
// construct one with a non-zero Seq.
type Envelope struct {
	EventID   uuid.UUID `json:"event_id"`
	RunID     uuid.UUID `json:"run_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	Type      Type      `json:"type"`
	EventTime time.Time `json:"event_time"`
	StoredAt  time.Time `json:"stored_at"`
	Seq       int64     `json:"seq"`
	Payload   Payload   `json:"payload"`
}

// Payload is implemented by every closed variant above. The marker method
// keeps the set closed at compile time: a type outside this package cannot
// implement the unexported payloadType method, so it cannot satisfy Payload.
type Payload interface {
	Validate() error
	payloadType() Type
}

func (Encounter) payloadType() Type               { return TypeEncounter }
func (CatchResult) payloadType() Type             { return TypeCatchResult }
func (Faint) payloadType() Type                   { return TypeFaint }
func (SoulLinkCreated) payloadType() Type         { return TypeSoulLinkCreated }
func (SoulLinkBroken) payloadType() Type          { return TypeSoulLinkBroken }
func (FamilyBlocked) payloadType() Type           { return TypeFamilyBlocked }
func (FirstEncounterFinalized) payloadType() Type { return TypeFirstEncounterFinalized }

// PayloadType returns the Type tag for any closed-set payload, or
// ErrUnknownEventType for anything else.
func PayloadType(p Payload) (Type, error) {
	if p == nil {
		return "", ErrUnknownEventType
	}

	return p.payloadType(), nil
}

// NewEnvelope builds an envelope from a validated payload, checking that the
// declared type tag matches the concrete payload variant.
func NewEnvelope(runID, playerID uuid.UUID, declared Type, eventTime time.Time, payload Payload) (Envelope, error) {
	actual, err := PayloadType(payload)
	if err != nil {
		return Envelope{}, err
	}

	if actual != declared {
		return Envelope{}, ErrPayloadTypeMismatch
	}

	if err := payload.Validate(); err != nil {
		return Envelope{}, err
	}

	return Envelope{
		EventID:   uuid.New(),
		RunID:     runID,
		PlayerID:  playerID,
		Type:      declared,
		EventTime: eventTime,
		Payload:   payload,
	}, nil
}
