package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncounterValidate(t *testing.T) {
	rod := RodSuper
	badRod := RodKind("iron")

	cases := []struct {
		name    string
		event   Encounter
		wantErr bool
	}{
		{"grass ok", Encounter{RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 5, Method: MethodGrass}, false},
		{"fish with rod ok", Encounter{RouteID: 32, SpeciesID: 129, FamilyID: 129, Level: 10, Method: MethodFish, RodKind: &rod}, false},
		{"fish without rod", Encounter{RouteID: 32, SpeciesID: 129, FamilyID: 129, Level: 10, Method: MethodFish}, true},
		{"fish with unknown rod", Encounter{RouteID: 32, SpeciesID: 129, FamilyID: 129, Level: 10, Method: MethodFish, RodKind: &badRod}, true},
		{"rod on grass", Encounter{RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 5, Method: MethodGrass, RodKind: &rod}, true},
		{"unknown method", Encounter{RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 5, Method: "headbutt"}, true},
		{"level zero", Encounter{RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 0, Method: MethodGrass}, true},
		{"level above cap", Encounter{RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 101, Method: MethodGrass}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCatchResultValidate(t *testing.T) {
	assert.NoError(t, CatchResult{EncounterID: uuid.New(), Outcome: OutcomeCaught}.Validate())
	assert.Error(t, CatchResult{Outcome: OutcomeCaught}.Validate())
	assert.Error(t, CatchResult{EncounterID: uuid.New(), Outcome: "released"}.Validate())
}

func TestFaintValidate(t *testing.T) {
	assert.NoError(t, Faint{PokemonKey: "pv-8812"}.Validate())
	assert.Error(t, Faint{}.Validate())
}

func TestFamilyBlockedValidate(t *testing.T) {
	assert.NoError(t, FamilyBlocked{FamilyID: 25, Origin: OriginCaught}.Validate())
	assert.Error(t, FamilyBlocked{FamilyID: 25, Origin: "trade"}.Validate())
}

func TestBlockOriginPriorityOrdering(t *testing.T) {
	assert.Less(t, OriginFaint.Priority(), OriginFirstEncounter.Priority())
	assert.Less(t, OriginFirstEncounter.Priority(), OriginCaught.Priority())
	assert.Zero(t, BlockOrigin("trade").Priority())
}

func TestNewEnvelope_TypeTagMustMatchPayload(t *testing.T) {
	_, err := NewEnvelope(uuid.New(), uuid.New(), TypeCatchResult, time.Now(), Faint{PokemonKey: "pv-1"})

	assert.ErrorIs(t, err, ErrPayloadTypeMismatch)
}

func TestNewEnvelope_ValidatesPayload(t *testing.T) {
	_, err := NewEnvelope(uuid.New(), uuid.New(), TypeFaint, time.Now(), Faint{})

	assert.Error(t, err)
}

func TestNewEnvelope_AssignsIdentityButNoSeq(t *testing.T) {
	runID := uuid.New()
	playerID := uuid.New()

	envelope, err := NewEnvelope(runID, playerID, TypeFaint, time.Now(), Faint{PokemonKey: "pv-1"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, envelope.EventID)
	assert.Equal(t, runID, envelope.RunID)
	assert.Equal(t, playerID, envelope.PlayerID)
	// Seq belongs to the event store alone.
	assert.Zero(t, envelope.Seq)
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("teleport", json.RawMessage(`{}`))

	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	rod := RodOld
	original, err := NewEnvelope(uuid.New(), uuid.New(), TypeEncounter, time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC), Encounter{
		RouteID:   32,
		SpeciesID: 129,
		FamilyID:  129,
		Level:     10,
		Method:    MethodFish,
		RodKind:   &rod,
		Status:    StatusFirstEncounter,
	})
	require.NoError(t, err)

	original.Seq = 7

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.EventID, decoded.EventID)
	assert.Equal(t, original.Seq, decoded.Seq)
	assert.Equal(t, original.Type, decoded.Type)

	payload, ok := decoded.Payload.(Encounter)
	require.True(t, ok, "payload must decode to the concrete Encounter variant")
	assert.Equal(t, 129, payload.FamilyID)
	require.NotNil(t, payload.RodKind)
	assert.Equal(t, RodOld, *payload.RodKind)
}

func TestTypeIsValid(t *testing.T) {
	for _, valid := range []Type{
		TypeEncounter, TypeCatchResult, TypeFaint, TypeSoulLinkCreated,
		TypeSoulLinkBroken, TypeFamilyBlocked, TypeFirstEncounterFinalized,
	} {
		assert.True(t, valid.IsValid(), "%s", valid)
	}

	assert.False(t, Type("trade").IsValid())
	assert.False(t, Type("").IsValid())
}
