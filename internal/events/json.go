package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecodePayload unmarshals raw into the concrete payload variant for t. This
// is the single JSON entry point into the closed variant set: the ingestion
// request parser, the event store's row scanner, and the broadcast relay all
// route through it so a new event kind only needs one new case here.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeEncounter:
		var p Encounter

		err := json.Unmarshal(raw, &p)

		return p, err
	case TypeCatchResult:
		var p CatchResult

		err := json.Unmarshal(raw, &p)

		return p, err
	case TypeFaint:
		var p Faint

		err := json.Unmarshal(raw, &p)

		return p, err
	case TypeSoulLinkCreated:
		var p SoulLinkCreated

		err := json.Unmarshal(raw, &p)

		return p, err
	case TypeSoulLinkBroken:
		var p SoulLinkBroken

		err := json.Unmarshal(raw, &p)

		return p, err
	case TypeFamilyBlocked:
		var p FamilyBlocked

		err := json.Unmarshal(raw, &p)

		return p, err
	case TypeFirstEncounterFinalized:
		var p FirstEncounterFinalized

		err := json.Unmarshal(raw, &p)

		return p, err
	default:
		return nil, ErrUnknownEventType
	}
}

// wireEnvelope mirrors Envelope with the payload left raw, so UnmarshalJSON
// can dispatch on the type tag before decoding the variant.
type wireEnvelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	RunID     uuid.UUID       `json:"run_id"`
	PlayerID  uuid.UUID       `json:"player_id"`
	Type      Type            `json:"type"`
	EventTime time.Time       `json:"event_time"`
	StoredAt  time.Time       `json:"stored_at"`
	Seq       int64           `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes an envelope off the wire, resolving the payload
// variant from the type tag.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", wire.Type, err)
	}

	*e = Envelope{
		EventID:   wire.EventID,
		RunID:     wire.RunID,
		PlayerID:  wire.PlayerID,
		Type:      wire.Type,
		EventTime: wire.EventTime,
		StoredAt:  wire.StoredAt,
		Seq:       wire.Seq,
		Payload:   payload,
	}

	return nil
}
