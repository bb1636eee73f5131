package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ingestRequest is the JSON body of a single-event ingestion request: a
// discriminator naming the variant plus the raw payload.
type ingestRequest struct {
	Type      string          `json:"type"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload"`
}

// createRunRequest is the body of the admin create-run operation.
type createRunRequest struct {
	DisplayName string         `json:"display_name"`
	RulesConfig map[string]any `json:"rules_config"`
}

// createRunResponse echoes the created run's identity.
type createRunResponse struct {
	RunID       uuid.UUID `json:"run_id"`
	DisplayName string    `json:"display_name"`
}

// createPlayerRequest is the body of the admin create-player operation.
type createPlayerRequest struct {
	DisplayName string `json:"display_name"`
	GameLabel   string `json:"game_label"`
	RegionLabel string `json:"region_label"`
}

// createPlayerResponse carries the one-time plaintext token; it is never
// retrievable again after this response.
type createPlayerResponse struct {
	PlayerID    uuid.UUID `json:"player_id"`
	DisplayName string    `json:"display_name"`
	Token       string    `json:"token"`
}

// rotateTokenResponse carries the freshly issued plaintext token.
type rotateTokenResponse struct {
	Token string `json:"token"`
}
