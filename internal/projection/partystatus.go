package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// applyFaint upserts a party_status row to alive=false. Faints never race
// each other under any constraint, so no savepoint is needed here.
func (e *Engine) applyFaint(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.Faint) error {
	const query = `
		INSERT INTO party_status (run_id, player_id, pokemon_key, alive, last_update)
		VALUES ($1, $2, $3, false, now())
		ON CONFLICT (run_id, player_id, pokemon_key) DO UPDATE
		SET alive = false, last_update = now()
	`

	if _, err := tx.ExecContext(ctx, query, envelope.RunID, envelope.PlayerID, payload.PokemonKey); err != nil {
		return fmt.Errorf("projection: upsert party status: %w", err)
	}

	return nil
}
