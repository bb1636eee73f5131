package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// RebuildAll clears route_progress, blocklist, and party_status for runID and
// replays the full event stream through Apply to reconstruct them. Soul
// link rows are deliberately left intact: links and link_members are keyed
// by event-sourced ids and are themselves idempotently re-derived as
// SoulLinkCreated events replay, so clearing them first would only force
// unnecessary churn.
//
// replay must invoke fn once per event for runID in ascending sequence order
// (eventstore.Store.Replay satisfies this). Every write of the rebuild — the
// clears and each replayed Apply — goes through tx, so a rebuild never leaves
// the read models in a partially-replayed state; the replay itself reads the
// log through whatever replay uses (eventstore.Store.Replay reads through the
// store's own connection, not tx).
func (e *Engine) RebuildAll(ctx context.Context, tx *sql.Tx, runID uuid.UUID, replay func(ctx context.Context, runID uuid.UUID, fn func(events.Envelope) error) error) error {
	for _, table := range []string{"route_progress", "blocklist", "party_status"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE run_id = $1", table), runID); err != nil {
			return fmt.Errorf("projection: clear %s for rebuild: %w", table, err)
		}
	}

	e.logger.Info("rebuild: cleared projections", slog.String("run_id", runID.String()))

	count := 0

	err := replay(ctx, runID, func(envelope events.Envelope) error {
		count++

		return e.Apply(ctx, tx, envelope)
	})
	if err != nil {
		return fmt.Errorf("projection: rebuild replay: %w", err)
	}

	e.logger.Info("rebuild: replay complete",
		slog.String("run_id", runID.String()),
		slog.Int("events_replayed", count),
	)

	return nil
}
