package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/rules"
)

// applyEncounter evaluates the dupes clause against this player's own route
// state plus the run-wide blocklist and any other player's finalized claim on
// the same (route, family), then upserts an un-finalized route_progress row
// unless the decision says dupe_skip.
func (e *Engine) applyEncounter(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.Encounter) error {
	decision, err := e.EvaluateEncounter(ctx, tx, envelope.RunID, envelope.PlayerID, payload.FamilyID, payload.RouteID)
	if err != nil {
		return err
	}

	if !decision.ShouldCreateRouteProgress() {
		return nil
	}

	const query = `
		INSERT INTO route_progress (run_id, player_id, route_id, finalized, last_update)
		VALUES ($1, $2, $3, false, now())
		ON CONFLICT (run_id, player_id, route_id) DO UPDATE
		SET last_update = now()
		WHERE route_progress.finalized = false
	`

	if _, err := tx.ExecContext(ctx, query, envelope.RunID, envelope.PlayerID, payload.RouteID); err != nil {
		return fmt.Errorf("projection: upsert route progress: %w", err)
	}

	return nil
}

// applyCatchResult resolves the referenced encounter, always finalizes the
// route progress row it belongs to, and on outcome=caught additionally
// upgrades the blocklist. Finalization is savepoint-protected: if another
// player already finalized this (run, route) first, this player's row is
// left non-finalized and the race is logged, not errored.
func (e *Engine) applyCatchResult(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.CatchResult) error {
	rec, err := e.ResolveEncounter(ctx, tx, payload.EncounterID)
	if err != nil {
		return err
	}

	decision, err := rules.ApplyCatchResult(payload, envelope.PlayerID, func(uuid.UUID) (uuid.UUID, int, int, error) {
		return rec.PlayerID, rec.RouteID, rec.FamilyID, nil
	})
	if err != nil {
		return fmt.Errorf("projection: apply catch result: %w", err)
	}

	if decision.FEFinalized {
		hit, _, err := expectedConflictSavepoint(ctx, tx, e.logger, []expectedTag{tagRouteAlreadyFinalized}, func() error {
			return e.finalizeRouteProgress(ctx, tx, envelope.RunID, envelope.PlayerID, decision.RouteID)
		})
		if err != nil {
			return err
		}

		// Race lost: another player finalized this route first. Downgrade to
		// a non-finalized row, creating it if the player's own encounter was
		// dupe-skipped and never wrote one.
		if hit {
			const downgrade = `
				INSERT INTO route_progress (run_id, player_id, route_id, finalized, last_update)
				VALUES ($1, $2, $3, false, now())
				ON CONFLICT (run_id, player_id, route_id) DO NOTHING
			`

			if _, err := tx.ExecContext(ctx, downgrade, envelope.RunID, envelope.PlayerID, decision.RouteID); err != nil {
				return fmt.Errorf("projection: downgrade route progress after lost race: %w", err)
			}

			e.logger.Info("route finalization race lost",
				slog.String("run_id", envelope.RunID.String()),
				slog.String("player_id", envelope.PlayerID.String()),
				slog.Int("route_id", decision.RouteID),
			)
		}
	}

	if decision.ShouldBlock {
		if err := e.upsertBlocklist(ctx, tx, envelope.RunID, decision.BlockFamily, decision.BlockOrigin); err != nil {
			return err
		}
	}

	return nil
}

// applyFirstEncounterFinalized handles a standalone finalization broadcast
// event: savepoint-protected, no-op
// when another player already finalized this route first.
func (e *Engine) applyFirstEncounterFinalized(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.FirstEncounterFinalized) error {
	_, _, err := expectedConflictSavepoint(ctx, tx, e.logger, []expectedTag{tagRouteAlreadyFinalized}, func() error {
		return e.finalizeRouteProgress(ctx, tx, envelope.RunID, payload.FinalizingPlayer, payload.RouteID)
	})

	return err
}

// finalizeRouteProgress marks (run, player, route) finalized, relying on the
// partial unique index on (run_id, route_id) WHERE finalized = true to reject
// a second player finalizing the same route.
func (e *Engine) finalizeRouteProgress(ctx context.Context, tx *sql.Tx, runID, playerID uuid.UUID, routeID int) error {
	const query = `
		INSERT INTO route_progress (run_id, player_id, route_id, finalized, last_update)
		VALUES ($1, $2, $3, true, now())
		ON CONFLICT (run_id, player_id, route_id) DO UPDATE
		SET finalized = true, last_update = now()
	`

	_, err := tx.ExecContext(ctx, query, runID, playerID, routeID)
	if err != nil {
		return fmt.Errorf("projection: finalize route progress: %w", err)
	}

	return nil
}
