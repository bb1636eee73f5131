package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// applyFamilyBlocked upserts a blocklist row with origin-priority upgrade,
// savepoint-protected against the per-run family uniqueness constraint.
func (e *Engine) applyFamilyBlocked(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.FamilyBlocked) error {
	return e.upsertBlocklist(ctx, tx, envelope.RunID, payload.FamilyID, payload.Origin)
}

// upsertBlocklist inserts a new blocklist row, or upgrades an existing row's
// origin when the new origin outranks the stored one (faint < first_encounter
// < caught, per events.BlockOrigin.Priority). The insert path races a
// concurrent blocker for the same family; that race is expected and
// absorbed by the savepoint, after which the upgrade is retried as an UPDATE.
func (e *Engine) upsertBlocklist(ctx context.Context, tx *sql.Tx, runID uuid.UUID, familyID int, origin events.BlockOrigin) error {
	hit, _, err := expectedConflictSavepoint(ctx, tx, e.logger, []expectedTag{tagBlockAlreadyExists}, func() error {
		const insert = `INSERT INTO blocklist (run_id, family_id, origin, created_at) VALUES ($1, $2, $3, now())`

		_, err := tx.ExecContext(ctx, insert, runID, familyID, string(origin))

		return err
	})
	if err != nil {
		return err
	}

	if !hit {
		return nil
	}

	const upgrade = `
		UPDATE blocklist
		SET origin = $3
		WHERE run_id = $1 AND family_id = $2
			AND CASE origin
				WHEN 'caught' THEN 3
				WHEN 'first_encounter' THEN 2
				WHEN 'faint' THEN 1
				ELSE 0
			END < $4
	`

	if _, err := tx.ExecContext(ctx, upgrade, runID, familyID, string(origin), origin.Priority()); err != nil {
		return fmt.Errorf("projection: upgrade blocklist origin: %w", err)
	}

	return nil
}
