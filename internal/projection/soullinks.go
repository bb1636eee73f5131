package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/rules"
)

// applySoulLinkCreated idempotently materializes a link and its members.
// Re-applying the same event (replay, or a redelivered duplicate) must be a
// no-op, so every statement here is an upsert rather than a bare insert.
// Links are unique per (run, route); when a row already exists its id wins
// over the payload's, so membership always attaches to the canonical link.
func (e *Engine) applySoulLinkCreated(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.SoulLinkCreated) error {
	const insertLink = `
		INSERT INTO links (id, run_id, route_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, insertLink, payload.LinkID, envelope.RunID, payload.RouteID); err != nil {
		return fmt.Errorf("projection: upsert soul link: %w", err)
	}

	var linkID uuid.UUID

	err := tx.QueryRowContext(ctx,
		`SELECT id FROM links WHERE run_id = $1 AND route_id = $2`,
		envelope.RunID, payload.RouteID,
	).Scan(&linkID)
	if err != nil {
		return fmt.Errorf("projection: resolve soul link id: %w", err)
	}

	for _, playerID := range payload.Players {
		encounterID, err := e.caughtEncounterFor(ctx, tx, envelope.RunID, playerID, payload.RouteID)
		if err != nil {
			return err
		}

		const insertMember = `
			INSERT INTO link_members (link_id, player_id, encounter_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (link_id, player_id) DO NOTHING
		`

		if _, err := tx.ExecContext(ctx, insertMember, linkID, playerID, encounterID); err != nil {
			return fmt.Errorf("projection: upsert soul link member: %w", err)
		}
	}

	return nil
}

// LinkForRoute returns the existing soul link for (runID, routeID) and its
// current member player ids, or exists=false when the route has no link yet.
// The ingestion service consults this before raising a SoulLinkCreated event
// so an already-complete link is not re-announced on every later catch.
func (e *Engine) LinkForRoute(ctx context.Context, tx *sql.Tx, runID uuid.UUID, routeID int) (Link, []uuid.UUID, bool, error) {
	var link Link

	err := tx.QueryRowContext(ctx,
		`SELECT id, run_id, route_id FROM links WHERE run_id = $1 AND route_id = $2`,
		runID, routeID,
	).Scan(&link.ID, &link.RunID, &link.RouteID)
	if err == sql.ErrNoRows {
		return Link{}, nil, false, nil
	}

	if err != nil {
		return Link{}, nil, false, fmt.Errorf("projection: load soul link: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT player_id FROM link_members WHERE link_id = $1`, link.ID)
	if err != nil {
		return Link{}, nil, false, fmt.Errorf("projection: load soul link members: %w", err)
	}
	defer rows.Close()

	var members []uuid.UUID

	for rows.Next() {
		var playerID uuid.UUID
		if err := rows.Scan(&playerID); err != nil {
			return Link{}, nil, false, fmt.Errorf("projection: scan soul link member: %w", err)
		}

		members = append(members, playerID)
	}

	if err := rows.Err(); err != nil {
		return Link{}, nil, false, fmt.Errorf("projection: iterate soul link members: %w", err)
	}

	return link, members, true, nil
}

// applySoulLinkBroken removes a link's membership rows but preserves the link
// row itself, matching the rebuild contract's note that soul link rows are
// preserved across rebuild_all.
func (e *Engine) applySoulLinkBroken(ctx context.Context, tx *sql.Tx, envelope events.Envelope, payload events.SoulLinkBroken) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM link_members WHERE link_id = $1`, payload.LinkID); err != nil {
		return fmt.Errorf("projection: clear soul link members: %w", err)
	}

	return nil
}

// caughtEncounterFor finds playerID's caught encounter on routeID, used to
// populate link_members.encounter_id.
func (e *Engine) caughtEncounterFor(ctx context.Context, tx *sql.Tx, runID, playerID uuid.UUID, routeID int) (uuid.UUID, error) {
	const query = `
		SELECT ev.id
		FROM events ev
		JOIN events catch ON catch.run_id = ev.run_id
			AND catch.player_id = ev.player_id
			AND catch.type = 'catch_result'
			AND (catch.payload->>'encounter_id')::uuid = ev.id
			AND catch.payload->>'outcome' = 'caught'
		WHERE ev.run_id = $1 AND ev.player_id = $2 AND ev.type = 'encounter'
			AND (ev.payload->>'route_id')::int = $3
		ORDER BY ev.seq DESC
		LIMIT 1
	`

	var encounterID uuid.UUID

	err := tx.QueryRowContext(ctx, query, runID, playerID, routeID).Scan(&encounterID)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}

	if err != nil {
		return uuid.Nil, fmt.Errorf("projection: find caught encounter: %w", err)
	}

	return encounterID, nil
}

// DetectSoulLink reports the set of distinct players with a caught encounter
// on routeID, for the ingestion service to decide whether a SoulLinkCreated
// event should be raised next. It does not write anything itself —
// detection and event emission are kept decoupled from
// projection so the projection engine never originates new domain events.
func (e *Engine) DetectSoulLink(ctx context.Context, tx *sql.Tx, runID uuid.UUID, routeID int) (bool, []uuid.UUID, error) {
	const query = `
		SELECT DISTINCT ev.player_id
		FROM events ev
		JOIN events catch ON catch.run_id = ev.run_id
			AND catch.player_id = ev.player_id
			AND catch.type = 'catch_result'
			AND (catch.payload->>'encounter_id')::uuid = ev.id
			AND catch.payload->>'outcome' = 'caught'
		WHERE ev.run_id = $1 AND ev.type = 'encounter'
			AND (ev.payload->>'route_id')::int = $2
	`

	rows, err := tx.QueryContext(ctx, query, runID, routeID)
	if err != nil {
		return false, nil, fmt.Errorf("projection: detect soul link: %w", err)
	}
	defer rows.Close()

	caught := make(map[uuid.UUID]struct{})

	for rows.Next() {
		var playerID uuid.UUID
		if err := rows.Scan(&playerID); err != nil {
			return false, nil, fmt.Errorf("projection: scan soul link candidate: %w", err)
		}

		caught[playerID] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("projection: iterate soul link candidates: %w", err)
	}

	if !rules.ShouldCreateSoulLink(caught) {
		return false, nil, nil
	}

	players := make([]uuid.UUID, 0, len(caught))
	for playerID := range caught {
		players = append(players, playerID)
	}

	return true, players, nil
}
