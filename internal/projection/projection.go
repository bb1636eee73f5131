package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/rules"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

// Engine is the Postgres-backed projection engine: it applies
// committed event envelopes to the route progress, blocklist, party status,
// and soul link read models within the same transaction the event store
// appended into, so a rejected event leaves no read-model residue.
type Engine struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewEngine constructs a projection engine bound to conn.
func NewEngine(conn *storage.Connection) *Engine {
	return &Engine{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Apply dispatches envelope to the handler for its type, applying its
// effects to the read models within tx. Expected races (route-progress
// finalization, blocklist creation) are absorbed by the savepoint
// discipline and never surface as errors; unexpected constraint violations
// return ErrUnexpectedConstraint and the caller must abort tx.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, envelope events.Envelope) error {
	switch p := envelope.Payload.(type) {
	case events.Encounter:
		return e.applyEncounter(ctx, tx, envelope, p)
	case events.CatchResult:
		return e.applyCatchResult(ctx, tx, envelope, p)
	case events.Faint:
		return e.applyFaint(ctx, tx, envelope, p)
	case events.FamilyBlocked:
		return e.applyFamilyBlocked(ctx, tx, envelope, p)
	case events.FirstEncounterFinalized:
		return e.applyFirstEncounterFinalized(ctx, tx, envelope, p)
	case events.SoulLinkCreated:
		return e.applySoulLinkCreated(ctx, tx, envelope, p)
	case events.SoulLinkBroken:
		return e.applySoulLinkBroken(ctx, tx, envelope, p)
	default:
		return fmt.Errorf("projection: unhandled payload type %T", p)
	}
}

// EvaluateEncounter loads the RunState for (runID, playerID) and evaluates
// the dupes clause for (familyID, routeID). Ingestion calls this to compute
// the canonical status/dupes_skip fields before the envelope is ever
// appended — the event log must never store a client-asserted status — and
// applyEncounter calls it again within the same
// transaction to decide whether to write a route_progress row. Evaluating
// twice is safe: the rules engine is pure and nothing mutates route_progress
// or blocklist between the two calls.
func (e *Engine) EvaluateEncounter(ctx context.Context, tx *sql.Tx, runID, playerID uuid.UUID, familyID, routeID int) (rules.EncounterDecision, error) {
	state, err := e.loadRunState(ctx, tx, runID, playerID)
	if err != nil {
		return rules.EncounterDecision{}, err
	}

	lookup := e.crossPlayerLookup(ctx, tx, runID, playerID)

	return rules.EvaluateEncounter(state, familyID, routeID, lookup), nil
}

// loadRunState builds the RunState rules.EvaluateEncounter and
// rules.ApplyCatchResult need: blocked families for the run and this
// player's own route progress rows. Cross-run state never leaks in; other
// players' progress is consulted separately via crossPlayerLookup so the
// pure rules engine never has to reason about the whole run's population.
func (e *Engine) loadRunState(ctx context.Context, tx *sql.Tx, runID, playerID uuid.UUID) (rules.RunState, error) {
	state := rules.NewRunState()

	blockedRows, err := tx.QueryContext(ctx, `SELECT family_id FROM blocklist WHERE run_id = $1`, runID)
	if err != nil {
		return state, fmt.Errorf("projection: load blocklist: %w", err)
	}
	defer blockedRows.Close()

	for blockedRows.Next() {
		var familyID int
		if err := blockedRows.Scan(&familyID); err != nil {
			return state, fmt.Errorf("projection: scan blocklist row: %w", err)
		}

		state = state.WithBlockedFamily(familyID)
	}

	if err := blockedRows.Err(); err != nil {
		return state, fmt.Errorf("projection: iterate blocklist: %w", err)
	}

	routeRows, err := tx.QueryContext(ctx,
		`SELECT route_id, finalized FROM route_progress WHERE run_id = $1 AND player_id = $2`,
		runID, playerID,
	)
	if err != nil {
		return state, fmt.Errorf("projection: load route progress: %w", err)
	}
	defer routeRows.Close()

	for routeRows.Next() {
		var (
			routeID   int
			finalized bool
		)

		if err := routeRows.Scan(&routeID, &finalized); err != nil {
			return state, fmt.Errorf("projection: scan route progress row: %w", err)
		}

		state.PlayerRoutes[routeID] = rules.RouteState{FEFinalized: finalized}
	}

	if err := routeRows.Err(); err != nil {
		return state, fmt.Errorf("projection: iterate route progress: %w", err)
	}

	return state, nil
}

// crossPlayerLookup implements rules.CrossPlayerLookup against the
// route_progress table: true when any OTHER player in the run already holds
// a finalized row for (routeID, familyID). familyID is resolved through the
// encounter each route_progress row was finalized from.
func (e *Engine) crossPlayerLookup(ctx context.Context, tx *sql.Tx, runID, playerID uuid.UUID) rules.CrossPlayerLookup {
	return func(routeID, familyID int) bool {
		const query = `
			SELECT EXISTS (
				SELECT 1
				FROM route_progress rp
				JOIN events ev ON ev.run_id = rp.run_id
					AND ev.player_id = rp.player_id
					AND ev.type = 'encounter'
					AND (ev.payload->>'route_id')::int = rp.route_id
					AND (ev.payload->>'family_id')::int = $3
				WHERE rp.run_id = $1
					AND rp.player_id != $2
					AND rp.route_id = $4
					AND rp.finalized = true
			)
		`

		var exists bool
		if err := tx.QueryRowContext(ctx, query, runID, playerID, familyID, routeID).Scan(&exists); err != nil {
			e.logger.Error("cross player lookup failed", slog.Any("error", err))

			return false
		}

		return exists
	}
}

// ResolveEncounter loads the (player, run, route, family) an encounter id
// refers to, used by catch-result processing to recover the context the
// rules engine needs and by the ingestion service to locate the route a
// caught result may have completed a soul link on.
func (e *Engine) ResolveEncounter(ctx context.Context, tx *sql.Tx, encounterID uuid.UUID) (EncounterRecord, error) {
	const query = `
		SELECT id, run_id, player_id,
			(payload->>'route_id')::int, (payload->>'family_id')::int
		FROM events
		WHERE id = $1 AND type = 'encounter'
	`

	var rec EncounterRecord

	err := tx.QueryRowContext(ctx, query, encounterID).Scan(
		&rec.EncounterID, &rec.RunID, &rec.PlayerID, &rec.RouteID, &rec.FamilyID,
	)
	if err == sql.ErrNoRows {
		return EncounterRecord{}, ErrEncounterNotFound
	}

	if err != nil {
		return EncounterRecord{}, fmt.Errorf("projection: resolve encounter: %w", err)
	}

	return rec, nil
}
