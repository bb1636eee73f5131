package projection

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
	"github.com/soullink-io/soullink-tracker/internal/registry"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

type projectionFixture struct {
	conn    *storage.Connection
	store   *eventstore.Store
	engine  *Engine
	runID   uuid.UUID
	playerA uuid.UUID
	playerB uuid.UUID
}

func setupProjection(t *testing.T) *projectionFixture {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &storage.Connection{DB: testDB.Connection}
	players := registry.NewStore(conn)

	run, err := players.CreateRun(ctx, "projection run", nil)
	require.NoError(t, err)

	playerA, _, err := players.CreatePlayer(ctx, run.ID, "Ash", "HeartGold", "Johto")
	require.NoError(t, err)

	playerB, _, err := players.CreatePlayer(ctx, run.ID, "Misty", "SoulSilver", "Johto")
	require.NoError(t, err)

	return &projectionFixture{
		conn:    conn,
		store:   eventstore.NewStore(conn),
		engine:  NewEngine(conn),
		runID:   run.ID,
		playerA: playerA.ID,
		playerB: playerB.ID,
	}
}

// ingest appends payload and applies it to the read models in one
// transaction, the same append-then-project discipline the ingestion service
// follows.
func (f *projectionFixture) ingest(t *testing.T, playerID uuid.UUID, typ events.Type, payload events.Payload) events.Envelope {
	t.Helper()

	ctx := context.Background()

	envelope, err := events.NewEnvelope(f.runID, playerID, typ, time.Now().UTC(), payload)
	require.NoError(t, err)

	tx, err := f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	stored, err := f.store.Append(ctx, tx, envelope)
	require.NoError(t, err)

	require.NoError(t, f.engine.Apply(ctx, tx, stored))
	require.NoError(t, tx.Commit())

	return stored
}

func (f *projectionFixture) routeProgress(t *testing.T, playerID uuid.UUID, routeID int) (finalized, exists bool) {
	t.Helper()

	err := f.conn.QueryRowContext(context.Background(),
		`SELECT finalized FROM route_progress WHERE run_id = $1 AND player_id = $2 AND route_id = $3`,
		f.runID, playerID, routeID,
	).Scan(&finalized)
	if err != nil {
		return false, false
	}

	return finalized, true
}

func (f *projectionFixture) blocklistOrigin(t *testing.T, familyID int) (string, bool) {
	t.Helper()

	var origin string

	err := f.conn.QueryRowContext(context.Background(),
		`SELECT origin FROM blocklist WHERE run_id = $1 AND family_id = $2`,
		f.runID, familyID,
	).Scan(&origin)
	if err != nil {
		return "", false
	}

	return origin, true
}

func grassEncounter(routeID, speciesID, familyID int) events.Encounter {
	return events.Encounter{
		RouteID: routeID, SpeciesID: speciesID, FamilyID: familyID,
		Level: 5, Method: events.MethodGrass, Status: events.StatusFirstEncounter,
	}
}

// player A catches on a route, then player B encounters a
// different species of the same family on that route. B's encounter is a
// dupe-skip and must leave no route_progress row behind.
func TestDupeSkipAcrossPlayers(t *testing.T) {
	f := setupProjection(t)

	encounter := f.ingest(t, f.playerA, events.TypeEncounter, grassEncounter(31, 25, 25))

	finalized, exists := f.routeProgress(t, f.playerA, 31)
	require.True(t, exists)
	assert.False(t, finalized, "an encounter alone never finalizes")

	f.ingest(t, f.playerA, events.TypeCatchResult, events.CatchResult{
		EncounterID: encounter.EventID, Outcome: events.OutcomeCaught,
	})

	finalized, exists = f.routeProgress(t, f.playerA, 31)
	require.True(t, exists)
	assert.True(t, finalized)

	origin, blocked := f.blocklistOrigin(t, 25)
	require.True(t, blocked)
	assert.Equal(t, "caught", origin)

	// Raichu shares Pikachu's family; B's encounter is a dupe-skip.
	f.ingest(t, f.playerB, events.TypeEncounter, grassEncounter(31, 26, 25))

	_, exists = f.routeProgress(t, f.playerB, 31)
	assert.False(t, exists, "dupe-skip must not create route progress")
}

// a super rod does not bypass an existing family block.
func TestFishingDoesNotBypassBlock(t *testing.T) {
	f := setupProjection(t)

	f.ingest(t, f.playerA, events.TypeFamilyBlocked, events.FamilyBlocked{
		FamilyID: 129, Origin: events.OriginCaught,
	})

	rod := events.RodSuper
	f.ingest(t, f.playerB, events.TypeEncounter, events.Encounter{
		RouteID: 32, SpeciesID: 129, FamilyID: 129, Level: 10,
		Method: events.MethodFish, RodKind: &rod,
	})

	_, exists := f.routeProgress(t, f.playerB, 32)
	assert.False(t, exists, "blocked family stays blocked regardless of rod")
}

// both players hold unfinalized progress on a route and both
// submit a caught result. Exactly one row may end up finalized; the
// loser's row stays unfinalized and the race is absorbed, not errored.
func TestFinalizationRaceSingleWinner(t *testing.T) {
	f := setupProjection(t)

	encounterA := f.ingest(t, f.playerA, events.TypeEncounter, grassEncounter(20, 7, 7))
	encounterB := f.ingest(t, f.playerB, events.TypeEncounter, grassEncounter(20, 10, 10))

	f.ingest(t, f.playerA, events.TypeCatchResult, events.CatchResult{
		EncounterID: encounterA.EventID, Outcome: events.OutcomeCaught,
	})
	f.ingest(t, f.playerB, events.TypeCatchResult, events.CatchResult{
		EncounterID: encounterB.EventID, Outcome: events.OutcomeCaught,
	})

	var finalizedCount int
	require.NoError(t, f.conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM route_progress WHERE run_id = $1 AND route_id = 20 AND finalized = true`,
		f.runID,
	).Scan(&finalizedCount))
	assert.Equal(t, 1, finalizedCount, "at most one finalized row per (run, route)")

	aFinal, _ := f.routeProgress(t, f.playerA, 20)
	bFinal, _ := f.routeProgress(t, f.playerB, 20)
	assert.True(t, aFinal, "first submitter wins")
	assert.False(t, bFinal, "race loser is downgraded, not errored")

	// Both players still caught something, so both families are blocked.
	for _, family := range []int{7, 10} {
		origin, blocked := f.blocklistOrigin(t, family)
		require.True(t, blocked)
		assert.Equal(t, "caught", origin)
	}
}

// A player whose own encounter was dupe-skipped (so no route_progress row
// exists) and who then loses the finalization race must still end up with a
// non-finalized row, not no row at all.
func TestLostRaceCreatesDowngradedRow(t *testing.T) {
	f := setupProjection(t)

	encounterA := f.ingest(t, f.playerA, events.TypeEncounter, grassEncounter(31, 25, 25))
	f.ingest(t, f.playerA, events.TypeCatchResult, events.CatchResult{
		EncounterID: encounterA.EventID, Outcome: events.OutcomeCaught,
	})

	// B encounters the now-blocked family, so the encounter is dupe-skipped
	// and writes no route_progress row.
	encounterB := f.ingest(t, f.playerB, events.TypeEncounter, grassEncounter(31, 26, 25))

	_, exists := f.routeProgress(t, f.playerB, 31)
	require.False(t, exists, "dupe-skipped encounter must not create route progress")

	// B's catch still tries to finalize and loses to A; the downgrade path
	// must materialize a non-finalized row for B.
	f.ingest(t, f.playerB, events.TypeCatchResult, events.CatchResult{
		EncounterID: encounterB.EventID, Outcome: events.OutcomeCaught,
	})

	finalized, exists := f.routeProgress(t, f.playerB, 31)
	require.True(t, exists, "race loser must hold a downgraded row")
	assert.False(t, finalized)

	finalized, _ = f.routeProgress(t, f.playerA, 31)
	assert.True(t, finalized, "winner's finalization is untouched")
}

// origin upgrades are monotone (faint < first_encounter <
// caught) and a lower origin never overwrites a higher one.
func TestBlocklistOriginUpgrade(t *testing.T) {
	f := setupProjection(t)

	encounter := f.ingest(t, f.playerA, events.TypeEncounter, grassEncounter(24, 50, 50))

	f.ingest(t, f.playerA, events.TypeFamilyBlocked, events.FamilyBlocked{FamilyID: 50, Origin: events.OriginFaint})

	origin, _ := f.blocklistOrigin(t, 50)
	assert.Equal(t, "faint", origin)

	f.ingest(t, f.playerA, events.TypeFamilyBlocked, events.FamilyBlocked{FamilyID: 50, Origin: events.OriginFirstEncounter})

	origin, _ = f.blocklistOrigin(t, 50)
	assert.Equal(t, "first_encounter", origin)

	f.ingest(t, f.playerA, events.TypeCatchResult, events.CatchResult{
		EncounterID: encounter.EventID, Outcome: events.OutcomeCaught,
	})

	origin, _ = f.blocklistOrigin(t, 50)
	assert.Equal(t, "caught", origin)

	// A late faint report must not downgrade the stored origin.
	f.ingest(t, f.playerA, events.TypeFamilyBlocked, events.FamilyBlocked{FamilyID: 50, Origin: events.OriginFaint})

	origin, _ = f.blocklistOrigin(t, 50)
	assert.Equal(t, "caught", origin)

	var count int
	require.NoError(t, f.conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM blocklist WHERE run_id = $1 AND family_id = 50`, f.runID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCatchResultForUnknownEncounterFails(t *testing.T) {
	f := setupProjection(t)
	ctx := context.Background()

	envelope, err := events.NewEnvelope(f.runID, f.playerA, events.TypeCatchResult, time.Now().UTC(), events.CatchResult{
		EncounterID: uuid.New(), Outcome: events.OutcomeCaught,
	})
	require.NoError(t, err)

	tx, err := f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback() //nolint:errcheck

	stored, err := f.store.Append(ctx, tx, envelope)
	require.NoError(t, err)

	err = f.engine.Apply(ctx, tx, stored)
	assert.ErrorIs(t, err, ErrEncounterNotFound)
}

func TestFaintUpdatesPartyStatus(t *testing.T) {
	f := setupProjection(t)

	f.ingest(t, f.playerA, events.TypeFaint, events.Faint{PokemonKey: "pv-777"})
	// Re-applying the same key stays a single dead row.
	f.ingest(t, f.playerA, events.TypeFaint, events.Faint{PokemonKey: "pv-777"})

	var (
		alive bool
		count int
	)

	require.NoError(t, f.conn.QueryRowContext(context.Background(),
		`SELECT alive FROM party_status WHERE run_id = $1 AND player_id = $2 AND pokemon_key = 'pv-777'`,
		f.runID, f.playerA,
	).Scan(&alive))
	assert.False(t, alive)

	require.NoError(t, f.conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM party_status WHERE run_id = $1`, f.runID,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSoulLinkLifecycle(t *testing.T) {
	f := setupProjection(t)
	ctx := context.Background()

	encounterA := f.ingest(t, f.playerA, events.TypeEncounter, grassEncounter(25, 1, 1))
	encounterB := f.ingest(t, f.playerB, events.TypeEncounter, grassEncounter(25, 4, 4))

	f.ingest(t, f.playerA, events.TypeCatchResult, events.CatchResult{EncounterID: encounterA.EventID, Outcome: events.OutcomeCaught})

	tx, err := f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	linked, _, err := f.engine.DetectSoulLink(ctx, tx, f.runID, 25)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.False(t, linked, "one caught player is not yet a link")

	f.ingest(t, f.playerB, events.TypeCatchResult, events.CatchResult{EncounterID: encounterB.EventID, Outcome: events.OutcomeCaught})

	tx, err = f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	linked, players, err := f.engine.DetectSoulLink(ctx, tx, f.runID, 25)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.True(t, linked)
	assert.ElementsMatch(t, []uuid.UUID{f.playerA, f.playerB}, players)

	linkID := uuid.New()
	created := events.SoulLinkCreated{LinkID: linkID, RouteID: 25, Players: players}

	f.ingest(t, f.playerA, events.TypeSoulLinkCreated, created)
	// Idempotent re-apply: replaying the same event must not duplicate members.
	f.ingest(t, f.playerA, events.TypeSoulLinkCreated, created)

	var members int
	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_members WHERE link_id = $1`, linkID,
	).Scan(&members))
	assert.Equal(t, 2, members)

	f.ingest(t, f.playerA, events.TypeSoulLinkBroken, events.SoulLinkBroken{LinkID: linkID, RouteID: 25, Players: players})

	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_members WHERE link_id = $1`, linkID,
	).Scan(&members))
	assert.Equal(t, 0, members)

	// The link row itself survives, matching the rebuild contract.
	var linkCount int
	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM links WHERE id = $1`, linkID,
	).Scan(&linkCount))
	assert.Equal(t, 1, linkCount)
}

// truncate the pure read models and rebuild them from the
// log; the rebuilt state must match what incremental application produced.
func TestRebuildRestoresProjections(t *testing.T) {
	f := setupProjection(t)
	ctx := context.Background()

	encounterA := f.ingest(t, f.playerA, events.TypeEncounter, grassEncounter(31, 25, 25))
	f.ingest(t, f.playerA, events.TypeCatchResult, events.CatchResult{EncounterID: encounterA.EventID, Outcome: events.OutcomeCaught})
	f.ingest(t, f.playerB, events.TypeEncounter, grassEncounter(31, 26, 25))
	f.ingest(t, f.playerB, events.TypeEncounter, grassEncounter(32, 10, 10))
	f.ingest(t, f.playerB, events.TypeFaint, events.Faint{PokemonKey: "pv-9"})
	f.ingest(t, f.playerA, events.TypeFamilyBlocked, events.FamilyBlocked{FamilyID: 60, Origin: events.OriginFaint})

	before := f.snapshotProjections(t)

	for _, table := range []string{"route_progress", "blocklist", "party_status"} {
		_, err := f.conn.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = $1", f.runID)
		require.NoError(t, err)
	}

	tx, err := f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.RebuildAll(ctx, tx, f.runID, f.store.Replay))
	require.NoError(t, tx.Commit())

	assert.Equal(t, before, f.snapshotProjections(t))
}

type projectionSnapshot struct {
	RouteProgress map[string]bool   // player/route -> finalized
	Blocklist     map[int]string    // family -> origin
	PartyStatus   map[string]bool   // player/pokemon -> alive
}

func (f *projectionFixture) snapshotProjections(t *testing.T) projectionSnapshot {
	t.Helper()

	ctx := context.Background()
	snap := projectionSnapshot{
		RouteProgress: make(map[string]bool),
		Blocklist:     make(map[int]string),
		PartyStatus:   make(map[string]bool),
	}

	rows, err := f.conn.QueryContext(ctx,
		`SELECT player_id, route_id, finalized FROM route_progress WHERE run_id = $1`, f.runID)
	require.NoError(t, err)

	for rows.Next() {
		var (
			playerID  uuid.UUID
			routeID   int
			finalized bool
		)

		require.NoError(t, rows.Scan(&playerID, &routeID, &finalized))
		snap.RouteProgress[playerID.String()+"/"+strconv.Itoa(routeID)] = finalized
	}

	require.NoError(t, rows.Err())
	rows.Close()

	rows, err = f.conn.QueryContext(ctx,
		`SELECT family_id, origin FROM blocklist WHERE run_id = $1`, f.runID)
	require.NoError(t, err)

	for rows.Next() {
		var (
			familyID int
			origin   string
		)

		require.NoError(t, rows.Scan(&familyID, &origin))
		snap.Blocklist[familyID] = origin
	}

	require.NoError(t, rows.Err())
	rows.Close()

	rows, err = f.conn.QueryContext(ctx,
		`SELECT player_id, pokemon_key, alive FROM party_status WHERE run_id = $1`, f.runID)
	require.NoError(t, err)

	for rows.Next() {
		var (
			playerID   uuid.UUID
			pokemonKey string
			alive      bool
		)

		require.NoError(t, rows.Scan(&playerID, &pokemonKey, &alive))
		snap.PartyStatus[playerID.String()+"/"+pokemonKey] = alive
	}

	require.NoError(t, rows.Err())
	rows.Close()

	return snap
}
