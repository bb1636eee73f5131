package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/eventstore"
	"github.com/soullink-io/soullink-tracker/internal/idempotency"
	"github.com/soullink-io/soullink-tracker/internal/projection"
	"github.com/soullink-io/soullink-tracker/internal/registry"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

type ingestFixture struct {
	conn    *storage.Connection
	service *Service
	runID   uuid.UUID
	player  registry.Player
	token   string
}

func setupIngestion(t *testing.T) *ingestFixture {
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

	run, err := players.CreateRun(ctx, "ingestion run", nil)
	require.NoError(t, err)

	player, token, err := players.CreatePlayer(ctx, run.ID, "Ash", "HeartGold", "Johto")
	require.NoError(t, err)

	service := NewService(conn, players, eventstore.NewStore(conn), projection.NewEngine(conn), idempotency.NewStore(conn))

	return &ingestFixture{conn: conn, service: service, runID: run.ID, player: player, token: token}
}

func (f *ingestFixture) request(t *testing.T, typ events.Type, payload any, idemKey string) Request {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{"type": string(typ), "payload": json.RawMessage(raw)})
	require.NoError(t, err)

	return Request{
		RunID:          f.runID,
		PlayerID:       f.player.ID,
		TokenPlaintext: f.token,
		IdempotencyKey: idemKey,
		Type:           typ,
		RawPayload:     raw,
		EventTime:      time.Now().UTC(),
		CanonicalBody:  body,
	}
}

func (f *ingestFixture) eventCount(t *testing.T) int {
	t.Helper()

	var count int
	require.NoError(t, f.conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM events WHERE run_id = $1`, f.runID).Scan(&count))

	return count
}

func TestIngestEncounterComputesAuthoritativeStatus(t *testing.T) {
	f := setupIngestion(t)
	ctx := context.Background()

	// The client lies about its status; the stored envelope must carry the
	// engine's decision instead.
	result, _, err := f.service.Ingest(ctx, f.request(t, events.TypeEncounter, events.Encounter{
		RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 5, Method: events.MethodGrass,
		Status: events.StatusDupeSkip, DupesSkip: true,
	}, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Seq)
	assert.Contains(t, result.AppliedRules, "dupes_clause")

	var payload []byte
	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE id = $1`, result.EventID).Scan(&payload))

	var stored events.Encounter
	require.NoError(t, json.Unmarshal(payload, &stored))
	assert.Equal(t, events.StatusFirstEncounter, stored.Status)
	assert.False(t, stored.DupesSkip)
}

// submitting the same catch result twice under one key
// appends exactly one event and returns identical responses.
func TestIngestIdempotentRedelivery(t *testing.T) {
	f := setupIngestion(t)
	ctx := context.Background()

	encounterResult, _, err := f.service.Ingest(ctx, f.request(t, events.TypeEncounter, events.Encounter{
		RouteID: 31, SpeciesID: 25, FamilyID: 25, Level: 5, Method: events.MethodGrass,
	}, ""))
	require.NoError(t, err)

	key := uuid.NewString()
	catch := events.CatchResult{EncounterID: encounterResult.EventID, Outcome: events.OutcomeCaught}

	first, _, err := f.service.Ingest(ctx, f.request(t, events.TypeCatchResult, catch, key))
	require.NoError(t, err)

	countAfterFirst := f.eventCount(t)

	second, _, err := f.service.Ingest(ctx, f.request(t, events.TypeCatchResult, catch, key))
	require.NoError(t, err)

	assert.Equal(t, first, second, "replayed delivery must return the stored response")
	assert.Equal(t, countAfterFirst, f.eventCount(t), "replayed delivery must not append")
}

func TestIngestSameKeyDifferentBodyConflicts(t *testing.T) {
	f := setupIngestion(t)
	ctx := context.Background()

	key := uuid.NewString()

	_, _, err := f.service.Ingest(ctx, f.request(t, events.TypeFaint, events.Faint{PokemonKey: "pv-1"}, key))
	require.NoError(t, err)

	_, _, err = f.service.Ingest(ctx, f.request(t, events.TypeFaint, events.Faint{PokemonKey: "pv-2"}, key))
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)
}

func TestIngestRejectsMalformedIdempotencyKey(t *testing.T) {
	f := setupIngestion(t)

	before := f.eventCount(t)

	_, _, err := f.service.Ingest(context.Background(),
		f.request(t, events.TypeFaint, events.Faint{PokemonKey: "pv-1"}, "not-a-uuid"))
	assert.ErrorIs(t, err, idempotency.ErrMalformedKey)
	assert.Equal(t, before, f.eventCount(t))
}

func TestIngestRejectsWrongToken(t *testing.T) {
	f := setupIngestion(t)

	req := f.request(t, events.TypeFaint, events.Faint{PokemonKey: "pv-1"}, "")
	req.TokenPlaintext = req.TokenPlaintext + "tampered"

	_, _, err := f.service.Ingest(context.Background(), req)
	assert.ErrorIs(t, err, ErrTokenMismatch)
	assert.Zero(t, f.eventCount(t))
}

func TestIngestRejectsPlayerRunMismatch(t *testing.T) {
	f := setupIngestion(t)
	ctx := context.Background()

	players := registry.NewStore(f.conn)

	otherRun, err := players.CreateRun(ctx, "other run", nil)
	require.NoError(t, err)

	req := f.request(t, events.TypeFaint, events.Faint{PokemonKey: "pv-1"}, "")
	req.RunID = otherRun.ID

	_, _, err = f.service.Ingest(ctx, req)
	assert.ErrorIs(t, err, ErrPlayerRunMismatch)
}

// Validation failures must leave no trace: no event, no projection rows.
func TestIngestValidationFailureHasNoSideEffects(t *testing.T) {
	f := setupIngestion(t)
	ctx := context.Background()

	_, _, err := f.service.Ingest(ctx, f.request(t, events.TypeEncounter, events.Encounter{
		RouteID: 32, SpeciesID: 129, FamilyID: 129, Level: 10, Method: events.MethodFish,
		// fishing without a rod kind
	}, ""))
	assert.ErrorIs(t, err, ErrRulesRejected)

	assert.Zero(t, f.eventCount(t))

	var progressRows int
	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM route_progress WHERE run_id = $1`, f.runID).Scan(&progressRows))
	assert.Zero(t, progressRows)
}

// requestAs builds a Request for a specific player/token, for tests that
// need more than the fixture's default player.
func (f *ingestFixture) requestAs(t *testing.T, playerID uuid.UUID, token string, typ events.Type, payload any) Request {
	t.Helper()

	req := f.request(t, typ, payload, "")
	req.PlayerID = playerID
	req.TokenPlaintext = token

	return req
}

// A second player's caught result on a route where another player already
// holds a caught encounter must create the soul link automatically: the
// SoulLinkCreated event is appended in the same transaction and returned for
// broadcast, and a later player's catch accretes onto the same link instead
// of announcing a second one.
func TestIngestAutoCreatesSoulLink(t *testing.T) {
	f := setupIngestion(t)
	ctx := context.Background()

	players := registry.NewStore(f.conn)

	playerB, tokenB, err := players.CreatePlayer(ctx, f.runID, "Misty", "SoulSilver", "Johto")
	require.NoError(t, err)

	playerC, tokenC, err := players.CreatePlayer(ctx, f.runID, "Brock", "HeartGold", "Kanto")
	require.NoError(t, err)

	// catchOn submits an encounter and then a caught result for it as the
	// given player, returning the envelopes the catch emitted.
	catchOn := func(playerID uuid.UUID, token string, species, family int) []events.Envelope {
		encounter := events.Encounter{RouteID: 25, SpeciesID: species, FamilyID: family, Level: 5, Method: events.MethodGrass}

		encResult, _, err := f.service.Ingest(ctx, f.requestAs(t, playerID, token, events.TypeEncounter, encounter))
		require.NoError(t, err)

		catch := events.CatchResult{EncounterID: encResult.EventID, Outcome: events.OutcomeCaught}

		_, emitted, err := f.service.Ingest(ctx, f.requestAs(t, playerID, token, events.TypeCatchResult, catch))
		require.NoError(t, err)

		return emitted
	}

	emitted := catchOn(f.player.ID, f.token, 1, 1)
	require.Len(t, emitted, 1, "one caught player is not yet a link")

	var linkCount int
	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM links WHERE run_id = $1`, f.runID).Scan(&linkCount))
	assert.Zero(t, linkCount)

	emitted = catchOn(playerB.ID, tokenB, 4, 4)
	require.Len(t, emitted, 2, "second caught player must trigger the link")
	assert.Equal(t, events.TypeCatchResult, emitted[0].Type)
	assert.Equal(t, events.TypeSoulLinkCreated, emitted[1].Type)

	firstLink, ok := emitted[1].Payload.(events.SoulLinkCreated)
	require.True(t, ok)
	assert.Equal(t, 25, firstLink.RouteID)
	assert.Len(t, firstLink.Players, 2)

	var members int
	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_members WHERE link_id = $1`, firstLink.LinkID).Scan(&members))
	assert.Equal(t, 2, members)

	// A third catch on the route grows the same link rather than creating a
	// second one.
	emitted = catchOn(playerC.ID, tokenC, 7, 7)
	require.Len(t, emitted, 2)

	grownLink, ok := emitted[1].Payload.(events.SoulLinkCreated)
	require.True(t, ok)
	assert.Equal(t, firstLink.LinkID, grownLink.LinkID)
	assert.Len(t, grownLink.Players, 3)

	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM links WHERE run_id = $1`, f.runID).Scan(&linkCount))
	assert.Equal(t, 1, linkCount)

	require.NoError(t, f.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM link_members WHERE link_id = $1`, firstLink.LinkID).Scan(&members))
	assert.Equal(t, 3, members)
}

func TestIngestCatchResultForMissingEncounterRollsBack(t *testing.T) {
	f := setupIngestion(t)

	_, _, err := f.service.Ingest(context.Background(), f.request(t, events.TypeCatchResult, events.CatchResult{
		EncounterID: uuid.New(), Outcome: events.OutcomeCaught,
	}, ""))
	require.Error(t, err)

	// The failed append must not leave a sequence gap for later events.
	result, _, err := f.service.Ingest(context.Background(),
		f.request(t, events.TypeFaint, events.Faint{PokemonKey: "pv-1"}, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Seq)
}
