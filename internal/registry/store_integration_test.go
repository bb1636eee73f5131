package registry

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

func setupRegistry(t *testing.T) *Store {
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

	return NewStore(&storage.Connection{DB: testDB.Connection})
}

func TestCreateAndGetRun(t *testing.T) {
	store := setupRegistry(t)
	ctx := context.Background()

	created, err := store.CreateRun(ctx, "Johto trio", map[string]any{"dupes_clause": true})
	require.NoError(t, err)

	loaded, err := store.GetRun(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Johto trio", loaded.DisplayName)
	assert.Nil(t, loaded.RulesLockedAt)

	_, err = store.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLockRulesConfigIsIdempotent(t *testing.T) {
	store := setupRegistry(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "locked run", nil)
	require.NoError(t, err)

	require.NoError(t, store.LockRulesConfig(ctx, run.ID))

	loaded, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.RulesLockedAt)

	firstLock := *loaded.RulesLockedAt

	require.NoError(t, store.LockRulesConfig(ctx, run.ID))

	loaded, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.RulesLockedAt)
	assert.Equal(t, firstLock, *loaded.RulesLockedAt, "a second lock must not move the timestamp")
}

func TestCreatePlayerNameUniquePerRunCaseInsensitive(t *testing.T) {
	store := setupRegistry(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "name test", nil)
	require.NoError(t, err)

	_, _, err = store.CreatePlayer(ctx, run.ID, "Ash", "HeartGold", "Johto")
	require.NoError(t, err)

	_, _, err = store.CreatePlayer(ctx, run.ID, "ash", "SoulSilver", "Johto")
	assert.ErrorIs(t, err, ErrPlayerNameTaken)

	// The same name is fine in a different run.
	otherRun, err := store.CreateRun(ctx, "other run", nil)
	require.NoError(t, err)

	_, _, err = store.CreatePlayer(ctx, otherRun.ID, "Ash", "HeartGold", "Johto")
	assert.NoError(t, err)
}

func TestAuthenticateToken(t *testing.T) {
	store := setupRegistry(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "auth test", nil)
	require.NoError(t, err)

	player, token, err := store.CreatePlayer(ctx, run.ID, "Brock", "HeartGold", "Kanto")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	authenticated, err := store.AuthenticateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, player.ID, authenticated.ID)
	assert.Equal(t, run.ID, authenticated.RunID)

	_, err = store.AuthenticateToken(ctx, token+"tampered")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRotatePlayerTokenInvalidatesOld(t *testing.T) {
	store := setupRegistry(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "rotation test", nil)
	require.NoError(t, err)

	player, oldToken, err := store.CreatePlayer(ctx, run.ID, "Lyra", "SoulSilver", "Johto")
	require.NoError(t, err)

	newToken, err := store.RotatePlayerToken(ctx, player.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldToken, newToken)

	_, err = store.AuthenticateToken(ctx, oldToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	authenticated, err := store.AuthenticateToken(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, player.ID, authenticated.ID)

	_, err = store.RotatePlayerToken(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}
