package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

// playerNameUniqueConstraint is the Postgres constraint name enforced by the
// migrations for case-insensitive uniqueness of a player's display name
// within a run.
const playerNameUniqueConstraint = "players_run_id_display_name_lower_key"

// Store is the Postgres-backed run/player registry.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewStore constructs a registry store bound to conn.
func NewStore(conn *storage.Connection) *Store {
	return &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// CreateRun inserts a new run with an immutable rules configuration.
func (s *Store) CreateRun(ctx context.Context, displayName string, rulesConfig map[string]any) (Run, error) {
	run := Run{
		ID:          uuid.New(),
		DisplayName: displayName,
		RulesConfig: rulesConfig,
		CreatedAt:   time.Now().UTC(),
	}

	rulesJSON, err := run.RulesConfigJSON()
	if err != nil {
		return Run{}, fmt.Errorf("registry: marshal rules config: %w", err)
	}

	const query = `
		INSERT INTO runs (id, display_name, rules_config, created_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.conn.ExecContext(ctx, query, run.ID, run.DisplayName, rulesJSON, run.CreatedAt); err != nil {
		return Run{}, fmt.Errorf("registry: insert run: %w", err)
	}

	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	const query = `
		SELECT id, display_name, rules_config, created_at, rules_locked_at
		FROM runs
		WHERE id = $1
	`

	var (
		run       Run
		rulesJSON []byte
	)

	err := s.conn.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.DisplayName, &rulesJSON, &run.CreatedAt, &run.RulesLockedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}

	if err != nil {
		return Run{}, fmt.Errorf("registry: get run: %w", err)
	}

	return run, nil
}

// LockRulesConfig marks a run's rules configuration immutable. Called by the
// ingestion service the first time an event is appended for the run. Idempotent.
func (s *Store) LockRulesConfig(ctx context.Context, runID uuid.UUID) error {
	const query = `
		UPDATE runs SET rules_locked_at = NOW()
		WHERE id = $1 AND rules_locked_at IS NULL
	`

	_, err := s.conn.ExecContext(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("registry: lock rules config: %w", err)
	}

	return nil
}

// CreatePlayer inserts a new player and returns the one-time plaintext token
// alongside the stored record (the plaintext token is never stored or
// retrievable again).
func (s *Store) CreatePlayer(
	ctx context.Context,
	runID uuid.UUID,
	displayName, gameLabel, regionLabel string,
) (Player, string, error) {
	token, err := storage.GenerateToken()
	if err != nil {
		return Player{}, "", fmt.Errorf("registry: generate token: %w", err)
	}

	tokenHash, err := storage.HashToken(token)
	if err != nil {
		return Player{}, "", fmt.Errorf("registry: hash token: %w", err)
	}

	player := Player{
		ID:          uuid.New(),
		RunID:       runID,
		DisplayName: displayName,
		GameLabel:   gameLabel,
		RegionLabel: regionLabel,
		TokenHash:   tokenHash,
		TokenLookup: storage.ComputeTokenLookupHash(token),
		CreatedAt:   time.Now().UTC(),
	}

	const query = `
		INSERT INTO players (id, run_id, display_name, game_label, region_label,
			token_hash, token_lookup_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(ctx, query,
		player.ID, player.RunID, player.DisplayName, player.GameLabel, player.RegionLabel,
		player.TokenHash, player.TokenLookup, player.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" &&
			strings.Contains(pqErr.Constraint, playerNameUniqueConstraint) {
			return Player{}, "", ErrPlayerNameTaken
		}

		return Player{}, "", fmt.Errorf("registry: insert player: %w", err)
	}

	return player, token, nil
}

// RotatePlayerToken issues a fresh token for playerID, invalidating the old one.
func (s *Store) RotatePlayerToken(ctx context.Context, playerID uuid.UUID) (string, error) {
	token, err := storage.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("registry: generate token: %w", err)
	}

	tokenHash, err := storage.HashToken(token)
	if err != nil {
		return "", fmt.Errorf("registry: hash token: %w", err)
	}

	const query = `
		UPDATE players
		SET token_hash = $1, token_lookup_hash = $2, token_rotated_at = NOW()
		WHERE id = $3
	`

	result, err := s.conn.ExecContext(ctx, query, tokenHash, storage.ComputeTokenLookupHash(token), playerID)
	if err != nil {
		return "", fmt.Errorf("registry: rotate token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("registry: rotate token: %w", err)
	}

	if rows == 0 {
		return "", ErrPlayerNotFound
	}

	return token, nil
}

// GetPlayer loads a player by id.
func (s *Store) GetPlayer(ctx context.Context, playerID uuid.UUID) (Player, error) {
	const query = `
		SELECT id, run_id, display_name, game_label, region_label, token_hash, token_lookup_hash, created_at, token_rotated_at
		FROM players
		WHERE id = $1
	`

	var player Player

	err := s.conn.QueryRowContext(ctx, query, playerID).Scan(
		&player.ID, &player.RunID, &player.DisplayName, &player.GameLabel, &player.RegionLabel,
		&player.TokenHash, &player.TokenLookup, &player.CreatedAt, &player.TokenRotated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Player{}, ErrPlayerNotFound
	}

	if err != nil {
		return Player{}, fmt.Errorf("registry: get player: %w", err)
	}

	return player, nil
}

// AuthenticateToken verifies tokenPlaintext against the stored hash for the
// player it claims to belong to, using an O(1) SHA-256 lookup followed by a
// bcrypt comparison as the actual security boundary — the same two-hash
// pattern used throughout this service's credential storage. Performs a
// dummy bcrypt comparison on the not-found path to keep timing
// indistinguishable from the found-but-wrong-token path.
func (s *Store) AuthenticateToken(ctx context.Context, tokenPlaintext string) (Player, error) {
	lookup := storage.ComputeTokenLookupHash(tokenPlaintext)

	const query = `
		SELECT id, run_id, display_name, game_label, region_label, token_hash, token_lookup_hash, created_at, token_rotated_at
		FROM players
		WHERE token_lookup_hash = $1
	`

	var player Player

	err := s.conn.QueryRowContext(ctx, query, lookup).Scan(
		&player.ID, &player.RunID, &player.DisplayName, &player.GameLabel, &player.RegionLabel,
		&player.TokenHash, &player.TokenLookup, &player.CreatedAt, &player.TokenRotated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		dummyBcryptComparison()

		return Player{}, ErrInvalidToken
	}

	if err != nil {
		return Player{}, fmt.Errorf("registry: authenticate token: %w", err)
	}

	if !storage.CompareTokenHash(player.TokenHash, tokenPlaintext) {
		s.logger.Warn("token lookup hash matched but bcrypt verification failed",
			slog.String("player_id", player.ID.String()))

		return Player{}, ErrInvalidToken
	}

	return player, nil
}

func dummyBcryptComparison() {
	_ = storage.CompareTokenHash("$2a$10$invalidinvalidinvalidinvalidinvalidinvalidinvalidinvalidinv", "dummy")
}
