// Package idempotency implements safe re-delivery of client requests: a
// request is identified by (client-supplied key, run, player, sha256
// of its canonical body). Replaying the identical request returns the
// original stored response without re-running ingestion; replaying the same
// key with a different body is a conflict, never a silent overwrite.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

var (
	// ErrMalformedKey is returned when a client-supplied idempotency key is
	// not a syntactically valid UUIDv4 or UUIDv5.
	ErrMalformedKey = errors.New("idempotency: key must be a UUIDv4 or UUIDv5")

	// ErrKeyReused is returned when the same (key, run, player) has already
	// been recorded against a different request body. The caller must surface
	// this as a 409 Conflict rather than run ingestion again.
	ErrKeyReused = errors.New("idempotency: key already used for a different request")
)

// idempotencyKeyUniqueConstraint guards (run_id, player_id, key) so a
// concurrent duplicate submission of the identical request never inserts two
// rows; Store reports the resulting unique violation as ErrKeyReused, not as
// a server error, without re-reading the existing row.
const idempotencyKeyUniqueConstraint = "idempotency_keys_run_id_player_id_key_key"

// Record is a previously stored idempotent response.
type Record struct {
	Key          uuid.UUID
	RunID        uuid.UUID
	PlayerID     uuid.UUID
	RequestHash  string
	ResponseBody []byte
}

// Store is the Postgres-backed idempotency ledger.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewStore constructs an idempotency store bound to conn.
func NewStore(conn *storage.Connection) *Store {
	return &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// ValidateKey checks that key parses as a UUID with version 4 or 5. Any other
// shape (including version 1/3/7, or a non-UUID string) is rejected before
// any processing happens.
func ValidateKey(key string) (uuid.UUID, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	switch id.Version() {
	case 4, 5:
		return id, nil
	default:
		return uuid.Nil, fmt.Errorf("%w: version %d", ErrMalformedKey, id.Version())
	}
}

// CanonicalHash returns the sha256 hex digest of body's canonical JSON form.
// Canonicalization re-encodes through a map so object keys are serialized in
// Go's (alphabetical) map-marshaling order regardless of the order the
// client sent them in, without depending on a canonical-JSON library.
func CanonicalHash(body []byte) (string, error) {
	var generic any

	if err := json.Unmarshal(body, &generic); err != nil {
		return "", fmt.Errorf("idempotency: decode request body: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("idempotency: encode canonical body: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// Lookup resolves a previously stored response for (key, runID, playerID).
// found is false when no row exists yet for this key. When a row exists with
// a request hash that does not match requestHash, Lookup returns ErrKeyReused
// rather than a row — the caller must reject the request without running
// ingestion.
func (s *Store) Lookup(ctx context.Context, tx *sql.Tx, key, runID, playerID uuid.UUID, requestHash string) (Record, bool, error) {
	const query = `
		SELECT key, run_id, player_id, request_hash, response
		FROM idempotency_keys
		WHERE run_id = $1 AND player_id = $2 AND key = $3
	`

	var rec Record

	err := tx.QueryRowContext(ctx, query, runID, playerID, key).Scan(
		&rec.Key, &rec.RunID, &rec.PlayerID, &rec.RequestHash, &rec.ResponseBody,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: lookup: %w", err)
	}

	if rec.RequestHash != requestHash {
		return Record{}, false, ErrKeyReused
	}

	return rec, true, nil
}

// Store records the response for (key, runID, playerID, requestHash) within
// tx, the same transaction ingestion used to append the event and apply
// projections. A concurrent
// duplicate submission racing this insert is reported as ErrKeyReused, whether
// or not its body matches, rather than as a server error.
func (s *Store) Store(ctx context.Context, tx *sql.Tx, key, runID, playerID uuid.UUID, requestHash string, responseBody []byte) error {
	const query = `
		INSERT INTO idempotency_keys (key, run_id, player_id, request_hash, response, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`

	_, err := tx.ExecContext(ctx, query, key, runID, playerID, requestHash, responseBody)
	if err != nil {
		if isUniqueViolation(err, idempotencyKeyUniqueConstraint) {
			return ErrKeyReused
		}

		return fmt.Errorf("idempotency: store: %w", err)
	}

	return nil
}
