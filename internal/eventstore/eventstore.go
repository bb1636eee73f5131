// Package eventstore implements the append-only event log: every
// accepted event is stored exactly once, in per-run monotonic, gap-free
// sequence order, and the log is the sole source of truth projections are
// rebuilt from.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/soullink-io/soullink-tracker/internal/config"
	"github.com/soullink-io/soullink-tracker/internal/events"
	"github.com/soullink-io/soullink-tracker/internal/storage"
)

var (
	// ErrEventNotFound is returned when an event id has no matching row.
	ErrEventNotFound = errors.New("eventstore: event not found")

	// ErrSequenceConflict is returned when a concurrent append raced this one
	// for the same run and lost the unique (run_id, seq) race. Callers should
	// retry; the per-run advisory lock taken in Append makes this rare.
	ErrSequenceConflict = errors.New("eventstore: sequence conflict, retry append")
)

// runEventSeqUniqueConstraint is the migration-enforced uniqueness that
// guarantees no two events ever share a (run_id, seq) pair.
const runEventSeqUniqueConstraint = "events_run_id_seq_key"

// Store is the Postgres-backed append-only event log.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewStore constructs an event store bound to conn.
func NewStore(conn *storage.Connection) *Store {
	return &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Append assigns the next sequence number for envelope.RunID and stores the
// event within tx. tx must be a transaction already begun by the caller (the
// ingestion service owns the transaction boundary spanning rules evaluation,
// append, and projection). A Postgres advisory
// transaction lock keyed on the run id serializes concurrent appends for the
// same run so sequence assignment never races.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, envelope events.Envelope) (events.Envelope, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, envelope.RunID.String()); err != nil {
		return events.Envelope{}, fmt.Errorf("eventstore: acquire run lock: %w", err)
	}

	var nextSeq int64

	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = $1`,
		envelope.RunID,
	).Scan(&nextSeq)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("eventstore: compute next seq: %w", err)
	}

	envelope.Seq = nextSeq

	if envelope.StoredAt.IsZero() {
		envelope.StoredAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(envelope.Payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	const query = `
		INSERT INTO events (id, run_id, player_id, seq, type, payload, event_time, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.ExecContext(ctx, query,
		envelope.EventID, envelope.RunID, envelope.PlayerID, envelope.Seq,
		string(envelope.Type), payloadJSON, envelope.EventTime, envelope.StoredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" &&
			pqErr.Constraint == runEventSeqUniqueConstraint {
			return events.Envelope{}, ErrSequenceConflict
		}

		return events.Envelope{}, fmt.Errorf("eventstore: insert event: %w", err)
	}

	return envelope, nil
}

// GetLatestSequence returns the highest assigned sequence number for runID,
// or 0 if no events have been appended yet.
func (s *Store) GetLatestSequence(ctx context.Context, runID uuid.UUID) (int64, error) {
	var seq int64

	err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = $1`, runID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("eventstore: get latest sequence: %w", err)
	}

	return seq, nil
}

// GetEventByID loads a single event by its id.
func (s *Store) GetEventByID(ctx context.Context, eventID uuid.UUID) (events.Envelope, error) {
	const query = `
		SELECT id, run_id, player_id, seq, type, payload, event_time, stored_at
		FROM events
		WHERE id = $1
	`

	row := s.conn.QueryRowContext(ctx, query, eventID)

	envelope, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Envelope{}, ErrEventNotFound
	}

	if err != nil {
		return events.Envelope{}, fmt.Errorf("eventstore: get event by id: %w", err)
	}

	return envelope, nil
}

// GetSince returns one page of runID's events with seq strictly greater than
// afterSeq, in ascending sequence order: at most limit rows (500 when
// limit <= 0). Callers page by passing the last returned seq as afterSeq.
// This is the query behind the catch-up-then-subscribe delivery contract.
func (s *Store) GetSince(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = 500
	}

	const query = `
		SELECT id, run_id, player_id, seq, type, payload, event_time, stored_at
		FROM events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`

	rows, err := s.conn.QueryContext(ctx, query, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get since: %w", err)
	}
	defer rows.Close()

	var out []events.Envelope

	for rows.Next() {
		envelope, err := scanEnvelopeRows(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}

		out = append(out, envelope)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate events: %w", err)
	}

	return out, nil
}

// Query bounds a GetEvents call. Zero values mean "no bound": SinceSeq=0
// starts at the beginning, UntilSeq=0 reads to the head, empty Types matches
// every event kind, Limit<=0 applies the default batch size.
type Query struct {
	SinceSeq int64
	UntilSeq int64
	Types    []events.Type
	Limit    int
}

// GetEvents returns runID's events matching q in ascending sequence order.
// GetSince is the common case; this is the general range/type query used
// by admin inspection and targeted replays.
func (s *Store) GetEvents(ctx context.Context, runID uuid.UUID, q Query) ([]events.Envelope, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	untilSeq := q.UntilSeq
	if untilSeq <= 0 {
		untilSeq = int64(1)<<62 - 1
	}

	typeNames := make([]string, len(q.Types))
	for i, t := range q.Types {
		typeNames[i] = string(t)
	}

	const query = `
		SELECT id, run_id, player_id, seq, type, payload, event_time, stored_at
		FROM events
		WHERE run_id = $1 AND seq > $2 AND seq <= $3
			AND (cardinality($4::text[]) = 0 OR type = ANY($4))
		ORDER BY seq ASC
		LIMIT $5
	`

	rows, err := s.conn.QueryContext(ctx, query, runID, q.SinceSeq, untilSeq, pq.Array(typeNames), limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get events: %w", err)
	}
	defer rows.Close()

	var out []events.Envelope

	for rows.Next() {
		envelope, err := scanEnvelopeRows(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}

		out = append(out, envelope)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate events: %w", err)
	}

	return out, nil
}

// Replay streams the full event log for runID in ascending sequence order,
// invoking fn for each event. Used by the admin rebuild: the projection
// state after a replay must equal the live-ingested projection state.
func (s *Store) Replay(ctx context.Context, runID uuid.UUID, fn func(events.Envelope) error) error {
	const batchSize = 1000

	var afterSeq int64

	for {
		batch, err := s.GetSince(ctx, runID, afterSeq, batchSize)
		if err != nil {
			return fmt.Errorf("eventstore: replay: %w", err)
		}

		if len(batch) == 0 {
			return nil
		}

		for _, envelope := range batch {
			if err := fn(envelope); err != nil {
				return fmt.Errorf("eventstore: replay callback: %w", err)
			}
		}

		afterSeq = batch[len(batch)-1].Seq
	}
}

type scannable interface {
	Scan(dest...any) error
}

func scanEnvelope(row *sql.Row) (events.Envelope, error) {
	return scanEnvelopeInto(row)
}

func scanEnvelopeRows(rows *sql.Rows) (events.Envelope, error) {
	return scanEnvelopeInto(rows)
}

func scanEnvelopeInto(s scannable) (events.Envelope, error) {
	var (
		envelope    events.Envelope
		typ         string
		payloadJSON []byte
	)

	if err := s.Scan(
		&envelope.EventID, &envelope.RunID, &envelope.PlayerID, &envelope.Seq,
		&typ, &payloadJSON, &envelope.EventTime, &envelope.StoredAt,
	); err != nil {
		return events.Envelope{}, err
	}

	envelope.Type = events.Type(typ)

	payload, err := events.DecodePayload(envelope.Type, payloadJSON)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("unmarshal payload for type %s: %w", typ, err)
	}

	envelope.Payload = payload

	return envelope, nil
}

